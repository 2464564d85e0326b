package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Seednode/mindbinder/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind           string
	commitRetries  int
	maxQuestions   int
	metrics        bool
	port           int
	prefix         string
	profile        bool
	readOnlyAfter  int
	seed           string
	sessionTimeout time.Duration
	tlsCert        string
	tlsKey         string
	verbose        bool
	version        bool

	store         string
	db            string
	file          string
	redisAddr     string
	redisPassword string
	redisDB       int
	redisPrefix   string
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.maxQuestions < 1 {
		return fmt.Errorf("invalid question budget (must be at least 1): %d", c.maxQuestions)
	}
	if c.commitRetries < 0 {
		return fmt.Errorf("invalid commit retry count (must not be negative): %d", c.commitRetries)
	}
	if c.readOnlyAfter < 0 {
		return fmt.Errorf("invalid failure threshold (must not be negative): %d", c.readOnlyAfter)
	}
	if c.sessionTimeout < 0 {
		return fmt.Errorf("invalid session timeout (must not be negative): %s", c.sessionTimeout)
	}

	return c.validateStore()
}

func (c *Config) validateStore() error {
	switch c.store {
	case store.BackendSQLite:
		if c.db == "" {
			return errors.New("--db is required for the sqlite store")
		}
	case store.BackendFile:
		if c.file == "" {
			return errors.New("--file is required for the file store")
		}
	case store.BackendRedis:
		if c.redisAddr == "" {
			return errors.New("--redis-addr is required for the redis store")
		}
	default:
		return fmt.Errorf("invalid store %q (must be one of sqlite, redis, file)", c.store)
	}

	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func (c *Config) storeConfig() store.Config {
	return store.Config{
		Backend:       c.store,
		DBPath:        c.db,
		FilePath:      c.file,
		RedisAddr:     c.redisAddr,
		RedisPassword: c.redisPassword,
		RedisDB:       c.redisDB,
		RedisPrefix:   c.redisPrefix,
	}
}

// bindEnv lets MINDBINDER_<FLAG> set any flag not given on the command line.
func bindEnv(v *viper.Viper, fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}

func normalize(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func storeFlags(cfg *Config, fs *pflag.FlagSet) {
	fs.StringVar(&cfg.store, "store", store.BackendSQLite, "where the tree is kept: sqlite, redis or file (env: MINDBINDER_STORE)")
	fs.StringVar(&cfg.db, "db", "mindbinder.db", "path to sqlite database (env: MINDBINDER_DB)")
	fs.StringVar(&cfg.file, "file", "mindbinder.json", "path to json tree file (env: MINDBINDER_FILE)")
	fs.StringVar(&cfg.redisAddr, "redis-addr", "localhost:6379", "redis address (env: MINDBINDER_REDIS_ADDR)")
	fs.StringVar(&cfg.redisPassword, "redis-password", "", "redis password (env: MINDBINDER_REDIS_PASSWORD)")
	fs.IntVar(&cfg.redisDB, "redis-db", 0, "redis database number (env: MINDBINDER_REDIS_DB)")
	fs.StringVar(&cfg.redisPrefix, "redis-prefix", "mindbinder:", "prefix for redis keys (env: MINDBINDER_REDIS_PREFIX)")
	fs.StringVar(&cfg.seed, "seed", "", "yaml tree to seed an empty store with (env: MINDBINDER_SEED)")
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("MINDBINDER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "mindbinder",
		Short:         "A guessing game that learns every item it fails to guess.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()
	fs.SetNormalizeFunc(normalize)

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: MINDBINDER_BIND)")
	fs.IntVar(&cfg.commitRetries, "commit-retries", 2, "times to retry a failed tree write (env: MINDBINDER_COMMIT_RETRIES)")
	fs.IntVar(&cfg.maxQuestions, "max-questions", 8, "questions asked before giving up (env: MINDBINDER_MAX_QUESTIONS)")
	fs.BoolVar(&cfg.metrics, "metrics", false, "expose prometheus metrics at /metrics (env: MINDBINDER_METRICS)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: MINDBINDER_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: MINDBINDER_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: MINDBINDER_PROFILE)")
	fs.IntVar(&cfg.readOnlyAfter, "read-only-after", 3, "consecutive failed lessons before learning is disabled, 0 to never (env: MINDBINDER_READ_ONLY_AFTER)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 30*time.Minute, "time before idle game sessions are ended (env: MINDBINDER_SESSION_TIMEOUT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: MINDBINDER_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: MINDBINDER_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: MINDBINDER_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: MINDBINDER_VERSION)")

	pfs := cmd.PersistentFlags()
	pfs.SetNormalizeFunc(normalize)
	storeFlags(cfg, pfs)

	bindEnv(v, pfs)
	bindEnv(v, fs)

	cmd.AddCommand(newExportCmd(cfg, v))

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("mindbinder v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
