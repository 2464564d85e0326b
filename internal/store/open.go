package store

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendFile   = "file"
)

type Config struct {
	Backend string

	DBPath   string
	FilePath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// Open returns the backend named by c.Backend.
func Open(c Config) (Store, error) {
	switch c.Backend {
	case BackendSQLite, "":
		if err := ensureDir(c.DBPath); err != nil {
			return nil, wrap("open database", err)
		}
		s, err := OpenSQLite(c.DBPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendRedis:
		var opts []RedisOption
		if c.RedisPrefix != "" {
			opts = append(opts, WithPrefix(c.RedisPrefix))
		}
		return NewRedis(c.RedisAddr, c.RedisPassword, c.RedisDB, opts...), nil
	case BackendFile:
		return NewFile(c.FilePath), nil
	}

	return nil, fmt.Errorf("unknown store backend %q (want sqlite, redis or file)", c.Backend)
}

// ensureDir creates the parent directory of path if it doesn't exist.
func ensureDir(path string) error {
	dir := filepath.Dir(path)
	return os.MkdirAll(dir, 0o755)
}
