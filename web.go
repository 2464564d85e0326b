package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Seednode/mindbinder/internal/game"
	"github.com/Seednode/mindbinder/internal/learn"
	"github.com/Seednode/mindbinder/internal/metrics"
	"github.com/Seednode/mindbinder/internal/session"
	"github.com/Seednode/mindbinder/internal/store"
	"github.com/Seednode/mindbinder/internal/tree"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/sync/errgroup"
)

const (
	logDate string        = `2006-01-02T15:04:05.000-07:00`
	timeout time.Duration = 10 * time.Second
)

var errReadOnly = errors.New("learning disabled after repeated persistence failures")

func securityHeaders(cfg *Config, w http.ResponseWriter) {
	w.Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
	w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
	w.Header().Set("Cross-Origin-Resource-Policy", "same-site")
	w.Header().Set("Permissions-Policy", "geolocation=(), midi=(), sync-xhr=(), microphone=(), camera=(), magnetometer=(), gyroscope=(), fullscreen=(), payment=()")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'self'")

	if cfg.scheme() == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}
}

func realIP(r *http.Request) string {
	host, port, _ := net.SplitHostPort(r.RemoteAddr)
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	} else if ip := r.Header.Get("X-Real-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	}
	if net.ParseIP(host) != nil && strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

func serveVersion(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)

		written, err := w.Write([]byte("mindbinder v" + releaseVersion + "\n"))
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: Version page (%s) to %s in %s",
			humanReadableSize(int64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// loadSeed reads the tree an empty store starts from. No path means the
// default single item.
func loadSeed(path string) (*tree.Node, error) {
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	root, err := tree.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("seed %s: %w", path, err)
	}

	return root, nil
}

// openTree opens the configured store and loads the tree from it, seeding
// the store first if it is empty.
func openTree(ctx context.Context, cfg *Config) (store.Store, *tree.Tree, error) {
	seed, err := loadSeed(cfg.seed)
	if err != nil {
		return nil, nil, err
	}

	st, err := store.Open(cfg.storeConfig())
	if err != nil {
		return nil, nil, err
	}

	t, seeded, err := learn.Bootstrap(ctx, st, seed)
	if err != nil {
		_ = st.Close()

		return nil, nil, err
	}

	snap := t.Snapshot()
	if seeded {
		logf(cfg, "START: Seeded empty %s store with %d items", cfg.store, snap.Len())
	} else {
		logf(cfg, "START: Loaded %d items (version %d) from %s store", snap.Len(), snap.Version(), cfg.store)
	}

	return st, t, nil
}

type app struct {
	store    store.Store
	sessions *session.Manager
	metrics  *metrics.Metrics
	feed     *Feed
	svc      *game.Service
}

func newApp(ctx context.Context, cfg *Config, opts ...learn.Option) (*app, error) {
	st, t, err := openTree(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts = append([]learn.Option{
		learn.WithRetries(cfg.commitRetries),
		learn.WithReadOnlyAfter(cfg.readOnlyAfter),
	}, opts...)

	engine := learn.New(t, st, opts...)

	a := &app{
		store:    st,
		sessions: session.NewManager(cfg.sessionTimeout),
		feed:     newFeed(),
	}

	if cfg.metrics {
		a.metrics = metrics.New(metrics.Sources{
			ActiveSessions: a.sessions.Len,
			Items:          func() int { return t.Snapshot().Len() },
			ReadOnly:       engine.ReadOnly,
		})
	}

	a.svc = game.New(engine, a.sessions,
		game.WithMaxQuestions(cfg.maxQuestions),
		game.WithMetrics(a.metrics),
		game.OnLearn(a.feed.publish),
	)

	return a, nil
}

func newRouter(cfg *Config, svc *game.Service, feed *Feed, m *metrics.Metrics, errs chan<- error) *httprouter.Router {
	mux := httprouter.New()

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		errorf("panic serving %s: %v", r.URL.Path, i)

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusInternalServerError)

		io.WriteString(w, newPage(cfg, "Server Error", "An error has occurred. Please try again."))
	}

	ready := func(context.Context) error {
		if svc.Stats().ReadOnly {
			return errReadOnly
		}
		return nil
	}

	mux.GET(cfg.prefix+"/", serveHomePage(cfg, errs))

	mux.GET(cfg.prefix+"/assets/*asset", serveAssets(cfg, errs))

	mux.GET(cfg.prefix+"/favicons/*favicon", serveFavicons(cfg, errs))

	mux.GET(cfg.prefix+"/favicon.svg", serveFavicons(cfg, errs))

	mux.GET(cfg.prefix+"/healthz", serveHealthCheck(cfg, ready, errs))

	mux.GET(cfg.prefix+"/robots.txt", serveRobots(cfg, errs))

	mux.GET(cfg.prefix+"/version", serveVersion(cfg, errs))

	mux.GET(cfg.prefix+"/qr", serveQR(cfg, errs))

	mux.GET(cfg.prefix+"/feed", serveFeed(cfg, feed))

	if m != nil {
		mux.Handler("GET", cfg.prefix+"/metrics", m.Handler())
	}

	if cfg.profile {
		registerProfileHandlers(cfg, mux)
	}

	registerGame(cfg, svc, mux)

	return mux
}

func ServePage(ctx context.Context, cfg *Config, args []string) error {
	var err error

	timeZone := os.Getenv("TZ")
	if timeZone != "" {
		time.Local, err = time.LoadLocation(timeZone)
		if err != nil {
			return err
		}
	}

	logf(cfg, "START: mindbinder v%s", releaseVersion)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.store.Close()

	errs := make(chan error, 64)

	cfg.prefix = strings.TrimSuffix(cfg.prefix, "/")

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:           newRouter(cfg, a.svc, a.feed, a.metrics, errs),
		IdleTimeout:       10 * time.Minute,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logf(cfg, "SERVE: Listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)

		var err error
		if cfg.tlsKey != "" && cfg.tlsCert != "" {
			err = srv.ListenAndServeTLS(cfg.tlsCert, cfg.tlsKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		a.sessions.Run(gctx, func(n int) {
			a.metrics.Reaped(n)
			logf(cfg, "GAMES: Reaped %d idle sessions", n)
		})

		return nil
	})

	g.Go(func() error {
		a.feed.run(gctx)

		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-errs:
				errorf("%v", err)
			}
		}
	})

	return g.Wait()
}
