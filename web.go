/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

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

	"github.com/julienschmidt/httprouter"

	"github.com/Seednode/slights/internal/cards"
	"github.com/Seednode/slights/internal/engine"
	"github.com/Seednode/slights/internal/notify"
	"github.com/Seednode/slights/internal/store"
)

const (
	logDate string        = `2006-01-02T15:04:05.000-07:00`
	timeout time.Duration = 10 * time.Second
)

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

// clientHost returns the caller's address without the port.
func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	} else if ip := r.Header.Get("X-Real-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	}
	return host
}

func realIP(r *http.Request) string {
	_, port, _ := net.SplitHostPort(r.RemoteAddr)
	host := clientHost(r)
	if net.ParseIP(host) != nil && strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

func serveText(cfg *Config, errs chan<- error, name, body string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)

		written, err := w.Write([]byte(body))
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: %s (%s) to %s in %s",
			name,
			humanReadableSize(int64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

const robots = `User-agent: Amazonbot
Disallow: /

User-agent: Applebot-Extended
Disallow: /

User-agent: Bytespider
Disallow: /

User-agent: CCBot
Disallow: /

User-agent: ClaudeBot
Disallow: /

User-agent: Google-Extended
Disallow: /

User-agent: GPTBot
Disallow: /

User-agent: meta-externalagent
Disallow: /`

// openRepository picks Postgres when a database is configured and memory
// otherwise. The returned func releases it.
func openRepository(ctx context.Context, cfg *Config) (store.Repository, func(), error) {
	if cfg.databaseURL == "" {
		logf(cfg, "START: Keeping rooms in memory")

		return store.NewMemory(), func() {}, nil
	}

	pg, err := store.NewPostgres(ctx, cfg.databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pg.Migrate(ctx); err != nil {
		pg.Close()

		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}

	logf(cfg, "START: Keeping rooms in postgres")

	return pg, pg.Close, nil
}

// openRelay joins the shared event subject when NATS is configured.
func openRelay(cfg *Config, registry *notify.Registry) (*notify.NATSRelay, error) {
	if cfg.natsURL == "" {
		return nil, nil
	}

	conn, err := notify.Connect(cfg.natsURL, "slights")
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	relay, err := notify.NewNATSRelay(conn, func(env notify.Envelope) int {
		return registry.Deliver(env.Identities, env.Frame)
	}, logger(cfg))
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("subscribe to %s: %w", notify.Subject, err)
	}

	logf(cfg, "START: Relaying room events through %s", cfg.natsURL)

	return relay, nil
}

// reaperLoop periodically removes rooms that have been idle longer than
// the session timeout.
func reaperLoop(ctx context.Context, cfg *Config, eng *engine.Engine, lim *limiter) {
	ticker := time.NewTicker(cfg.sessionTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		reaped, err := eng.Reap(ctx, time.Now().Add(-cfg.sessionTimeout))
		if err != nil {
			logf(cfg, "ERROR: Removing idle rooms: %v", err)
		}
		if reaped > 0 {
			logf(cfg, "GAMES: Removed %d idle rooms", reaped)
		}

		lim.prune()
	}
}

func newRouter(cfg *Config, eng *engine.Engine, registry *notify.Registry, lim *limiter, errs chan<- error) *httprouter.Router {
	mux := httprouter.New()

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		errs <- fmt.Errorf("panic serving %s: %v", r.URL.Path, i)

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusInternalServerError)

		io.WriteString(w, newPage("Server Error", "An error has occurred. Please try again."))
	}

	mux.GET(cfg.prefix+"/healthz", serveText(cfg, errs, "Health check", "Ok\n"))

	mux.GET(cfg.prefix+"/robots.txt", serveText(cfg, errs, "Robots file", robots))

	mux.GET(cfg.prefix+"/version", serveText(cfg, errs, "Version page", "slights v"+releaseVersion+"\n"))

	if cfg.profile {
		registerProfileHandlers(cfg, mux)
	}

	registerRooms(cfg, mux, eng, lim, errs)

	mux.GET(cfg.prefix+"/ws", serveWS(cfg, eng, registry))

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

	logf(cfg, "START: slights v%s", releaseVersion)

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	registry := notify.NewRegistry()

	hubOpts := []notify.Option{notify.WithLogf(logger(cfg))}

	relay, err := openRelay(cfg, registry)
	if err != nil {
		return err
	}
	if relay != nil {
		defer relay.Close()
		hubOpts = append(hubOpts, notify.WithRelay(relay))
	}

	eng := engine.New(repo,
		cards.NewDealer(repo, cards.WithLogf(logger(cfg))),
		notify.NewHub(registry, repo, hubOpts...),
		engine.WithAdvanceDelay(cfg.advanceDelay),
		engine.WithTargetScore(cfg.targetScore),
		engine.WithLogf(logger(cfg)),
	)
	defer eng.Close()

	if err := eng.Seed(ctx); err != nil {
		return fmt.Errorf("seed decks: %w", err)
	}

	lim := newLimiter(cfg.rateLimit, cfg.rateBurst)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.sessionTimeout > 0 {
		go reaperLoop(ctx, cfg, eng, lim)
	}

	errs := make(chan error, 64)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				logf(cfg, "ERROR: %v", err)
			}
		}
	}()

	cfg.prefix = strings.TrimSuffix(cfg.prefix, "/")

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:           newRouter(cfg, eng, registry, lim, errs),
		IdleTimeout:       10 * time.Minute,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      timeout,
	}

	go func() {
		var err error
		if cfg.tlsKey != "" && cfg.tlsCert != "" {
			logf(cfg, "SERVE: Listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)
			err = srv.ListenAndServeTLS(cfg.tlsCert, cfg.tlsKey)
		} else {
			logf(cfg, "SERVE: Listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("%s | ERROR: %v\n", time.Now().Format(logDate), err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	return nil
}
