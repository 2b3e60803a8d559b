package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/soaringjerry/Sensora/internal/api"
	"github.com/soaringjerry/Sensora/internal/config"
	"github.com/soaringjerry/Sensora/internal/logger"
	"github.com/soaringjerry/Sensora/internal/middleware"
	"github.com/soaringjerry/Sensora/internal/utils"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server (default)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close resources", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newHandler(a, cfg, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Sensora server listening", "addr", cfg.Addr, "commit", cfg.Commit)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func newHandler(a *app, c config.Config, l *logger.Logger) http.Handler {
	mux := http.NewServeMux()
	api.NewRouter(api.Deps{
		Users:         a.users,
		Events:        a.events,
		Randomization: a.rnd,
		Gateway:       a.gateway,
		Flow:          a.flow,
		Audit:         a.store,
		Log:           l,
	}).Register(mux)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		locale := middleware.LocaleFromContext(r.Context())
		status, ok := http.StatusOK, true
		if err := a.store.Ping(r.Context()); err != nil {
			status, ok = http.StatusServiceUnavailable, false
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":         ok,
			"name":       "Sensora API",
			"locale":     locale,
			"msg":        utils.T(locale, "health.ok"),
			"commit":     c.Commit,
			"build_time": c.BuildTime,
		})
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"commit":     c.Commit,
			"build_time": c.BuildTime,
		})
	})

	// Frontend serving: static files when a dir is set, otherwise an optional
	// dev proxy.
	if c.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(c.StaticDir)))
	} else if c.DevFrontendURL != "" {
		if u, err := url.Parse(c.DevFrontendURL); err == nil {
			rp := httputil.NewSingleHostReverseProxy(u)
			rp.ModifyResponse = func(res *http.Response) error {
				res.Header.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
				return nil
			}
			mux.Handle("/", rp)
		} else {
			l.Warn("invalid dev frontend url", "url", c.DevFrontendURL, "error", err)
		}
	}

	var h http.Handler = mux
	h = a.authn.WithAuth(h)
	h = middleware.LocaleMiddleware(h)
	h = middleware.NoStore(h)
	h = middleware.CORS(h)
	h = middleware.SecureHeaders(h)
	h = middleware.RequestLogger(l)(h)
	return h
}
