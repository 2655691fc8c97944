package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/metalagman/deckhand/internal/config"
	"github.com/metalagman/deckhand/internal/db"
	"github.com/metalagman/deckhand/internal/lock"
	"github.com/metalagman/deckhand/internal/reconcile"
	"github.com/metalagman/deckhand/internal/sandbox"
	"github.com/metalagman/deckhand/internal/web"
	"github.com/metalagman/deckhand/internal/workflow"
	"github.com/rs/zerolog/log"
	"go.uber.org/fx"
)

// Sandboxes takes the state lock and reopens viewers for sandboxes that
// survived a restart. Commands that create, prompt or close sandboxes
// need it; read-only commands do not.
var Sandboxes = fx.Options(
	fx.Invoke(holdLock),
	fx.Invoke(restoreViewers),
)

// Serve runs the web server and the background reconciler, and resumes
// runs that were waiting for an answer when the last process stopped. It
// expects Sandboxes to have restored viewers first.
var Serve = fx.Options(
	fx.Provide(newWebServer, newHTTPServer),
	fx.Invoke(resumeRuns),
	fx.Invoke(startReconciler),
	fx.Invoke(func(*HTTPServer) {}),
)

func holdLock(lc fx.Lifecycle, paths Paths) {
	var l *lock.Lock
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var err error
			l, err = lock.TryAcquire(paths.StateDir)
			if errors.Is(err, lock.ErrHeld) {
				return fmt.Errorf("another deckhand process owns %s: %w", paths.StateDir, err)
			}
			return err
		},
		OnStop: func(context.Context) error {
			return l.Release()
		},
	})
}

// restoreViewers is best effort: an unreachable platform leaves the
// registry empty and is logged.
func restoreViewers(lc fx.Lifecycle, m *sandbox.Manager) {
	lc.Append(fx.StartHook(func(ctx context.Context) {
		if _, err := m.Restore(ctx); err != nil {
			log.Warn().Err(err).Msg("restore viewers failed")
		}
	}))
}

// resumeRuns watches again for every waiting_response run whose sandbox
// was restored. The others stay for an explicit flow resume.
func resumeRuns(lc fx.Lifecycle, runs *db.Store, runner *workflow.Runner, m *sandbox.Manager) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			waiting, err := runs.ListRuns(startCtx, string(workflow.StateWaitingResponse))
			if err != nil {
				log.Warn().Err(err).Msg("list waiting runs failed")
				return nil
			}
			for _, fr := range waiting {
				if _, ok := m.Registry().Get(fr.SandboxID); !ok {
					log.Info().Str("run_id", fr.ID).Str("sandbox_id", fr.SandboxID).Msg("sandbox of waiting run is gone, not resuming")
					continue
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					out, err := runner.Resume(ctx, fr.ID)
					if err != nil {
						if ctx.Err() == nil {
							log.Warn().Err(err).Str("run_id", fr.ID).Msg("resume run failed")
						}
						return
					}
					log.Info().Str("run_id", fr.ID).Str("state", string(out.State)).Msg("resumed run finished")
				}()
			}
			if len(waiting) > 0 {
				log.Info().Int("waiting", len(waiting)).Msg("resuming waiting runs")
			}
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			wg.Wait()
			return nil
		},
	})
}

func startReconciler(lc fx.Lifecycle, cfg config.Config, r *reconcile.Reconciler) {
	if cfg.Reconcile.Disabled {
		log.Info().Msg("reconciler disabled")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go r.Start(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			r.Stop()
			cancel()
			return nil
		},
	})
}

func newWebServer(lc fx.Lifecycle, c Components) (*web.Server, error) {
	base, cancel := context.WithCancel(context.Background())
	srv, err := web.NewServer(base, c.Service, c.Manager, c.Reconciler, c.Registry)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create web server: %w", err)
	}
	lc.Append(fx.StopHook(func() {
		cancel()
		srv.Wait()
	}))
	return srv, nil
}

// HTTPServer is the listener serving the web UI and API.
type HTTPServer struct {
	srv *http.Server

	mu   sync.Mutex
	addr string
}

// Addr is the bound address once started.
func (h *HTTPServer) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr
}

func newHTTPServer(lc fx.Lifecycle, cfg config.Config, ws *web.Server) *HTTPServer {
	h := &HTTPServer{srv: &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           ws.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.Server.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
			}
			h.mu.Lock()
			h.addr = ln.Addr().String()
			h.mu.Unlock()
			log.Info().Str("addr", h.Addr()).Msg("web server listening")
			go func() {
				if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("web server stopped")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return h.srv.Shutdown(ctx)
		},
	})
	return h
}
