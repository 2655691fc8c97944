// Package app assembles deckhand's components with fx.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/metalagman/deckhand/internal/backlog"
	"github.com/metalagman/deckhand/internal/completion"
	"github.com/metalagman/deckhand/internal/config"
	"github.com/metalagman/deckhand/internal/db"
	"github.com/metalagman/deckhand/internal/metrics"
	"github.com/metalagman/deckhand/internal/reconcile"
	"github.com/metalagman/deckhand/internal/sandbox"
	"github.com/metalagman/deckhand/internal/session"
	"github.com/metalagman/deckhand/internal/tracker"
	"github.com/metalagman/deckhand/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
)

// Paths locates deckhand's state on disk.
type Paths struct {
	StateDir string
	DBPath   string
}

// PathsFor returns the default layout under repoRoot/.deckhand.
func PathsFor(repoRoot string) Paths {
	dir := filepath.Join(repoRoot, ".deckhand")
	return Paths{StateDir: dir, DBPath: filepath.Join(dir, "deckhand.db")}
}

// Flows holds one instance of every registered flow.
type Flows struct {
	Implement   *workflow.ImplementStory
	Backlog     *workflow.GenerateBacklog
	AnalyzeRepo *workflow.Analyze
	AnalyzeFile *workflow.Analyze
}

// Components is everything a command may need. Populate it with
// fx.Populate or use Run.
type Components struct {
	fx.In

	Config     config.Config
	Items      *backlog.Store
	Runs       *db.Store
	Analyses   *workflow.AnalysisStore
	Manager    *sandbox.Manager
	Runner     *workflow.Runner
	Flows      Flows
	Service    *reconcile.Service
	Reconciler *reconcile.Reconciler
	Tracker    tracker.Tracker
	Registry   *prometheus.Registry
}

// Options supplies configuration and the providers shared by every command.
func Options(cfg config.Config, paths Paths) fx.Option {
	return fx.Options(
		fx.WithLogger(newEventLogger),
		fx.Supply(cfg, paths),
		Core,
	)
}

// Core provides stores, the sandbox manager, the flow runner and the
// story services. It holds no lock and contacts no sandbox on start.
var Core = fx.Module("core",
	fx.Provide(
		newDB,
		db.NewStore,
		backlog.NewStore,
		workflow.NewAnalysisStore,
		newMetrics,
		newPlatform,
		newManager,
		newTracker,
		newFlows,
		newRunner,
		newService,
		newReconciler,
	),
)

func newDB(lc fx.Lifecycle, paths Paths) (*sql.DB, error) {
	conn, err := db.Open(paths.DBPath)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(conn.Close))
	return conn, nil
}

func newMetrics() (*prometheus.Registry, metrics.Recorder) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewPrometheusRecorder(reg)
}

func newPlatform(cfg config.Config) sandbox.Platform {
	return sandbox.NewHTTPPlatform(cfg.Platform.BaseURL, cfg.Platform.Token, cfg.Platform.Timeout)
}

func newManager(cfg config.Config, p sandbox.Platform, conn *sql.DB, rec metrics.Recorder) *sandbox.Manager {
	sc := cfg.Sandbox
	return sandbox.NewManager(p, sandbox.NewContextStore(conn), sandbox.NewRegistry(), sandbox.NewQuota(sc.MaxOpen), sandbox.ManagerOptions{
		Image:       cfg.Platform.Image,
		SettleDelay: sc.SettleDelay,
		Session: session.Options{
			HealthInterval: sc.HealthInterval,
			HealthTimeout:  sc.HealthTimeout,
			ReadyGrace:     sc.ReadyGrace,
			Retry:          session.RetryPolicy{MaxRetries: session.DefaultRetry.MaxRetries, Backoff: sc.SendRetryDelay},
		},
		Metrics: rec,
	})
}

func newTracker(cfg config.Config) (tracker.Tracker, error) {
	switch cfg.Tracker.Provider {
	case "", "github":
		return tracker.NewGHTracker(cfg.Tracker.BinPath), nil
	default:
		return nil, fmt.Errorf("tracker.provider %q is not supported", cfg.Tracker.Provider)
	}
}

func newFlows(cfg config.Config, items *backlog.Store, analyses *workflow.AnalysisStore) Flows {
	cc := cfg.Completion
	return Flows{
		Implement:   &workflow.ImplementStory{Stories: items, Timeout: cc.ImplementDeadline},
		Backlog:     &workflow.GenerateBacklog{Items: items, Timeout: cc.AnalysisDeadline},
		AnalyzeRepo: &workflow.Analyze{Analyses: analyses, Timeout: cc.AnalysisDeadline},
		AnalyzeFile: &workflow.Analyze{File: true, Analyses: analyses, Timeout: cc.AnalysisDeadline},
	}
}

func newRunner(cfg config.Config, m *sandbox.Manager, runs *db.Store, flows Flows, rec metrics.Recorder) *workflow.Runner {
	cc := cfg.Completion
	r := workflow.NewRunner(m, runs, workflow.RunnerOptions{
		Completion: completion.Options{
			Interval:    cc.PollInterval,
			StablePolls: cc.StablePolls,
			MinContent:  cc.MinContentLength,
		},
		Agent:   cfg.Agent,
		Metrics: rec,
	})
	r.Register(flows.Implement)
	r.Register(flows.Backlog)
	r.Register(flows.AnalyzeRepo)
	r.Register(flows.AnalyzeFile)
	return r
}

func newService(cfg config.Config, items *backlog.Store, tr tracker.Tracker, m *sandbox.Manager, r *workflow.Runner, flows Flows) *reconcile.Service {
	return reconcile.NewService(items, tr, m.Registry(), r, flows.Implement,
		reconcile.WithAgent(cfg.Agent),
		reconcile.WithQuota(m.Quota()),
	)
}

func newReconciler(cfg config.Config, items *backlog.Store, tr tracker.Tracker, rec metrics.Recorder) *reconcile.Reconciler {
	return reconcile.NewReconciler(items, tr,
		reconcile.WithInterval(cfg.Reconcile.Interval),
		reconcile.WithMetrics(rec),
	)
}

// Run builds the graph from opts, starts it, calls fn and stops it again.
func Run(ctx context.Context, opts fx.Option, fn func(ctx context.Context, c Components) error) error {
	var c Components
	a := fx.New(opts, fx.Populate(&c))
	if err := a.Err(); err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	runErr := fn(ctx, c)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.StopTimeout())
	defer cancel()
	if err := a.Stop(stopCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}
