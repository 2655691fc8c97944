package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/metalagman/deckhand/internal/bridge"
	"github.com/metalagman/deckhand/internal/logging"
	"github.com/metalagman/deckhand/internal/metrics"
	"github.com/metalagman/deckhand/internal/session"
	"github.com/rs/zerolog"
)

// ManagerOptions tunes the lifecycle manager.
type ManagerOptions struct {
	Image       string
	SettleDelay time.Duration
	Session     session.Options
	Metrics     metrics.Recorder
	// Sleep replaces the settle wait in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Manager creates, opens, restores and destroys sandboxes.
type Manager struct {
	platform Platform
	records  Records
	registry *Registry
	quota    *Quota
	opts     ManagerOptions
	metrics  metrics.Recorder
	logger   zerolog.Logger

	mu   sync.Mutex
	held map[string]struct{} // sandboxes holding a quota slot
}

// NewManager wires a manager. The registry and quota are owned by the caller.
func NewManager(p Platform, records Records, registry *Registry, quota *Quota, opts ManagerOptions) *Manager {
	if opts.Sleep == nil {
		opts.Sleep = session.Sleep
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}
	return &Manager{
		platform: p,
		records:  records,
		registry: registry,
		quota:    quota,
		opts:     opts,
		metrics:  opts.Metrics,
		logger:   logging.Component("sandbox"),
		held:     make(map[string]struct{}),
	}
}

// Registry returns the viewer registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Quota returns the sandbox quota.
func (m *Manager) Quota() *Quota {
	return m.quota
}

// Create provisions a sandbox. The quota is checked before the platform is
// contacted; a full quota fails without any provisioning call.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Sandbox, error) {
	if !m.quota.TryAcquire() {
		m.metrics.SandboxCreate(metrics.ResultRejected)
		return Sandbox{}, &ProvisioningError{
			Op:  "quota",
			Err: fmt.Errorf("%w: %d of %d open", ErrQuotaExceeded, m.quota.InUse(), m.quota.Max()),
		}
	}

	spec := Spec{
		Image:    m.opts.Image,
		RepoURL:  req.RepoURL,
		RepoName: req.RepoName,
		Branch:   req.Branch,
		Env:      agentEnv(req),
	}
	sb, err := m.platform.Create(ctx, spec)
	if err != nil {
		m.quota.Release()
		m.metrics.SandboxCreate(metrics.ResultError)
		return Sandbox{}, &ProvisioningError{Op: "create", Err: err}
	}

	m.mu.Lock()
	m.held[sb.ID] = struct{}{}
	m.mu.Unlock()
	m.metrics.SandboxCreate(metrics.ResultOK)
	m.logger.Info().Str("sandbox_id", sb.ID).Str("repo", req.RepoName).Msg("sandbox created")
	return sb, nil
}

func agentEnv(req CreateRequest) map[string]string {
	env := map[string]string{}
	set := func(k, v string) {
		if v != "" {
			env[k] = v
		}
	}
	set("AGENT_PROVIDER", req.Agent.Provider)
	set("AGENT_MODEL", req.Agent.Model)
	set("AGENT_API_KEY", req.Agent.APIKey)
	set("AGENT_BASE_URL", req.Agent.BaseURL)
	if len(env) == 0 {
		return nil
	}
	return env
}

// Settle waits the fixed settle delay. The desktop stack has no readiness
// signal, so this is a plain wait.
func (m *Manager) Settle(ctx context.Context) error {
	return m.opts.Sleep(ctx, m.opts.SettleDelay)
}

// Attach persists the context record for sb and opens its viewer.
func (m *Manager) Attach(ctx context.Context, sb Sandbox, title string, ic *ImplementationContext) (*Viewer, error) {
	if title == "" {
		title = sb.ID
	}
	if err := m.records.Save(ctx, Record{
		SandboxID:       sb.ID,
		Title:           title,
		BridgeEndpoint:  sb.BridgeEndpoint,
		DisplayEndpoint: sb.DisplayEndpoint,
		Context:         ic,
	}); err != nil {
		return nil, err
	}
	v := m.newViewer(sb.ID, title, sb.BridgeEndpoint, sb.DisplayEndpoint, ic)
	if err := m.registry.Add(v); err != nil {
		return nil, err
	}
	m.metrics.SandboxesOpen(m.registry.Len())
	m.logger.Info().Str("sandbox_id", sb.ID).Str("title", title).Str("story_id", v.StoryID()).Int("dock", v.Dock).Msg("viewer opened")
	return v, nil
}

func (m *Manager) newViewer(id, title, bridgeEndpoint, display string, ic *ImplementationContext) *Viewer {
	return &Viewer{
		SandboxID:       id,
		Title:           title,
		BridgeEndpoint:  bridgeEndpoint,
		DisplayEndpoint: display,
		Context:         ic,
		OpenedAt:        time.Now().UTC(),
		Session:         session.NewClient(bridge.New(bridgeEndpoint), m.opts.Session),
	}
}

// Open creates a sandbox, waits the settle delay and attaches a viewer. If
// anything after provisioning fails the sandbox is destroyed.
func (m *Manager) Open(ctx context.Context, req CreateRequest) (*Viewer, error) {
	sb, err := m.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := m.Settle(ctx); err != nil {
		m.Destroy(context.WithoutCancel(ctx), sb.ID)
		return nil, err
	}
	v, err := m.Attach(ctx, sb, req.Title, req.Context)
	if err != nil {
		m.Destroy(context.WithoutCancel(ctx), sb.ID)
		return nil, fmt.Errorf("attach viewer: %w", err)
	}
	return v, nil
}

// List returns the sandboxes the platform reports as running.
func (m *Manager) List(ctx context.Context) ([]Sandbox, error) {
	sbs, err := m.platform.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	return sbs, nil
}

// Destroy tears a sandbox down. Every step is best effort: failures are
// logged and never returned.
func (m *Manager) Destroy(ctx context.Context, id string) {
	logger := m.logger.With().Str("sandbox_id", id).Logger()

	if v := m.registry.Remove(id); v != nil {
		m.metrics.SandboxesOpen(m.registry.Len())
	}
	if err := m.records.Delete(ctx, id); err != nil {
		logger.Warn().Err(err).Msg("delete sandbox context failed")
	}

	m.mu.Lock()
	_, held := m.held[id]
	delete(m.held, id)
	m.mu.Unlock()
	if held {
		m.quota.Release()
	}

	found, err := m.platform.Delete(ctx, id)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("platform delete failed")
	case !found:
		logger.Debug().Msg("platform did not know sandbox")
	default:
		logger.Info().Msg("sandbox destroyed")
	}
}

// Restore reopens viewers after a restart. Each persisted record whose
// sandbox is still running gets exactly one viewer; records for vanished
// sandboxes are dropped; running sandboxes without a record are adopted
// under their id.
func (m *Manager) Restore(ctx context.Context) ([]*Viewer, error) {
	running, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	records, err := m.records.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sandbox contexts: %w", err)
	}

	live := make(map[string]Sandbox, len(running))
	for _, sb := range running {
		live[sb.ID] = sb
	}

	var opened []*Viewer
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		sb, ok := live[rec.SandboxID]
		if !ok {
			if err := m.records.Delete(ctx, rec.SandboxID); err != nil {
				m.logger.Warn().Err(err).Str("sandbox_id", rec.SandboxID).Msg("drop stale sandbox context failed")
			}
			continue
		}
		seen[rec.SandboxID] = true
		endpoint := rec.BridgeEndpoint
		if endpoint == "" {
			endpoint = sb.BridgeEndpoint
		}
		display := rec.DisplayEndpoint
		if display == "" {
			display = sb.DisplayEndpoint
		}
		if v, ok := m.restoreViewer(rec.SandboxID, rec.Title, endpoint, display, rec.Context); ok {
			opened = append(opened, v)
		}
	}

	for _, sb := range running {
		if seen[sb.ID] {
			continue
		}
		if err := m.records.Save(ctx, Record{SandboxID: sb.ID, Title: sb.ID, BridgeEndpoint: sb.BridgeEndpoint, DisplayEndpoint: sb.DisplayEndpoint}); err != nil {
			m.logger.Warn().Err(err).Str("sandbox_id", sb.ID).Msg("persist adopted sandbox failed")
		}
		if v, ok := m.restoreViewer(sb.ID, sb.ID, sb.BridgeEndpoint, sb.DisplayEndpoint, nil); ok {
			opened = append(opened, v)
		}
	}

	m.metrics.SandboxesOpen(m.registry.Len())
	m.logger.Info().Int("restored", len(opened)).Msg("viewers restored")
	return opened, nil
}

func (m *Manager) restoreViewer(id, title, endpoint, display string, ic *ImplementationContext) (*Viewer, bool) {
	if _, ok := m.registry.Get(id); ok {
		return nil, false
	}
	v := m.newViewer(id, title, endpoint, display, ic)
	if err := m.registry.Add(v); err != nil {
		return nil, false
	}
	m.mu.Lock()
	if _, ok := m.held[id]; !ok {
		m.held[id] = struct{}{}
		m.quota.Occupy()
	}
	m.mu.Unlock()
	return v, true
}

// IsQuotaExceeded reports whether err came from a full quota.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}
