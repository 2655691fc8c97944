package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/metalagman/deckhand/internal/bridge"
	"github.com/metalagman/deckhand/internal/completion"
	"github.com/metalagman/deckhand/internal/config"
	"github.com/metalagman/deckhand/internal/db"
	"github.com/metalagman/deckhand/internal/metrics"
	"github.com/metalagman/deckhand/internal/logging"
	"github.com/metalagman/deckhand/internal/sandbox"
	"github.com/metalagman/deckhand/internal/session"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownFlow is returned when a flow name has no registration.
	ErrUnknownFlow = errors.New("unknown flow")
	// ErrNotResumable is returned for runs that cannot continue watching.
	ErrNotResumable = errors.New("flow run not resumable")
	// ErrTargetBusy is returned when a flow is already running for the target.
	ErrTargetBusy = errors.New("flow already running for target")
	// ErrSandboxClosed is returned when the sandbox is torn down while its
	// flow waits for the answer.
	ErrSandboxClosed = errors.New("sandbox closed while waiting for answer")
)

func logger(flow string) *zerolog.Logger {
	l := logging.Component("workflow").With().Str("flow", flow).Logger()
	return &l
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// Completion carries the poll cadence; Deadline and Accept come from the flow.
	Completion completion.Options
	Agent      config.AgentConfig
	Metrics    metrics.Recorder
}

// Runner executes flows against sandboxes and persists every transition.
type Runner struct {
	manager *sandbox.Manager
	runs    *db.Store
	opts    RunnerOptions
	metrics metrics.Recorder

	mu    sync.RWMutex
	flows map[string]Flow

	activeMu sync.Mutex
	active   map[string]struct{} // target keys with a run in progress
}

// NewRunner creates a runner.
func NewRunner(m *sandbox.Manager, runs *db.Store, opts RunnerOptions) *Runner {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}
	return &Runner{
		manager: m,
		runs:    runs,
		opts:    opts,
		metrics: opts.Metrics,
		flows:   make(map[string]Flow),
		active:  make(map[string]struct{}),
	}
}

// Register makes f available to Resume.
func (r *Runner) Register(f Flow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[f.Name()] = f
}

// Flow looks up a registered flow.
func (r *Runner) Flow(name string) (Flow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[name]
	return f, ok
}

// Outcome reports how a run ended.
type Outcome struct {
	RunID     string
	State     State
	SandboxID string
	TurnID    bridge.TurnID
	Content   string
	Parsed    any
}

// run carries the persisted columns of one execution.
type run struct {
	id        string
	flow      Flow
	target    Target
	machine   *Machine
	sandboxID string
	endpoint  string
	baseline  bridge.TurnID
	created   bool
}

func (rn *run) outcome() Outcome {
	return Outcome{RunID: rn.id, State: rn.machine.State(), SandboxID: rn.sandboxID}
}

// Busy reports whether a run for targetKey is in progress.
func (r *Runner) Busy(targetKey string) bool {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	_, ok := r.active[targetKey]
	return ok
}

// claimTarget admits one run per target key at a time.
func (r *Runner) claimTarget(key string) (func(), error) {
	if key == "" {
		return func() {}, nil
	}
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	if _, ok := r.active[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTargetBusy, key)
	}
	r.active[key] = struct{}{}
	return func() {
		r.activeMu.Lock()
		delete(r.active, key)
		r.activeMu.Unlock()
	}, nil
}

// Run executes f for t. A sandbox already bound to the target is reused;
// otherwise one is created. When ctx ends while waiting for the answer the
// run stays in waiting_response so Resume can pick it up.
//
// A target runs one flow at a time and a sandbox holds one prompt at a
// time, from the send until its answer is read. Both fail fast: a busy
// target with ErrTargetBusy, a busy sandbox with session.ErrBusy.
func (r *Runner) Run(ctx context.Context, t Target, f Flow) (Outcome, error) {
	targetJSON, err := json.Marshal(t)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode target: %w", err)
	}
	done, err := r.claimTarget(t.Key)
	if err != nil {
		return Outcome{}, err
	}
	defer done()

	var held *sandbox.Viewer
	defer func() {
		if held != nil {
			held.Release()
		}
	}()
	viewer, bound := r.boundViewer(t)
	if bound {
		if !viewer.Claim() {
			return Outcome{}, fmt.Errorf("sandbox %s: %w", viewer.SandboxID, session.ErrBusy)
		}
		held = viewer
	}

	rn := &run{id: uuid.NewString(), flow: f, target: t, machine: NewMachine()}
	if err := r.runs.CreateRun(ctx, db.FlowRun{
		ID:         rn.id,
		Flow:       f.Name(),
		TargetKey:  t.Key,
		TargetJSON: string(targetJSON),
		State:      string(StateIdle),
	}); err != nil {
		return Outcome{}, err
	}
	r.persist(ctx, rn)
	l := logger(f.Name()).With().Str("run_id", rn.id).Str("target", t.Key).Logger()
	l.Info().Msg("flow started")

	if bound {
		rn.sandboxID, rn.endpoint = viewer.SandboxID, viewer.BridgeEndpoint
		if err := rn.machine.Fire(StateSending, "sandbox already open"); err != nil {
			return rn.outcome(), err
		}
	} else {
		viewer, err = r.provision(ctx, rn)
		if err != nil {
			return rn.outcome(), err
		}
		held = viewer
	}

	if err := viewer.Session.WaitReady(ctx); err != nil {
		return r.fail(ctx, rn, err, "")
	}
	baseline, err := viewer.Session.Baseline(ctx)
	if err != nil {
		return r.fail(ctx, rn, err, "")
	}
	prompt, err := f.Prompt(t)
	if err != nil {
		return r.fail(ctx, rn, err, "")
	}
	if err := viewer.Session.Send(ctx, prompt); err != nil {
		r.metrics.PromptSend(metrics.ResultError)
		return r.fail(ctx, rn, err, "")
	}
	r.metrics.PromptSend(metrics.ResultOK)
	rn.baseline = baseline
	if err := rn.machine.Fire(StateWaitingResponse, "prompt sent"); err != nil {
		return rn.outcome(), err
	}
	return r.await(ctx, rn, viewer)
}

// Resume continues a run persisted in waiting_response. Its sandbox must
// already be open again, usually through sandbox restore.
func (r *Runner) Resume(ctx context.Context, runID string) (Outcome, error) {
	stored, err := r.runs.GetRun(ctx, runID)
	if err != nil {
		return Outcome{}, err
	}
	if State(stored.State) != StateWaitingResponse {
		return Outcome{}, fmt.Errorf("%w: run %s is %s", ErrNotResumable, runID, stored.State)
	}
	f, ok := r.Flow(stored.Flow)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownFlow, stored.Flow)
	}
	var t Target
	if err := json.Unmarshal([]byte(stored.TargetJSON), &t); err != nil {
		return Outcome{}, fmt.Errorf("decode target of run %s: %w", runID, err)
	}
	done, err := r.claimTarget(stored.TargetKey)
	if err != nil {
		return Outcome{}, err
	}
	defer done()
	viewer, ok := r.manager.Registry().Get(stored.SandboxID)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: sandbox %s is not open", ErrNotResumable, stored.SandboxID)
	}
	if !viewer.Claim() {
		return Outcome{}, fmt.Errorf("sandbox %s: %w", viewer.SandboxID, session.ErrBusy)
	}
	defer viewer.Release()

	rn := &run{
		id:        runID,
		flow:      f,
		target:    t,
		machine:   NewMachineAt(StateWaitingResponse),
		sandboxID: stored.SandboxID,
		endpoint:  stored.BridgeEndpoint,
		baseline:  bridge.TurnID(stored.BaselineTurnID),
	}
	if err := r.runs.UpdateRun(ctx, runID, rn.update(), &db.Event{Type: "run_resumed", Message: "watching for answers after " + stored.BaselineTurnID}); err != nil {
		return Outcome{}, err
	}
	r.persist(ctx, rn)
	logger(f.Name()).Info().Str("run_id", runID).Str("sandbox_id", rn.sandboxID).Msg("flow resumed")
	return r.await(ctx, rn, viewer)
}

func (r *Runner) boundViewer(t Target) (*sandbox.Viewer, bool) {
	reg := r.manager.Registry()
	if t.SandboxID != "" {
		return reg.Get(t.SandboxID)
	}
	if t.StoryID != "" {
		return reg.ForStory(t.StoryID)
	}
	return nil, false
}

func (r *Runner) provision(ctx context.Context, rn *run) (*sandbox.Viewer, error) {
	t := rn.target
	if err := rn.machine.Fire(StateCreatingSandbox, ""); err != nil {
		return nil, err
	}
	sb, err := r.manager.Create(ctx, sandbox.CreateRequest{
		RepoURL:  t.RepositoryURL,
		RepoName: t.RepositoryName,
		Branch:   t.Branch,
		Agent:    r.opts.Agent,
		Title:    t.Title,
		Context:  t.implementationContext(),
	})
	if err != nil {
		_, err = r.fail(ctx, rn, err, "")
		return nil, err
	}
	rn.sandboxID, rn.endpoint, rn.created = sb.ID, sb.BridgeEndpoint, true
	if err := rn.machine.Fire(StateWaitingSandbox, sb.ID); err != nil {
		return nil, err
	}
	if err := r.manager.Settle(ctx); err != nil {
		r.manager.Destroy(context.WithoutCancel(ctx), sb.ID)
		_, err = r.fail(ctx, rn, err, "")
		return nil, err
	}
	v, err := r.manager.Attach(ctx, sb, t.Title, t.implementationContext())
	if err != nil {
		r.manager.Destroy(context.WithoutCancel(ctx), sb.ID)
		_, err = r.fail(ctx, rn, fmt.Errorf("attach viewer: %w", err), "")
		return nil, err
	}
	if !v.Claim() {
		_, err = r.fail(ctx, rn, fmt.Errorf("sandbox %s: %w", sb.ID, session.ErrBusy), "")
		return nil, err
	}
	if err := rn.machine.Fire(StateSending, fmt.Sprintf("viewer docked at %d", v.Dock)); err != nil {
		return nil, err
	}
	return v, nil
}

func (r *Runner) await(ctx context.Context, rn *run, viewer *sandbox.Viewer) (Outcome, error) {
	f := rn.flow
	opts := r.opts.Completion
	opts.Deadline = f.Deadline()
	opts.Accept = f.Accept()
	opts.Logger = logger(f.Name())

	w := completion.Start(ctx, viewer.Session.Bridge(), rn.baseline, opts)
	closed := false
	select {
	case <-w.Done():
	case <-viewer.Done():
		closed = true
		w.Cancel()
	}
	res, err := w.Wait()
	if err != nil {
		if closed {
			r.metrics.ObserveCompletion(f.Name(), metrics.ResultError, res.Elapsed)
			return r.fail(ctx, rn, fmt.Errorf("sandbox %s: %w", rn.sandboxID, ErrSandboxClosed), "")
		}
		if ctx.Err() != nil {
			logger(f.Name()).Info().Str("run_id", rn.id).Msg("flow interrupted while waiting, left resumable")
			return rn.outcome(), ctx.Err()
		}
		r.metrics.ObserveCompletion(f.Name(), metrics.ResultTimeout, res.Elapsed)
		return r.fail(ctx, rn, err, "")
	}
	r.metrics.ObserveCompletion(f.Name(), metrics.ResultOK, res.Elapsed)

	if err := rn.machine.Fire(StateParsing, fmt.Sprintf("turn %s after %d polls", res.TurnID, res.Polls)); err != nil {
		return rn.outcome(), err
	}
	parsed, err := f.Parse(res.Content)
	if err != nil {
		return r.fail(ctx, rn, err, res.Content)
	}
	if err := rn.machine.Fire(StateSaving, ""); err != nil {
		return rn.outcome(), err
	}
	if err := f.Save(ctx, rn.target, parsed); err != nil {
		return r.fail(ctx, rn, err, res.Content)
	}
	if err := rn.machine.Fire(StateComplete, ""); err != nil {
		return rn.outcome(), err
	}
	if f.DestroyOnComplete() {
		r.manager.Destroy(context.WithoutCancel(ctx), rn.sandboxID)
	}

	out := rn.outcome()
	out.TurnID = res.TurnID
	out.Content = res.Content
	out.Parsed = parsed
	logger(f.Name()).Info().Str("run_id", rn.id).Dur("elapsed", res.Elapsed).Msg("flow complete")
	return out, nil
}

// fail moves the run to error. Errors are never retried; sandboxes this run
// created for a flow that tears down on completion are torn down here too.
func (r *Runner) fail(ctx context.Context, rn *run, cause error, raw string) (Outcome, error) {
	if herr := rn.machine.Fail(cause, raw); herr != nil {
		logger(rn.flow.Name()).Warn().Err(herr).Str("run_id", rn.id).Msg("persist failure state failed")
	}
	if rn.created && rn.flow.DestroyOnComplete() && rn.sandboxID != "" {
		r.manager.Destroy(context.WithoutCancel(ctx), rn.sandboxID)
	}
	logger(rn.flow.Name()).Error().Err(cause).Str("run_id", rn.id).Msg("flow failed")
	return rn.outcome(), cause
}

func (rn *run) update() db.RunUpdate {
	return db.RunUpdate{
		State:          string(rn.machine.State()),
		SandboxID:      rn.sandboxID,
		BridgeEndpoint: rn.endpoint,
		BaselineTurnID: string(rn.baseline),
		Error:          rn.machine.ErrorText(),
		Raw:            rn.machine.Raw(),
	}
}

// persist writes every transition of rn to the run table. Writes outlive
// ctx cancellation so failures are still recorded.
func (r *Runner) persist(ctx context.Context, rn *run) {
	wctx := context.WithoutCancel(ctx)
	name := rn.flow.Name()
	rn.machine.OnTransition(func(t Transition) error {
		r.metrics.FlowTransition(name, string(t.To))
		msg := fmt.Sprintf("%s -> %s", t.From, t.To)
		if t.Note != "" {
			msg += ": " + t.Note
		}
		ev := &db.Event{Type: "transition", Message: msg, At: t.At}
		tctx, cancel := context.WithTimeout(wctx, 10*time.Second)
		defer cancel()
		if err := r.runs.UpdateRun(tctx, rn.id, rn.update(), ev); err != nil {
			return fmt.Errorf("persist transition %s: %w", msg, err)
		}
		return nil
	})
}
