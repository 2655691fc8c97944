// Package metrics records orchestration metrics.
package metrics

import "time"

// Result labels.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultRejected = "rejected"
	ResultTimeout  = "timeout"
)

// Recorder receives orchestration events.
type Recorder interface {
	// SandboxCreate counts a create attempt by result.
	SandboxCreate(result string)
	// SandboxesOpen reports the number of open viewers.
	SandboxesOpen(n int)
	// PromptSend counts a prompt delivery by result.
	PromptSend(result string)
	// ObserveCompletion records how long a flow waited for an answer.
	ObserveCompletion(flow, result string, d time.Duration)
	// FlowTransition counts entries into a workflow state.
	FlowTransition(flow, state string)
	// ReconcilePass records the outcome of one tracker reconciliation pass.
	ReconcilePass(checked, promoted, failed int)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

// Nop returns a recorder that discards all metrics.
func Nop() Recorder {
	return NoopRecorder{}
}

func (NoopRecorder) SandboxCreate(string)                            {}
func (NoopRecorder) SandboxesOpen(int)                               {}
func (NoopRecorder) PromptSend(string)                               {}
func (NoopRecorder) ObserveCompletion(string, string, time.Duration) {}
func (NoopRecorder) FlowTransition(string, string)                   {}
func (NoopRecorder) ReconcilePass(int, int, int)                     {}
