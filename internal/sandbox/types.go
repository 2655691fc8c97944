// Package sandbox provisions remote-desktop sandboxes and tracks the viewers
// bound to them.
package sandbox

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/metalagman/deckhand/internal/config"
	"github.com/metalagman/deckhand/internal/session"
)

// ErrQuotaExceeded is returned when the open sandbox cap is reached.
var ErrQuotaExceeded = errors.New("sandbox quota exceeded")

// ErrNotFound is returned for unknown sandbox ids.
var ErrNotFound = errors.New("sandbox not found")

// ProvisioningError reports a sandbox that could not be created.
type ProvisioningError struct {
	Op  string
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision sandbox (%s): %v", e.Op, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// Sandbox is a running remote-desktop container.
type Sandbox struct {
	ID              string    `json:"id"`
	DisplayEndpoint string    `json:"displayEndpoint"`
	BridgeEndpoint  string    `json:"bridgeEndpoint"`
	CreatedAt       time.Time `json:"createdAt"`
}

// ImplementationContext binds a sandbox to the story it works on.
type ImplementationContext struct {
	RepositoryID   string `json:"repositoryId"`
	RepositoryName string `json:"repositoryName"`
	DefaultBranch  string `json:"defaultBranch"`
	StoryTitle     string `json:"storyTitle"`
	StoryID        string `json:"storyId"`
}

// CreateRequest describes a sandbox to provision.
type CreateRequest struct {
	RepoURL  string
	RepoName string
	Branch   string
	Agent    config.AgentConfig
	Title    string
	Context  *ImplementationContext
}

// Viewer is an open sandbox shown to the user. Dock is its position in the
// viewer list.
type Viewer struct {
	SandboxID       string
	Title           string
	BridgeEndpoint  string
	DisplayEndpoint string
	Dock            int
	Context         *ImplementationContext
	OpenedAt        time.Time

	// Session drives the agent behind BridgeEndpoint. One per viewer, so
	// prompts are single-flight per endpoint.
	Session *session.Client

	doneInit sync.Once
	closing  sync.Once
	done     chan struct{}
	busy     atomic.Bool
}

// Done is closed when the viewer leaves its registry, either through
// Manager.Destroy or an explicit close.
func (v *Viewer) Done() <-chan struct{} {
	return v.doneChan()
}

func (v *Viewer) doneChan() chan struct{} {
	v.doneInit.Do(func() { v.done = make(chan struct{}) })
	return v.done
}

func (v *Viewer) teardown() {
	v.closing.Do(func() { close(v.doneChan()) })
}

// Claim marks a prompt as in flight on the viewer, from the send until its
// answer is read. It reports false while another prompt holds the viewer.
func (v *Viewer) Claim() bool {
	return v.busy.CompareAndSwap(false, true)
}

// Release ends the prompt started by a successful Claim.
func (v *Viewer) Release() {
	v.busy.Store(false)
}

// Busy reports whether a prompt is in flight.
func (v *Viewer) Busy() bool {
	return v.busy.Load()
}

// StoryID returns the bound story id, if any.
func (v *Viewer) StoryID() string {
	if v == nil || v.Context == nil {
		return ""
	}
	return v.Context.StoryID
}
