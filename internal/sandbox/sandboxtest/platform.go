// Package sandboxtest provides an in-memory sandbox platform for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/metalagman/deckhand/internal/sandbox"
)

// Platform provisions fake sandboxes whose bridge is Endpoint.
type Platform struct {
	Endpoint string

	mu      sync.Mutex
	next    int
	creates int
	deleted []string
	running map[string]sandbox.Sandbox
	specs   []sandbox.Spec
}

// NewPlatform returns a platform pointing every sandbox at endpoint.
func NewPlatform(endpoint string) *Platform {
	return &Platform{Endpoint: endpoint, running: make(map[string]sandbox.Sandbox)}
}

func (p *Platform) Create(_ context.Context, spec sandbox.Spec) (sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creates++
	p.next++
	sb := sandbox.Sandbox{
		ID:              fmt.Sprintf("sb-%d", p.next),
		BridgeEndpoint:  p.Endpoint,
		DisplayEndpoint: fmt.Sprintf("https://display.test/sb-%d", p.next),
		CreatedAt:       time.Now().UTC(),
	}
	p.running[sb.ID] = sb
	p.specs = append(p.specs, spec)
	return sb, nil
}

func (p *Platform) List(context.Context) ([]sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]sandbox.Sandbox, 0, len(p.running))
	for _, sb := range p.running {
		out = append(out, sb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *Platform) Delete(_ context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, id)
	_, ok := p.running[id]
	delete(p.running, id)
	return ok, nil
}

// Creates counts Create calls.
func (p *Platform) Creates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creates
}

// Deleted lists ids passed to Delete.
func (p *Platform) Deleted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.deleted...)
}

// Running reports whether id is still up.
func (p *Platform) Running(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[id]
	return ok
}

// Specs returns the specs passed to Create.
func (p *Platform) Specs() []sandbox.Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sandbox.Spec(nil), p.specs...)
}
