// Package transport provides the message channels pipes run over.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
)

var (
	// ErrClosed is returned when sending over a closed channel, and reported to
	// a sink when the remote end goes away.
	ErrClosed = errors.New("channel closed")
	// ErrUnknownScheme is returned for URIs no factory is registered for.
	ErrUnknownScheme = errors.New("unknown transport scheme")
	// ErrConnectionRefused is returned when nobody listens on the address.
	ErrConnectionRefused = errors.New("connection refused")
)

// Sink consumes channel events. Calls are made from a single goroutine per
// channel.
type Sink interface {
	OnMessage(msg string)
	// OnClose reports the end of the channel; nil means a normal close.
	OnClose(err error)
}

// Channel is a bidirectional text message channel.
type Channel interface {
	Send(msg string) error
	SetSink(s Sink)
	// Connect establishes the channel, if needed, and starts delivering
	// messages to the sink.
	Connect(ctx context.Context) error
	Close() error
}

// Factory creates client channels for a URI.
type Factory interface {
	Open(u *url.URL) (Channel, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(u *url.URL) (Channel, error)

func (f FactoryFunc) Open(u *url.URL) (Channel, error) { return f(u) }

// Registry maps URI schemes to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(scheme string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[scheme] = f
}

// Open creates a channel for uri using the factory of its scheme.
func (r *Registry) Open(uri string) (Channel, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", uri, err)
	}
	r.mu.RLock()
	f, ok := r.factories[u.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, u.Scheme)
	}
	return f.Open(u)
}
