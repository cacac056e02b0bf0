package pipe

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/swarmsync/go-swarm/log"
)

const (
	DefaultKeepAlive = 60 * time.Second
	// MaxReconnectDelay caps the reconnect backoff.
	MaxReconnectDelay = 30 * time.Second
	maxBackoffShift   = 8
)

// PlumberOpt configures a plumber.
type PlumberOpt func(*Plumber)

func WithPlumberLogger(logger *zap.Logger) PlumberOpt {
	return func(p *Plumber) {
		p.logger = logger
	}
}

func WithClock(clock clockwork.Clock) PlumberOpt {
	return func(p *Plumber) {
		p.clock = clock
	}
}

// WithKeepAlive sets the silence after which a pipe is closed. Heartbeats
// are sent after half of it.
func WithKeepAlive(timeout time.Duration) PlumberOpt {
	return func(p *Plumber) {
		p.timeout = timeout
	}
}

// Plumber keeps pipes alive and reconnects dropped outbound pipes. One
// plumber may serve the pipes of many hosts.
type Plumber struct {
	logger  *zap.Logger
	clock   clockwork.Clock
	timeout time.Duration

	mu    sync.Mutex
	pipes map[*Pipe]struct{}
}

func NewPlumber(opts ...PlumberOpt) *Plumber {
	p := &Plumber{
		logger:  zap.NewNop(),
		clock:   clockwork.NewRealClock(),
		timeout: DefaultKeepAlive,
		pipes:   make(map[*Pipe]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Plumber) now() time.Time { return p.clock.Now() }

// Run checks pipe liveness every quarter of the keepalive timeout until ctx
// is done.
func (p *Plumber) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.timeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			p.tick()
		}
	}
}

func (p *Plumber) tick() {
	p.mu.Lock()
	pipes := make([]*Pipe, 0, len(p.pipes))
	for pp := range p.pipes {
		pipes = append(pipes, pp)
	}
	p.mu.Unlock()
	now := p.clock.Now()
	for _, pp := range pipes {
		sinceSend, sinceRecv := pp.idle(now)
		switch {
		case sinceRecv >= p.timeout:
			pp.Close(ErrChannelTimeout)
		case sinceSend >= p.timeout/2:
			pp.heartbeat()
		}
	}
}

func (p *Plumber) watch(pp *Pipe) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pipes[pp] = struct{}{}
}

func (p *Plumber) unwatch(pp *Pipe) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pipes, pp)
}

// Watched returns the number of pipes under keepalive.
func (p *Plumber) Watched() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pipes)
}

// ReconnectDelay is min(base << min(attempt, 8), 30s).
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	delay := base << min(attempt, maxBackoffShift)
	if delay <= 0 || delay > MaxReconnectDelay {
		return MaxReconnectDelay
	}
	return delay
}

func (p *Plumber) scheduleReconnect(h Host, uri string, base time.Duration, attempt int) {
	delay := ReconnectDelay(base, attempt)
	p.logger.Debug("reconnect scheduled", log.URI(uri), zap.Int("attempt", attempt+1), zap.Duration("delay", delay))
	pipeReconnects.Inc()
	p.clock.AfterFunc(delay, func() {
		h.Reconnect(uri, base, attempt+1)
	})
}
