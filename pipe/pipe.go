// Package pipe runs the peer protocol over a transport channel: the host
// handshake, bundle framing and liveness.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/swarmsync/go-swarm/log"
	"github.com/swarmsync/go-swarm/spec"
	"github.com/swarmsync/go-swarm/syncable"
	"github.com/swarmsync/go-swarm/transport"
)

// HostType is the type of host specifiers, /Host#id.
const HostType = "Host"

var (
	// ErrSelfHandshake is returned when a peer presents our own host id.
	ErrSelfHandshake = errors.New("self handshake")
	// ErrInvalidHandshake is returned for anything but a host on/reon before
	// the handshake completes.
	ErrInvalidHandshake = errors.New("invalid handshake")
	// ErrChannelTimeout closes pipes that stayed silent for too long.
	ErrChannelTimeout = errors.New("channel timeout")
	// ErrMalformedBundle is returned for messages that are not bundles.
	ErrMalformedBundle = errors.New("malformed bundle")
)

// Host is the side of the local host a pipe talks to.
type Host interface {
	ID() string
	// Deliver enqueues an operation received from the peer.
	Deliver(op spec.Full, value syncable.Value, source syncable.Recipient)
	// Reconnect dials uri again; it is called by the plumber.
	Reconnect(uri string, base time.Duration, attempt int)
}

// State of a pipe.
type State uint8

const (
	StateNew State = iota
	// StateWaitPeer: we sent our on and wait for the peer reon.
	StateWaitPeer
	// StateWaitHost: the peer sent its on and waits for our host reon.
	StateWaitHost
	StateOpened
	StateClosed
)

var stateNames = [...]string{"new", "wait_peer", "wait_host", "opened", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

type handshakeOp uint8

const (
	sentNone handshakeOp = iota
	sentOn
	sentReon
)

// Opt configures a pipe.
type Opt func(*Pipe)

func WithLogger(logger *zap.Logger) Opt {
	return func(p *Pipe) {
		p.logger = logger
	}
}

// WithURI marks an outbound pipe that is reconnected to uri after abnormal
// closes.
func WithURI(uri string, base time.Duration, attempt int) Opt {
	return func(p *Pipe) {
		p.uri = uri
		p.base = base
		p.attempt = attempt
	}
}

func WithPlumber(pl *Plumber) Opt {
	return func(p *Pipe) {
		p.plumber = pl
	}
}

// Pipe connects the local host with one remote peer.
type Pipe struct {
	id      ulid.ULID
	logger  *zap.Logger
	host    Host
	channel transport.Channel
	plumber *Plumber

	uri     string
	base    time.Duration
	attempt int

	mu       sync.Mutex
	state    State
	peerID   string
	sent     handshakeOp
	peerOff  bool
	err      error
	lastSend time.Time
	lastRecv time.Time
}

var (
	_ syncable.Peer  = (*Pipe)(nil)
	_ transport.Sink = (*Pipe)(nil)
)

// New creates a pipe over ch. Open starts it.
func New(host Host, ch transport.Channel, opts ...Opt) *Pipe {
	p := &Pipe{
		id:      ulid.Make(),
		logger:  zap.NewNop(),
		host:    host,
		channel: ch,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.plumber == nil {
		p.plumber = NewPlumber(WithPlumberLogger(p.logger))
	}
	p.logger = p.logger.With(zap.Stringer("pipe", p.id), log.URI(p.uri))
	now := p.plumber.now()
	p.lastSend, p.lastRecv = now, now
	return p
}

// Open attaches the pipe to its channel and connects it.
func (p *Pipe) Open(ctx context.Context) error {
	p.channel.SetSink(p)
	if err := p.channel.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", p.uri, err)
	}
	return nil
}

func (p *Pipe) ID() ulid.ULID { return p.id }

// PeerID is the remote host id, known once the handshake started.
func (p *Pipe) PeerID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerID
}

func (p *Pipe) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err is the reason the pipe was closed with, nil for a normal close.
func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Outbound reports whether the pipe was dialed by the local host.
func (p *Pipe) Outbound() bool { return p.uri != "" }

// URI is the dialed address of an outbound pipe.
func (p *Pipe) URI() string { return p.uri }

// Attempt is the reconnect attempt the pipe was created for.
func (p *Pipe) Attempt() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempt
}

func (p *Pipe) hostOp(op string) spec.Full {
	return spec.NewTypeID(HostType, p.host.ID()).Full(spec.ZeroVersion, spec.Op(op))
}

// OnMessage handles an incoming bundle.
func (p *Pipe) OnMessage(msg string) {
	p.mu.Lock()
	p.lastRecv = p.plumber.now()
	p.mu.Unlock()
	entries, err := DecodeBundle(msg)
	if err != nil {
		p.logger.Warn("bad message", zap.Error(err))
		p.Close(err)
		return
	}
	pipeBytes.WithLabelValues("in").Add(float64(len(msg)))
	for _, e := range entries {
		if err := p.receive(e.Op, e.Value); err != nil {
			p.Close(err)
			return
		}
	}
}

// OnClose handles the end of the channel.
func (p *Pipe) OnClose(err error) {
	p.Close(err)
}

func (p *Pipe) receive(op spec.Full, value syncable.Value) error {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	switch state {
	case StateNew, StateWaitPeer:
		return p.processHandshake(op, value)
	case StateWaitHost, StateOpened:
		if op.Type().Bare() == HostType {
			if op.OpName() == syncable.OpOff {
				p.mu.Lock()
				p.peerOff = true
				p.mu.Unlock()
			}
			op = op.WithID(spec.ID(p.host.ID()))
		}
		p.host.Deliver(op, value, p)
	default:
		p.logger.Warn("message after close", log.Op(op))
	}
	return nil
}

func (p *Pipe) processHandshake(op spec.Full, value syncable.Value) error {
	if op.Type().Bare() != HostType {
		return fmt.Errorf("%w: %s", ErrInvalidHandshake, op)
	}
	peer := op.ID().Body()
	if peer == p.host.ID() {
		return fmt.Errorf("%w: %s", ErrSelfHandshake, peer)
	}
	p.mu.Lock()
	switch {
	case p.state == StateNew && (op.OpName() == syncable.OpOn || op.OpName() == syncable.OpReon):
		p.state = StateWaitHost
	case p.state == StateWaitPeer && (op.OpName() == syncable.OpReon || op.OpName() == syncable.OpOn):
		p.state = StateOpened
	default:
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: %s in state %s", ErrInvalidHandshake, op, state)
	}
	p.peerID = peer
	p.attempt = 0
	state := p.state
	p.mu.Unlock()

	p.logger.Debug("handshake", log.Op(op), log.Peer(peer), zap.Stringer("state", state))
	pipeStates.WithLabelValues(state.String()).Inc()
	p.plumber.watch(p)
	p.host.Deliver(op.WithID(spec.ID(p.host.ID())), value, p)
	return nil
}

// Deliver sends an operation to the peer. Host operations drive the
// handshake state.
func (p *Pipe) Deliver(op spec.Full, value syncable.Value, _ syncable.Recipient) {
	closeAfter := false
	p.mu.Lock()
	if op.Type().Bare() == HostType {
		switch op.OpName() {
		case syncable.OpOn:
			if p.state == StateNew {
				p.state = StateWaitPeer
			}
			p.sent = sentOn
		case syncable.OpReon:
			if p.state == StateWaitHost {
				p.state = StateOpened
				pipeStates.WithLabelValues(StateOpened.String()).Inc()
			}
			p.sent = sentReon
		case syncable.OpOff:
			closeAfter = true
			p.sent = sentNone
		case syncable.OpReoff:
			p.sent = sentNone
		}
	}
	closed := p.state == StateClosed
	p.mu.Unlock()
	if closed {
		p.logger.Debug("dropping op for closed pipe", log.Op(op))
		return
	}
	if err := p.send(Entry{Op: op, Value: value}); err != nil {
		p.logger.Debug("send failed", log.Op(op), zap.Error(err))
		p.Close(err)
		return
	}
	if closeAfter {
		p.Close(nil)
	}
}

func (p *Pipe) send(entries ...Entry) error {
	msg, err := EncodeBundle(entries...)
	if err != nil {
		return err
	}
	if err := p.channel.Send(msg); err != nil {
		return err
	}
	pipeBytes.WithLabelValues("out").Add(float64(len(msg)))
	p.mu.Lock()
	p.lastSend = p.plumber.now()
	p.mu.Unlock()
	return nil
}

func (p *Pipe) heartbeat() {
	if err := p.send(); err != nil {
		p.Close(err)
	}
}

// Close closes the pipe. An abnormal close of an outbound pipe schedules a
// reconnect, and a pipe that got through the handshake reports the peer
// gone to the host.
func (p *Pipe) Close(err error) {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	prev := p.state
	p.state = StateClosed
	p.err = err
	sent, peerOff, attempt := p.sent, p.peerOff, p.attempt
	p.mu.Unlock()

	p.plumber.unwatch(p)
	if err != nil {
		p.logger.Info("pipe closed", zap.Stringer("state", prev), zap.Error(err))
	} else {
		p.logger.Debug("pipe closed", zap.Stringer("state", prev))
	}
	if err != nil && !peerOff && p.uri != "" {
		p.plumber.scheduleReconnect(p.host, p.uri, p.base, attempt)
	}
	if prev != StateNew && sent != sentNone {
		op := syncable.OpReoff
		if sent == sentOn {
			op = syncable.OpOff
		}
		// may run on the host actor, which must not wait for its own mailbox
		go p.host.Deliver(p.hostOp(op), nil, p)
	}
	if cerr := p.channel.Close(); cerr != nil {
		p.logger.Debug("channel close", zap.Error(cerr))
	}
}

func (p *Pipe) idle(now time.Time) (sinceSend, sinceRecv time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.lastSend), now.Sub(p.lastRecv)
}
