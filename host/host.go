// Package host implements the per-process actor owning every local replica.
// All replica state is touched only by the actor goroutine; other goroutines
// reach it through the mailbox.
package host

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/swarmsync/go-swarm/clock"
	"github.com/swarmsync/go-swarm/log"
	"github.com/swarmsync/go-swarm/metrics/public"
	"github.com/swarmsync/go-swarm/pipe"
	"github.com/swarmsync/go-swarm/spec"
	"github.com/swarmsync/go-swarm/storage"
	"github.com/swarmsync/go-swarm/syncable"
	"github.com/swarmsync/go-swarm/transport"
)

const (
	// ServerPrefix marks the ids of hosts that serve as uplinks to others.
	ServerPrefix = "swarm~"

	DefaultMailboxSize   = 1024
	DefaultReconnectBase = time.Second
)

var (
	// ErrHostStopped is returned by calls that need the actor after Stop.
	ErrHostStopped = errors.New("host stopped")
	// ErrUnknownPeer is returned when disconnecting a peer that is not
	// connected.
	ErrUnknownPeer = errors.New("unknown peer")
)

// Opt configures a Host.
type Opt func(*Host)

func WithLogger(logger *zap.Logger) Opt {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithClock sets the clock issuing versions. A second-precise clock is used
// by default.
func WithClock(c clock.Clock) Opt {
	return func(h *Host) {
		h.clock = c
	}
}

// WithStorage attaches a storage. The host runs its worker.
func WithStorage(s storage.Storage) Opt {
	return func(h *Host) {
		h.storage = s
	}
}

func WithMailboxSize(n int) Opt {
	return func(h *Host) {
		h.mailboxSize = n
	}
}

// WithTransports sets the channel factories used by Connect.
func WithTransports(r *transport.Registry) Opt {
	return func(h *Host) {
		h.transports = r
	}
}

// WithPlumber shares a plumber between hosts. The caller runs it.
func WithPlumber(p *pipe.Plumber) Opt {
	return func(h *Host) {
		h.plumber = p
	}
}

// WithReconnectBase sets the first reconnect delay of outbound pipes.
func WithReconnectBase(d time.Duration) Opt {
	return func(h *Host) {
		h.reconnectBase = d
	}
}

type item struct {
	op     spec.Full
	value  syncable.Value
	source syncable.Recipient
	fn     func()
}

type hostListener struct {
	op     string
	target syncable.Recipient
}

// Host is the actor owning the replicas of one process. It is addressable as
// /Host#id.
type Host struct {
	id            string
	logger        *zap.Logger
	clock         clock.Clock
	storage       storage.Storage
	types         *syncable.Registry
	transports    *transport.Registry
	plumber       *pipe.Plumber
	ownPlumber    bool
	mailboxSize   int
	reconnectBase time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	eg      errgroup.Group
	mailbox chan item
	started chan struct{}
	done    chan struct{}

	// owned by the actor
	objects   map[spec.TypeID]*syncable.Replica
	sources   map[string]syncable.Peer
	listeners []hostListener
}

var _ syncable.Host = (*Host)(nil)

// New creates a host with the given id. Start runs it.
func New(id string, opts ...Opt) (*Host, error) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		id:            id,
		logger:        log.NewNop(),
		types:         syncable.NewRegistry(),
		mailboxSize:   DefaultMailboxSize,
		reconnectBase: DefaultReconnectBase,
		ctx:           ctx,
		cancel:        cancel,
		started:       make(chan struct{}),
		done:          make(chan struct{}),
		objects:       make(map[spec.TypeID]*syncable.Replica),
		sources:       make(map[string]syncable.Peer),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(log.Host(id))
	if h.clock == nil {
		c, err := clock.NewSecondPrecise(id, clock.WithLogger(h.logger))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("create clock: %w", err)
		}
		h.clock = c
	}
	if h.transports == nil {
		h.transports = transport.NewRegistry()
	}
	if h.plumber == nil {
		h.plumber = pipe.NewPlumber(pipe.WithPlumberLogger(h.logger))
		h.ownPlumber = true
	}
	h.mailbox = make(chan item, h.mailboxSize)
	if err := h.types.Register(&syncable.TypeMeta{Name: pipe.HostType}); err != nil {
		cancel()
		return nil, err
	}
	return h, nil
}

func (h *Host) ID() string { return h.id }

// IsServer reports whether the host serves other hosts.
func (h *Host) IsServer() bool { return IsServerID(h.id) }

// IsServerID reports whether id names a server host.
func IsServerID(id string) bool { return strings.HasPrefix(id, ServerPrefix) }

// Time issues a fresh version token.
func (h *Host) Time() spec.Token { return h.clock.Issue() }

func (h *Host) Clock() clock.Clock { return h.clock }

// RegisterType makes a syncable type available on the host.
func (h *Host) RegisterType(tm *syncable.TypeMeta) error {
	return h.types.Register(tm)
}

// Start runs the actor, the storage worker and, unless it was shared, the
// plumber.
func (h *Host) Start() {
	if h.storage != nil {
		h.eg.Go(func() error {
			return h.storage.Run(h.ctx)
		})
	}
	if h.ownPlumber {
		h.eg.Go(func() error {
			return h.plumber.Run(h.ctx)
		})
	}
	h.eg.Go(func() error {
		h.run(h.ctx)
		return nil
	})
}

// WaitForStart blocks until the actor and the storage worker run.
func (h *Host) WaitForStart(ctx context.Context) error {
	select {
	case <-h.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop interrupts the actor and waits for the workers. Queued items are
// abandoned.
func (h *Host) Stop() error {
	h.cancel()
	err := h.eg.Wait()
	h.logger.Info("stopped")
	return err
}

func (h *Host) run(ctx context.Context) {
	defer close(h.done)
	if h.storage != nil {
		select {
		case <-h.storage.Ready():
		case <-ctx.Done():
			return
		}
	}
	close(h.started)
	h.logger.Info("started", zap.Bool("server", h.IsServer()))
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-h.mailbox:
			mailboxDepth.Set(float64(len(h.mailbox)))
			h.handle(it)
		}
	}
}

func (h *Host) handle(it item) {
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("panic in actor", zap.Any("panic", p), zap.Stringer("op", it.op))
		}
	}()
	if it.fn != nil {
		it.fn()
		return
	}
	h.process(it.op, it.value, it.source)
}

// Deliver enqueues an operation for the actor. The value is deep-copied
// first. It must not be called on the actor itself: code running there
// uses Replica.Process.
func (h *Host) Deliver(op spec.Full, value syncable.Value, source syncable.Recipient) {
	v, err := syncable.Normalize(value)
	if err != nil {
		h.logger.Warn("dropping op with a bad value", log.Op(op), zap.Error(err))
		return
	}
	select {
	case h.mailbox <- item{op: op, value: v, source: source}:
	case <-h.done:
		h.logger.Debug("dropping op for stopped host", log.Op(op))
	}
}

// Exec runs fn on the actor and waits for its result.
func (h *Host) Exec(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	it := item{fn: func() {
		defer func() {
			if p := recover(); p != nil {
				res <- fmt.Errorf("panic: %v", p)
			}
		}()
		res <- fn()
	}}
	select {
	case h.mailbox <- it:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHostStopped
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHostStopped
	}
}

func (h *Host) process(op spec.Full, value syncable.Value, source syncable.Recipient) {
	opsProcessed.WithLabelValues(op.OpName()).Inc()
	if op.Type().Bare() == pipe.HostType {
		h.processHostOp(op, value, source)
		return
	}
	if op.Version() != spec.ZeroVersion && !h.clock.CheckOrSee(op.Version()) {
		h.logger.Warn("invalid timestamp", log.Op(op))
		h.replyError(op, "invalid timestamp", source)
		return
	}
	ti := op.TypeID()
	r, ok := h.objects[ti]
	if !ok {
		switch op.OpName() {
		case syncable.OpOff, syncable.OpReoff, syncable.OpError:
			return
		}
		var err error
		if r, err = h.Get(ti); err != nil {
			h.replyError(op, err.Error(), source)
			return
		}
	}
	r.Process(op, value, source)
}

func (h *Host) replyError(op spec.Full, msg string, source syncable.Recipient) {
	if source == nil {
		return
	}
	source.Deliver(op.WithOp(spec.Op(syncable.OpError)), msg, h)
}

// Get returns the replica of ti, creating, registering and uplinking it
// when needed. It must run on the actor, see Exec.
func (h *Host) Get(ti spec.TypeID) (*syncable.Replica, error) {
	if r, ok := h.objects[ti]; ok {
		return r, nil
	}
	if ti.Type().Bare() == pipe.HostType {
		return nil, fmt.Errorf("%w: %s is not syncable", syncable.ErrUnknownType, ti)
	}
	meta, err := h.types.Get(ti.Type().Bare())
	if err != nil {
		return nil, err
	}
	r := syncable.NewReplica(meta, ti, h, h.logger)
	h.objects[ti] = r
	public.Objects.Inc()
	r.CheckUplink()
	return r, nil
}

// Create makes a new object of typeName with an id derived from a fresh
// timestamp and assigns fields through a set. It must run on the actor.
func (h *Host) Create(typeName string, fields map[string]syncable.Value) (*syncable.Replica, error) {
	meta, err := h.types.Get(typeName)
	if err != nil {
		return nil, err
	}
	ti := spec.NewTypeID(typeName, h.Time().Body())
	r := syncable.NewReplica(meta, ti, h, h.logger)
	r.SetVersion(spec.ZeroVersion.String())
	h.objects[ti] = r
	public.Objects.Inc()
	r.CheckUplink()
	if len(fields) > 0 {
		if _, err := r.Set(fields); err != nil {
			return r, err
		}
	}
	return r, nil
}

// Objects lists the live replicas, sorted by type-id. It must run on the
// actor.
func (h *Host) Objects() []spec.TypeID {
	res := make([]spec.TypeID, 0, len(h.objects))
	for ti := range h.objects {
		res = append(res, ti)
	}
	slices.SortFunc(res, func(a, b spec.TypeID) int {
		return strings.Compare(a.String(), b.String())
	})
	return res
}

// Unregister forgets a closed replica.
func (h *Host) Unregister(r *syncable.Replica) {
	if cur, ok := h.objects[r.TypeID()]; ok && cur == r {
		delete(h.objects, r.TypeID())
		public.Objects.Dec()
	}
}

func (h *Host) replicas() []*syncable.Replica {
	res := make([]*syncable.Replica, 0, len(h.objects))
	for _, ti := range h.Objects() {
		res = append(res, h.objects[ti])
	}
	return res
}

// GC closes the replicas nobody subscribes to and returns how many were
// collected.
func (h *Host) GC(ctx context.Context) (int, error) {
	var n int
	err := h.Exec(ctx, func() error {
		for _, r := range h.replicas() {
			if r.GC() {
				n++
			}
		}
		return nil
	})
	if n > 0 {
		h.logger.Debug("collected objects", zap.Int("count", n))
	}
	return n, err
}
