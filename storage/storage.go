// Package storage persists replica state and operation logs. A storage is an
// uplink like any peer: it answers subscriptions with the stored state and
// appends the logged operations it receives.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swarmsync/go-swarm/log"
	"github.com/swarmsync/go-swarm/queue"
	"github.com/swarmsync/go-swarm/spec"
	"github.com/swarmsync/go-swarm/syncable"
)

// DefaultMaxLog is the number of logged operations kept per object before
// the storage asks the replica for a fresh state.
const DefaultMaxLog = 3

// ErrStopped is returned by Run when the worker was stopped before its
// context was done.
var ErrStopped = errors.New("storage stopped")

// Backend reads and writes the stored representation of objects. Backends
// are only called from the storage worker goroutine.
type Backend interface {
	// ReadState returns the stored state, or nil when nothing is stored.
	ReadState(ti spec.TypeID) (map[string]syncable.Value, error)
	// ReadOps returns the logged operations keyed by version-op.
	ReadOps(ti spec.TypeID) (map[string]syncable.Value, error)
	// WriteState replaces the state and drops the log.
	WriteState(ti spec.TypeID, state map[string]syncable.Value) error
	// AppendOp logs an operation and returns the log length.
	AppendOp(ti spec.TypeID, vo spec.VersionOp, value syncable.Value) (int, error)
	Close() error
}

// Storage is the uplink recipient a host runs alongside its actor.
type Storage interface {
	syncable.Recipient
	// Run processes deliveries until ctx is done.
	Run(ctx context.Context) error
	// Ready is closed once Run processes deliveries.
	Ready() <-chan struct{}
}

type request struct {
	op     spec.Full
	value  syncable.Value
	source syncable.Recipient
}

// Opt configures a Worker.
type Opt func(*Worker)

func WithLogger(logger *zap.Logger) Opt {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithMaxLog sets how many operations are logged per object before a state
// flush is requested.
func WithMaxLog(n int) Opt {
	return func(w *Worker) {
		w.maxLog = n
	}
}

// Worker serializes access to a Backend on its own goroutine.
type Worker struct {
	backend Backend
	logger  *zap.Logger
	maxLog  int
	queue   *queue.Queue[request]
	ready   chan struct{}
	once    sync.Once
}

var _ Storage = (*Worker)(nil)

// New creates a storage worker over backend. Run must be called for
// deliveries to be processed.
func New(backend Backend, opts ...Opt) *Worker {
	w := &Worker{
		backend: backend,
		logger:  log.NewNop(),
		maxLog:  DefaultMaxLog,
		queue:   queue.New[request](),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Deliver queues an operation for the worker. It never blocks.
func (w *Worker) Deliver(op spec.Full, value syncable.Value, source syncable.Recipient) {
	if err := w.queue.Write(request{op: op, value: value, source: source}); err != nil {
		w.logger.Debug("dropping op for stopped storage", log.Op(op))
	}
}

// Ready is closed when Run starts.
func (w *Worker) Ready() <-chan struct{} { return w.ready }

// Run processes queued operations until ctx is done, then closes the
// backend. Queued operations left at that point are abandoned.
func (w *Worker) Run(ctx context.Context) error {
	w.once.Do(func() { close(w.ready) })
	w.logger.Info("storage started")
	defer func() {
		w.queue.Close()
		if err := w.backend.Close(); err != nil {
			w.logger.Warn("close backend", zap.Error(err))
		}
		w.logger.Info("storage stopped")
	}()
	for {
		req, err := w.queue.Read(ctx)
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return nil
		case errors.Is(err, queue.ErrQueueClosed):
			return ErrStopped
		case err != nil:
			return err
		}
		w.handle(req)
	}
}

func (w *Worker) handle(req request) {
	start := time.Now()
	op := req.op
	name := op.OpName()
	var err error
	switch name {
	case syncable.OpOn:
		err = w.on(op, req.source)
	case syncable.OpOff, syncable.OpReoff, syncable.OpReon:
	case syncable.OpInit:
		err = w.init(op, req.value)
	case syncable.OpError:
		w.logger.Warn("error reported to storage", log.Op(op), zap.Any("error", req.value))
	default:
		err = w.append(op, req.value, req.source)
	}
	opLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err == nil {
		return
	}
	opFailures.WithLabelValues(name).Inc()
	w.logger.Error("storage failure", log.Op(op), zap.Error(err))
	if req.source != nil {
		// the replica drops this uplink and re-evaluates its sources
		reoff := op.TypeID().Full(spec.ZeroVersion, spec.Op(syncable.OpReoff))
		req.source.Deliver(reoff, nil, w)
	}
}

// on answers a subscription with the stored state and its version vector.
func (w *Worker) on(op spec.Full, source syncable.Recipient) error {
	if source == nil {
		return nil
	}
	ti := op.TypeID()
	state, err := w.backend.ReadState(ti)
	if err != nil {
		return fmt.Errorf("read state %s: %w", ti, err)
	}
	if state == nil {
		state = map[string]syncable.Value{syncable.FieldVersion: spec.ZeroVersion.String()}
	}
	ops, err := w.backend.ReadOps(ti)
	if err != nil {
		return fmt.Errorf("read ops %s: %w", ti, err)
	}
	if len(ops) > 0 {
		tail := make(map[string]syncable.Value, len(ops))
		if stored, ok := state[syncable.FieldTail].(map[string]syncable.Value); ok {
			for k, v := range stored {
				tail[k] = v
			}
		}
		for k, v := range ops {
			tail[k] = v
		}
		state[syncable.FieldTail] = tail
	}
	version := StateVersion(state)
	source.Deliver(op.WithOp(spec.Op(syncable.OpInit)), state, w)
	source.Deliver(op.WithOp(spec.Op(syncable.OpReon)), version, w)
	return nil
}

// init stores a full state bundle, or appends the tail of a partial one.
func (w *Worker) init(op spec.Full, value syncable.Value) error {
	state, ok := value.(map[string]syncable.Value)
	if !ok {
		return nil
	}
	ti := op.TypeID()
	if _, ok := state[syncable.FieldVersion]; ok {
		if err := w.backend.WriteState(ti, state); err != nil {
			return fmt.Errorf("write state %s: %w", ti, err)
		}
		return nil
	}
	tail, _ := state[syncable.FieldTail].(map[string]syncable.Value)
	for key, v := range tail {
		vo, err := spec.ParseVersionOp(key)
		if err != nil {
			w.logger.Warn("skipping bad tail entry", zap.String("key", key), zap.Error(err))
			continue
		}
		if _, err := w.backend.AppendOp(ti, vo, v); err != nil {
			return fmt.Errorf("append %s%s: %w", ti, vo, err)
		}
	}
	return nil
}

// append logs an operation. A long log makes the storage ask for the whole
// state, which resets the log once it arrives.
func (w *Worker) append(op spec.Full, value syncable.Value, source syncable.Recipient) error {
	ti := op.TypeID()
	n, err := w.backend.AppendOp(ti, op.VersionOp(), value)
	if err != nil {
		return fmt.Errorf("append %s: %w", op, err)
	}
	if n >= w.maxLog && source != nil {
		w.logger.Debug("requesting state", log.Object(ti), zap.Int("log", n))
		source.Deliver(op.WithOp(spec.Op(syncable.OpOn)), spec.ZeroVersion.String()+"."+syncable.OpInit, w)
	}
	return nil
}

// StateVersion derives the version vector of a stored state bundle from its
// version, vector and logged entries.
func StateVersion(state map[string]syncable.Value) string {
	vv, _ := spec.NewVersionVector()
	for _, field := range []string{syncable.FieldVersion, syncable.FieldVector} {
		if s, ok := state[field].(string); ok {
			_ = vv.AddString(s)
		}
	}
	for _, field := range []string{syncable.FieldOplog, syncable.FieldTail} {
		entries, _ := state[field].(map[string]syncable.Value)
		for key := range entries {
			_ = vv.AddString(key)
		}
	}
	return vv.String()
}
