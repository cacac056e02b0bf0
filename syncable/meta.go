package syncable

import (
	"errors"
	"fmt"
	"sync"

	"github.com/swarmsync/go-swarm/spec"
)

// Built-in operation names.
const (
	OpOn    = "on"
	OpReon  = "reon"
	OpOff   = "off"
	OpReoff = "reoff"
	OpInit  = "init"
	OpError = "error"
	OpSet   = "set"
)

// OpKind tells whether an operation changes state and is logged, or is a
// neutral control message.
type OpKind uint8

const (
	Logged OpKind = iota + 1
	Neutral
)

// Handler applies an operation to a replica. It runs on the host actor.
type Handler func(r *Replica, op spec.Full, value Value, source Recipient) error

// OpMeta describes a single operation of a type.
type OpMeta struct {
	Kind  OpKind
	Apply Handler
}

// TypeMeta describes a syncable type: its operations, declared fields and
// log compaction.
type TypeMeta struct {
	Name string
	// Ops holds type specific operations; built-in ones are always present.
	Ops map[string]OpMeta
	// Fields declares the replica fields with their default values. Types
	// with declared fields accept field names as on filters.
	Fields      map[string]Value
	Distillator Distillator
	// Validate rejects malformed input before it is applied.
	Validate func(r *Replica, op spec.Full, value Value) error
	// ACL denies operations coming from untrusted sources.
	ACL func(r *Replica, op spec.Full, value Value, source Recipient) bool
}

var baseOps map[string]OpMeta

// handlers refer back to the dispatch table, so it is filled in init.
func init() {
	baseOps = map[string]OpMeta{
		OpOn:    {Kind: Neutral, Apply: (*Replica).on},
		OpReon:  {Kind: Neutral, Apply: (*Replica).reon},
		OpOff:   {Kind: Neutral, Apply: (*Replica).off},
		OpReoff: {Kind: Neutral, Apply: (*Replica).reoff},
		OpInit:  {Kind: Logged, Apply: (*Replica).initialize},
		OpError: {Kind: Neutral, Apply: (*Replica).onError},
	}
}

func (tm *TypeMeta) lookup(op string) (OpMeta, bool) {
	if m, ok := tm.Ops[op]; ok {
		return m, true
	}
	m, ok := baseOps[op]
	return m, ok
}

func (tm *TypeMeta) distill(oplog map[spec.VersionOp]Value) map[string]Value {
	if tm.Distillator == nil {
		return nil
	}
	return tm.Distillator.Distill(oplog)
}

var (
	// ErrUnknownType is returned for operations on unregistered types.
	ErrUnknownType = errors.New("unknown type")
	// ErrTypeExists is returned when registering a type name twice.
	ErrTypeExists = errors.New("type already registered")
)

// Registry maps type names to their metadata.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*TypeMeta
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*TypeMeta)}
}

func (r *Registry) Register(tm *TypeMeta) error {
	if tm.Name == "" {
		return fmt.Errorf("%w: empty type name", ErrUnknownType)
	}
	for name, op := range tm.Ops {
		if op.Apply == nil {
			return fmt.Errorf("type %s: operation %s has no handler", tm.Name, name)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[tm.Name]; ok {
		return fmt.Errorf("%w: %s", ErrTypeExists, tm.Name)
	}
	r.types[tm.Name] = tm
	return nil
}

func (r *Registry) Get(name string) (*TypeMeta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tm, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	return tm, nil
}
