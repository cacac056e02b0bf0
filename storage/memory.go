package storage

import (
	"fmt"

	"github.com/swarmsync/go-swarm/spec"
	"github.com/swarmsync/go-swarm/syncable"
)

// Memory keeps states and logs in maps. Stored values are copied in and out.
type Memory struct {
	states map[spec.TypeID]map[string]syncable.Value
	ops    map[spec.TypeID]map[string]syncable.Value
}

var _ Backend = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		states: make(map[spec.TypeID]map[string]syncable.Value),
		ops:    make(map[spec.TypeID]map[string]syncable.Value),
	}
}

// NewMemoryStorage returns a worker over a fresh Memory backend.
func NewMemoryStorage(opts ...Opt) *Worker {
	return New(NewMemory(), opts...)
}

func (m *Memory) ReadState(ti spec.TypeID) (map[string]syncable.Value, error) {
	state, ok := m.states[ti]
	if !ok {
		return nil, nil
	}
	return copyObject(state)
}

func (m *Memory) ReadOps(ti spec.TypeID) (map[string]syncable.Value, error) {
	ops, ok := m.ops[ti]
	if !ok {
		return nil, nil
	}
	return copyObject(ops)
}

func (m *Memory) WriteState(ti spec.TypeID, state map[string]syncable.Value) error {
	cp, err := copyObject(state)
	if err != nil {
		return err
	}
	m.states[ti] = cp
	delete(m.ops, ti)
	return nil
}

func (m *Memory) AppendOp(ti spec.TypeID, vo spec.VersionOp, value syncable.Value) (int, error) {
	v, err := syncable.Normalize(value)
	if err != nil {
		return 0, err
	}
	ops, ok := m.ops[ti]
	if !ok {
		ops = make(map[string]syncable.Value)
		m.ops[ti] = ops
	}
	ops[vo.String()] = v
	return len(ops), nil
}

func (m *Memory) Close() error { return nil }

func copyObject(obj map[string]syncable.Value) (map[string]syncable.Value, error) {
	v, err := syncable.Normalize(obj)
	if err != nil {
		return nil, err
	}
	cp, ok := v.(map[string]syncable.Value)
	if !ok {
		return nil, fmt.Errorf("stored value is %T, not an object", v)
	}
	return cp, nil
}
