package syncable

import (
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/swarmsync/go-swarm/spec"
)

// Distillator compacts an operation log in place and returns the cumulative
// field values the log describes.
type Distillator interface {
	Distill(oplog map[spec.VersionOp]Value) map[string]Value
}

// LWWDistillator compacts last-writer-wins field assignments: a field set by
// a newer operation is stripped from every older one, and an older operation
// left without fields is dropped unless it is the latest one of its origin.
type LWWDistillator struct {
	op string
}

func NewLWWDistillator(op string) *LWWDistillator {
	return &LWWDistillator{op: op}
}

func (d *LWWDistillator) Distill(oplog map[spec.VersionOp]Value) map[string]Value {
	keys := make([]spec.VersionOp, 0, len(oplog))
	for vo := range oplog {
		if vo.Op().Bare() == d.op {
			keys = append(keys, vo)
		}
	}
	slices.SortFunc(keys, func(a, b spec.VersionOp) int {
		return b.Version().Compare(a.Version())
	})
	cumul := make(map[string]Value)
	heads := mapset.NewThreadUnsafeSet[string]()
	for _, vo := range keys {
		fields, ok := oplog[vo].(map[string]Value)
		if !ok {
			continue
		}
		kept := make(map[string]Value, len(fields))
		for name, v := range fields {
			if _, seen := cumul[name]; seen {
				continue
			}
			cumul[name] = v
			kept[name] = v
		}
		origin := vo.Version().Origin()
		switch {
		case len(kept) == 0 && heads.Contains(origin):
			delete(oplog, vo)
		case len(kept) != len(fields):
			oplog[vo] = kept
		}
		heads.Add(origin)
	}
	return cumul
}
