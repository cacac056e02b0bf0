package syncable

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/swarmsync/go-swarm/spec"
)

// NewModelType describes a last-writer-wins object with the given fields and
// their defaults. Extra operations may be added to the returned Ops.
func NewModelType(name string, fields map[string]Value) *TypeMeta {
	return &TypeMeta{
		Name:        name,
		Fields:      fields,
		Distillator: NewLWWDistillator(OpSet),
		Ops: map[string]OpMeta{
			OpSet: {Kind: Logged, Apply: modelSet},
		},
		Validate: validateModel,
	}
}

func validateModel(r *Replica, op spec.Full, value Value) error {
	if op.OpName() != OpSet {
		return nil
	}
	fields, ok := value.(map[string]Value)
	if !ok {
		return fmt.Errorf("set expects an object, got %T", value)
	}
	for name := range fields {
		if _, ok := r.meta.Fields[name]; !ok {
			return fmt.Errorf("unknown field %q", name)
		}
	}
	return nil
}

// modelSet applies field assignments. An assignment older than the current
// version only changes the fields no newer assignment has touched.
func modelSet(r *Replica, op spec.Full, value Value, _ Recipient) error {
	fields, _ := value.(map[string]Value)
	if r.version != "" && op.Version().String() < r.version {
		vo := op.VersionOp()
		r.oplog[vo] = value
		r.distill()
		fields, _ = r.oplog[vo].(map[string]Value)
	}
	for name, v := range fields {
		r.fields[name] = v
	}
	return nil
}

// Set assigns fields through a set operation.
func (r *Replica) Set(fields map[string]Value) (spec.Full, error) {
	v, err := Normalize(fields)
	if err != nil {
		return spec.Full{}, err
	}
	return r.Trigger(OpSet, v)
}

// Save emits a set operation carrying every field that differs from the
// last received state overlaid with the logged assignments. It returns false when nothing
// changed.
func (r *Replica) Save() (bool, error) {
	logged := cloneFields(r.meta.Fields)
	for name, v := range r.snapshot {
		logged[name] = v
	}
	for name, v := range r.distill() {
		logged[name] = v
	}
	before, err := json.Marshal(logged)
	if err != nil {
		return false, fmt.Errorf("encode logged state: %w", err)
	}
	after, err := json.Marshal(r.fields)
	if err != nil {
		return false, fmt.Errorf("encode fields: %w", err)
	}
	patch, err := jsonpatch.CreateMergePatch(before, after)
	if err != nil {
		return false, fmt.Errorf("diff fields: %w", err)
	}
	var changed map[string]json.RawMessage
	if err := json.Unmarshal(patch, &changed); err != nil {
		return false, fmt.Errorf("decode patch: %w", err)
	}
	if len(changed) == 0 {
		return false, nil
	}
	changes := make(map[string]Value, len(changed))
	for name := range changed {
		changes[name] = r.fields[name]
	}
	if _, err := r.Set(changes); err != nil {
		return false, err
	}
	return true, nil
}
