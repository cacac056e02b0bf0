// Package syncable implements replicas of synchronized objects: their
// operation log, version bookkeeping and subscription state machine.
package syncable

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/swarmsync/go-swarm/spec"
)

// Host is the part of the owning host a replica depends on.
type Host interface {
	// ID is the host (process) identifier.
	ID() string
	// Time issues a fresh version token.
	Time() spec.Token
	// Sources lists the recipients an object should be uplinked to, closest
	// first.
	Sources(ti spec.TypeID) []Recipient
	// Deliver enqueues an operation for processing on the host actor.
	Deliver(op spec.Full, value Value, source Recipient)
	// Unregister forgets a closed replica.
	Unregister(r *Replica)
}

var (
	ErrUndead        = errors.New("undead object invoked")
	ErrAccess        = errors.New("access violation")
	ErrUnimplemented = errors.New("unimplemented operation")
)

// Replica is a local copy of a syncable object. All methods except Deliver
// must be called on the owning host's actor goroutine.
type Replica struct {
	meta   *TypeMeta
	host   Host
	logger *zap.Logger
	typeID spec.TypeID
	closed bool

	// version is the label of the latest applied operation, or several
	// labels concatenated when operations arrived out of order.
	version string

	// vector carries versions that are no longer in the oplog.
	vector string
	oplog  map[spec.VersionOp]Value
	fields map[string]Value

	// snapshot holds the fields installed by the last state bundle.
	snapshot map[string]Value

	uplinks   []*Listener
	listeners []*Listener
}

// NewReplica creates a stateless replica. The caller registers it with the
// host.
func NewReplica(meta *TypeMeta, ti spec.TypeID, host Host, logger *zap.Logger) *Replica {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Replica{
		meta:   meta,
		host:   host,
		logger: logger.With(zap.Stringer("object", ti)),
		typeID: ti,
		oplog:  make(map[spec.VersionOp]Value),
		fields: make(map[string]Value, len(meta.Fields)),
	}
	for name, v := range meta.Fields {
		r.fields[name] = v
	}
	return r
}

func (r *Replica) TypeID() spec.TypeID { return r.typeID }

func (r *Replica) Meta() *TypeMeta { return r.meta }

func (r *Replica) Closed() bool { return r.closed }

// VersionLabel returns the raw version label, empty for a stateless replica.
func (r *Replica) VersionLabel() string { return r.version }

// SetVersion installs a version label. It is used for freshly created
// objects, which start at ZeroVersion.
func (r *Replica) SetVersion(label string) { r.version = label }

// Version returns the version vector of everything the replica has seen.
func (r *Replica) Version() *spec.VersionVector {
	vv, _ := spec.NewVersionVector()
	if err := vv.AddString(r.version); err != nil {
		r.logger.Warn("bad version label", zap.String("version", r.version), zap.Error(err))
	}
	if err := vv.AddString(r.vector); err != nil {
		r.logger.Warn("bad vector", zap.String("vector", r.vector), zap.Error(err))
	}
	for vo := range r.oplog {
		vv.Add(vo.Version())
	}
	return vv
}

// Field returns the current value of a field.
func (r *Replica) Field(name string) (Value, bool) {
	v, ok := r.fields[name]
	return v, ok
}

// Fields returns a snapshot of the replica fields.
func (r *Replica) Fields() map[string]Value {
	return cloneFields(r.fields)
}

// SetField changes a field locally, without an operation. Type handlers use
// it to apply their effects.
func (r *Replica) SetField(name string, v Value) {
	r.fields[name] = v
}

// Oplog returns a snapshot of the operation log.
func (r *Replica) Oplog() map[spec.VersionOp]Value {
	res := make(map[spec.VersionOp]Value, len(r.oplog))
	for k, v := range r.oplog {
		res[k] = v
	}
	return res
}

func (r *Replica) UplinkCount() int { return len(r.uplinks) }

func (r *Replica) ListenerCount() int { return len(r.listeners) }

// Uplinks returns the uplink entries.
func (r *Replica) Uplinks() []*Listener { return slices.Clone(r.uplinks) }

// Deliver enqueues an operation on the owning host. It is safe to call from
// any goroutine; replicas of the same host reach each other through send
// instead.
func (r *Replica) Deliver(op spec.Full, value Value, source Recipient) {
	r.host.Deliver(op, value, source)
}

// send hands an operation to a recipient. Replicas of the same host are
// processed in turn, as the caller already runs on the actor.
func (r *Replica) send(target Recipient, op spec.Full, value Value) {
	local, ok := target.(*Replica)
	if !ok || local.host != r.host {
		target.Deliver(op, value, r)
		return
	}
	v, err := Normalize(value)
	if err != nil {
		r.logger.Warn("dropping op with a bad value", zap.Stringer("op", op), zap.Error(err))
		return
	}
	local.Process(op, v, r)
}

func (r *Replica) newOp(op string) spec.Full {
	return r.typeID.Full(r.host.Time(), spec.Op(op))
}

// Trigger issues a local operation and applies it.
func (r *Replica) Trigger(op string, value Value) (spec.Full, error) {
	full := r.newOp(op)
	return full, r.process(full, value, nil)
}

// On subscribes a listener. A string filter may name an operation
// (".set"), a base version ("!time+origin"), a field of a model type or
// ".init" for a one-shot state transfer.
func (r *Replica) On(filter Value, listener Recipient) {
	r.Process(r.newOp(OpOn), filter, listener)
}

// Once subscribes a listener that is removed after its first notification.
func (r *Replica) Once(filter Value, listener Recipient) {
	r.On(filter, listener)
	for i := len(r.listeners) - 1; i >= 0; i-- {
		if r.listeners[i].target == listener {
			r.listeners[i].once = true
			return
		}
	}
}

// Off removes a listener.
func (r *Replica) Off(listener Recipient) {
	r.Process(r.newOp(OpOff), nil, listener)
}

// Process applies an incoming operation: checks, effect, log bookkeeping and
// emission. Failures are reported to the source as error operations.
func (r *Replica) Process(op spec.Full, value Value, source Recipient) {
	_ = r.process(op, value, source)
}

func (r *Replica) process(op spec.Full, value Value, source Recipient) error {
	err := r.dispatch(op, value, source)
	if err != nil {
		r.replyError(op, err.Error(), source)
	}
	return err
}

func (r *Replica) dispatch(op spec.Full, value Value, source Recipient) error {
	if r.closed {
		return ErrUndead
	}
	if r.meta.Validate != nil {
		if err := r.meta.Validate(r, op, value); err != nil {
			return fmt.Errorf("invalid input, %w", err)
		}
	}
	if r.meta.ACL != nil && !r.meta.ACL(r, op, value, source) {
		return ErrAccess
	}
	meta, ok := r.meta.lookup(op.OpName())
	if !ok {
		r.logger.Warn("unimplemented operation", zap.Stringer("op", op))
		return ErrUnimplemented
	}
	r.resolvePending(op, source)
	if meta.Kind == Logged && op.OpName() != OpInit && r.isReplay(op) {
		r.logger.Debug("replay", zap.Stringer("op", op))
		return nil
	}
	if err := r.apply(meta, op, value, source); err != nil {
		r.logger.Warn("operation failed", zap.Stringer("op", op), zap.Error(err))
		return err
	}
	if meta.Kind == Logged && op.OpName() != OpInit {
		if _, ok := r.oplog[op.VersionOp()]; !ok {
			r.oplog[op.VersionOp()] = value
		}
		r.advance(op.Version())
	}
	r.emit(op, value, source, meta.Kind)
	return nil
}

func (r *Replica) apply(meta OpMeta, op spec.Full, value Value, source Recipient) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s handler: %v", op.OpName(), p)
		}
	}()
	return meta.Apply(r, op, value, source)
}

// resolvePending turns a pending uplink into a plain one once it answers the
// subscription it was sent.
func (r *Replica) resolvePending(op spec.Full, source Recipient) {
	if source == nil || op.OpName() != OpInit && op.OpName() != OpReon {
		return
	}
	for _, u := range r.uplinks {
		if u.kind == Pending && u.target == source && u.requested == op.Version() {
			u.kind = Plain
			u.requested = spec.Token{}
		}
	}
}

func (r *Replica) isReplay(op spec.Full) bool {
	if r.version == "" {
		return false
	}
	v := op.Version()
	if v.String() > r.version {
		return false
	}
	if _, ok := r.oplog[op.VersionOp()]; ok {
		return true
	}
	return r.Version().Covers(v)
}

func (r *Replica) advance(v spec.Token) {
	if s := v.String(); s > r.version {
		r.version = s
	} else {
		r.version += s
	}
}

func (r *Replica) emit(op spec.Full, value Value, source Recipient, kind OpKind) {
	neutral := kind == Neutral
	if !neutral {
		for _, u := range slices.Clone(r.uplinks) {
			if u.kind == Pending || u.target == source {
				continue
			}
			r.send(u.target, op, value)
		}
	}
	for _, l := range slices.Clone(r.listeners) {
		if l.target == source || !l.accepts(op.OpName(), neutral) {
			continue
		}
		r.notify(l, op, value)
	}
}

func (r *Replica) notify(l *Listener, op spec.Full, value Value) {
	switch l.kind {
	case Deferred:
		if r.isStateless() {
			return
		}
		r.dropListener(l)
		n := len(r.listeners)
		r.Process(l.onSpec, l.onFilter, l.target)
		if l.once && len(r.listeners) > n {
			r.listeners[len(r.listeners)-1].once = true
		}
		return
	case FieldFiltered:
		fields, ok := value.(map[string]Value)
		if !ok {
			return
		}
		if _, ok := fields[l.field]; !ok {
			return
		}
	}
	if l.once {
		r.dropListener(l)
	}
	r.send(l.target, op, value)
}

func (r *Replica) dropListener(l *Listener) {
	r.listeners = slices.DeleteFunc(r.listeners, func(x *Listener) bool { return x == l })
}

// removeRecipient drops every uplink and listener entry of a recipient.
func (r *Replica) removeRecipient(target Recipient) {
	match := func(l *Listener) bool { return l.target == target }
	r.uplinks = slices.DeleteFunc(r.uplinks, match)
	r.listeners = slices.DeleteFunc(r.listeners, match)
}

// isStateless reports whether the replica has nothing to serve yet: no
// state and no uplink that answered its subscription.
func (r *Replica) isStateless() bool {
	return r.version == "" && !r.isUplinked()
}

func (r *Replica) isUplinked() bool {
	if len(r.uplinks) == 0 {
		return false
	}
	for _, u := range r.uplinks {
		if u.kind == Pending {
			return false
		}
	}
	return true
}

func (r *Replica) replyError(op spec.Full, msg string, source Recipient) {
	if source == nil {
		r.logger.Debug("error with no recipient", zap.Stringer("op", op), zap.String("error", msg))
		return
	}
	r.send(source, op.WithOp(spec.Op(OpError)), msg)
}

func (r *Replica) on(op spec.Full, filter Value, source Recipient) error {
	if source == nil {
		return nil
	}
	if r.isStateless() {
		r.listeners = append(r.listeners, &Listener{
			kind:     Deferred,
			op:       OpReon,
			target:   source,
			onSpec:   op,
			onFilter: filter,
		})
		return nil
	}
	l := &Listener{kind: Plain, target: source}
	f, _ := filter.(string)
	switch {
	case f == "":
	case strings.IndexByte(spec.Quants, f[0]) < 0:
		if _, ok := r.meta.Fields[f]; !ok {
			return fmt.Errorf("unknown field filter %q", f)
		}
		l.kind, l.op, l.field = FieldFiltered, OpSet, f
	default:
		fs, err := spec.Parse(f)
		if err != nil {
			return fmt.Errorf("bad filter: %w", err)
		}
		base := fs.VersionString()
		opName := fs.Op().Bare()
		if opName == OpInit {
			r.send(source, op.WithOp(spec.Op(OpInit)), r.Diff(base))
			return nil
		}
		if opName != "" {
			l.kind, l.op = OpFiltered, opName
		}
		if base != "" {
			if d := r.Diff(base); d != nil {
				r.send(source, op.WithOp(spec.Op(OpInit)), d)
			}
			r.send(source, op.WithOp(spec.Op(OpReon)), r.Version().String())
		}
	}
	r.listeners = append(r.listeners, l)
	return nil
}

func (r *Replica) reon(op spec.Full, base Value, source Recipient) error {
	b, _ := base.(string)
	if b == "" || source == nil {
		return nil
	}
	if d := r.Diff(b); d != nil {
		r.send(source, op.WithOp(spec.Op(OpInit)), d)
	}
	return nil
}

func (r *Replica) off(_ spec.Full, _ Value, source Recipient) error {
	r.removeRecipient(source)
	return nil
}

func (r *Replica) reoff(_ spec.Full, _ Value, source Recipient) error {
	r.removeRecipient(source)
	if !r.closed {
		r.CheckUplink()
	}
	return nil
}

func (r *Replica) onError(op spec.Full, value Value, _ Recipient) error {
	r.logger.Warn("error reported", zap.Stringer("op", op), zap.Any("error", value))
	return nil
}

// initialize installs a state bundle and replays its tail. Emission is
// suspended while the tail is replayed.
func (r *Replica) initialize(op spec.Full, value Value, source Recipient) error {
	state, ok := value.(map[string]Value)
	if !ok {
		return nil
	}
	uplinks, listeners := r.uplinks, r.listeners
	r.uplinks, r.listeners = nil, nil
	defer func() {
		r.uplinks = append(uplinks, r.uplinks...)
		r.listeners = append(listeners, r.listeners...)
	}()

	tail := make(map[spec.VersionOp]Value)
	if version, ok := state[FieldVersion].(string); ok {
		for vo, v := range r.oplog {
			tail[vo] = v
		}
		r.oplog = make(map[spec.VersionOp]Value)
		r.vector = ""
		r.snapshot = make(map[string]Value)
		for name, v := range state {
			if !reserved(name) {
				r.fields[name] = v
				r.snapshot[name] = v
			}
		}
		r.version = version
		if ops, ok := state[FieldOplog].(map[string]Value); ok {
			for key, v := range ops {
				vo, err := spec.ParseVersionOp(key)
				if err != nil {
					r.logger.Warn("skipping bad oplog entry", zap.String("key", key), zap.Error(err))
					continue
				}
				r.oplog[vo] = v
			}
		}
		if vector, ok := state[FieldVector].(string); ok {
			r.vector = vector
		}
	}
	if ops, ok := state[FieldTail].(map[string]Value); ok {
		for key, v := range ops {
			vo, err := spec.ParseVersionOp(key)
			if err != nil {
				r.logger.Warn("skipping bad tail entry", zap.String("key", key), zap.Error(err))
				continue
			}
			tail[vo] = v
		}
	}
	keys := make([]spec.VersionOp, 0, len(tail))
	for vo := range tail {
		keys = append(keys, vo)
	}
	slices.SortFunc(keys, func(a, b spec.VersionOp) int {
		return strings.Compare(a.String(), b.String())
	})
	for _, vo := range keys {
		r.Process(r.typeID.Full(vo.Version(), vo.Op()), tail[vo], source)
	}
	return nil
}

// Diff returns what a replica at base is missing: the full state bundle for
// an empty or zero base, otherwise the uncovered log entries, or nil.
func (r *Replica) Diff(base string) map[string]Value {
	r.distill()
	if base == "" || base == spec.ZeroVersion.String() {
		return map[string]Value{
			FieldVersion: spec.ZeroVersion.String(),
			FieldTail:    r.tail(nil),
		}
	}
	vv, err := spec.NewVersionVector(base)
	if err != nil {
		r.logger.Warn("bad diff base, sending full state", zap.String("base", base), zap.Error(err))
		return r.Diff("")
	}
	tail := r.tail(vv)
	if len(tail) == 0 {
		return nil
	}
	return map[string]Value{FieldTail: tail}
}

func (r *Replica) tail(known *spec.VersionVector) map[string]Value {
	res := make(map[string]Value, len(r.oplog))
	for vo, v := range r.oplog {
		if known != nil && known.Covers(vo.Version()) {
			continue
		}
		res[vo.String()] = v
	}
	return res
}

func (r *Replica) distill() map[string]Value {
	return r.meta.distill(r.oplog)
}

// CheckUplink reconciles the uplinks with the sources the host currently
// offers: unwanted uplinks get an off, new ones a pending on.
func (r *Replica) CheckUplink() {
	wanted := r.host.Sources(r.typeID)
	var kept []*Listener
	for _, u := range r.uplinks {
		if slices.Contains(wanted, u.target) {
			kept = append(kept, u)
			continue
		}
		r.send(u.target, r.newOp(OpOff), nil)
	}
	r.uplinks = kept
	for _, w := range wanted {
		if slices.ContainsFunc(r.uplinks, func(l *Listener) bool { return l.target == w }) {
			continue
		}
		on := r.newOp(OpOn)
		r.uplinks = append(r.uplinks, &Listener{kind: Pending, target: w, requested: on.Version()})
		r.send(w, on, r.Version().String())
	}
}

// Close unsubscribes from every uplink, notifies listeners and unregisters
// the replica from its host.
func (r *Replica) Close() {
	if r.closed {
		return
	}
	for _, u := range r.uplinks {
		r.send(u.target, r.newOp(OpOff), nil)
	}
	r.uplinks = nil
	reoff := r.typeID.Full(spec.ZeroVersion, spec.Op(OpReoff))
	for _, l := range r.listeners {
		r.send(l.target, reoff, nil)
	}
	r.listeners = nil
	r.closed = true
	r.host.Unregister(r)
}

// GC closes the replica when nobody is subscribed either way.
func (r *Replica) GC() bool {
	if len(r.uplinks) > 0 || len(r.listeners) > 0 {
		return false
	}
	r.Close()
	return true
}
