package syncable

import "github.com/swarmsync/go-swarm/spec"

// ListenerKind selects how a subscription filters and forwards operations.
type ListenerKind uint8

const (
	// Plain receives every logged operation.
	Plain ListenerKind = iota
	// OpFiltered receives only the operation it subscribed to.
	OpFiltered
	// FieldFiltered receives set operations touching its field.
	FieldFiltered
	// Deferred holds an on call made while the replica had nothing to serve;
	// it is replayed once a reon shows that state is available.
	Deferred
	// Pending is an uplink that has not answered its subscription yet.
	Pending
)

var kindNames = [...]string{"plain", "op", "field", "deferred", "pending"}

func (k ListenerKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Listener is a subscription entry of a replica, either in its uplink or in
// its listener list.
type Listener struct {
	kind   ListenerKind
	target Recipient
	op     string
	field  string
	once   bool

	// requested is the version of the on a pending uplink was sent.
	requested spec.Token

	// onSpec and onFilter hold a deferred on call.
	onSpec   spec.Full
	onFilter Value
}

func (l *Listener) Kind() ListenerKind { return l.kind }

// Target is the recipient the subscription forwards to.
func (l *Listener) Target() Recipient { return l.target }

func (l *Listener) accepts(op string, neutral bool) bool {
	if neutral {
		return l.op == op
	}
	return l.op == "" || l.op == op
}
