package syncable

import "github.com/swarmsync/go-swarm/spec"

// Recipient consumes operations. Implementations must be comparable (pointer
// types): subscriptions are matched by identity.
type Recipient interface {
	Deliver(op spec.Full, value Value, source Recipient)
}

// Peer is a recipient standing for another process.
type Peer interface {
	Recipient
	PeerID() string
}

// RecipientFunc adapts a function to the Recipient interface.
type RecipientFunc struct {
	fn func(op spec.Full, value Value, source Recipient)
}

// NewRecipient wraps fn. Each call returns a distinct recipient.
func NewRecipient(fn func(op spec.Full, value Value, source Recipient)) *RecipientFunc {
	return &RecipientFunc{fn: fn}
}

func (r *RecipientFunc) Deliver(op spec.Full, value Value, source Recipient) {
	r.fn(op, value, source)
}
