// Package clock issues and checks the causal timestamps used as operation
// versions.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/swarmsync/go-swarm/spec"
)

// Epoch is the zero point of wall-clock based timestamps.
var Epoch = time.Date(2014, time.January, 1, 0, 0, 0, 0, time.UTC)

// Clock issues monotonically increasing version tokens for a single process.
type Clock interface {
	// ID is the process id used as the origin of issued tokens.
	ID() string
	// Issue returns a token greater than anything issued or seen before.
	Issue() spec.Token
	LastIssued() spec.Token
	// CheckOrSee records a foreign timestamp. It returns false when the
	// timestamp is implausibly far in the future.
	CheckOrSee(spec.Token) bool
	// AdjustTime aligns the clock to a time reported by a peer, in
	// milliseconds since Epoch.
	AdjustTime(millis int64)
	// TimeMillis is the current time in milliseconds since Epoch.
	TimeMillis() int64
	Parse(spec.Token) (Timestamp, error)
}

// Timestamp is a decoded version token.
type Timestamp struct {
	Time int
	Seq  int
}

type options struct {
	clock       clockwork.Clock
	logger      *zap.Logger
	initialTime string
}

// Opt configures a clock.
type Opt func(*options)

// WithLogger specifies the logger for the clock.
func WithLogger(logger *zap.Logger) Opt {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock specifies the source of wall time.
func WithClock(clock clockwork.Clock) Opt {
	return func(o *options) {
		o.clock = clock
	}
}

// WithInitialTime starts the clock from a previously issued timestamp body.
func WithInitialTime(bare string) Opt {
	return func(o *options) {
		o.initialTime = bare
	}
}

func makeOptions(opts []Opt) options {
	o := options{
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Kind names a clock implementation in configuration.
type Kind string

const (
	KindLamport       Kind = "lamport"
	KindSecondPrecise Kind = "second"
	KindMinutePrecise Kind = "minute"
)

// New creates a clock of the given kind.
func New(kind Kind, id string, opts ...Opt) (Clock, error) {
	switch kind {
	case KindLamport:
		return NewLamport(id, opts...)
	case KindSecondPrecise, "":
		return NewSecondPrecise(id, opts...)
	case KindMinutePrecise:
		return NewMinutePrecise(id, opts...)
	}
	return nil, &UnknownKindError{Kind: kind}
}

// UnknownKindError is returned by New for unsupported clock kinds.
type UnknownKindError struct {
	Kind Kind
}

func (e *UnknownKindError) Error() string {
	return "unknown clock kind " + string(e.Kind)
}
