package clock

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/swarmsync/go-swarm/spec"
)

const lamportSeqLen = 5

// LamportClock is a purely logical clock: timestamps are a sequence counter.
type LamportClock struct {
	mu         sync.Mutex
	id         string
	clock      clockwork.Clock
	lastSeq    int
	lastIssued spec.Token
}

// NewLamport creates a logical clock for the given process id.
func NewLamport(id string, opts ...Opt) (*LamportClock, error) {
	o := makeOptions(opts)
	c := &LamportClock{id: id, clock: o.clock, lastSeq: -1}
	if o.initialTime == "" {
		c.lastIssued = c.issue()
		return c, nil
	}
	c.lastIssued = spec.NewToken(spec.QuantVersion, o.initialTime, id)
	ts, err := c.Parse(c.lastIssued)
	if err != nil {
		return nil, fmt.Errorf("initial time: %w", err)
	}
	c.lastSeq = ts.Seq
	return c, nil
}

func (c *LamportClock) ID() string { return c.id }

func (c *LamportClock) Issue() spec.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastIssued = c.issue()
	return c.lastIssued
}

func (c *LamportClock) issue() spec.Token {
	c.lastSeq++
	return spec.NewToken(spec.QuantVersion, spec.IntToBase(c.lastSeq, lamportSeqLen), c.id)
}

func (c *LamportClock) LastIssued() spec.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastIssued
}

func (c *LamportClock) CheckOrSee(t spec.Token) bool {
	ts, err := c.Parse(t)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts.Seq >= c.lastSeq {
		c.lastSeq = ts.Seq + 1
	}
	return true
}

// AdjustTime is a no-op: logical time has nothing to align.
func (c *LamportClock) AdjustTime(int64) {}

func (c *LamportClock) TimeMillis() int64 {
	return c.clock.Since(Epoch).Milliseconds()
}

func (c *LamportClock) Parse(t spec.Token) (Timestamp, error) {
	if t.Bare() == "" {
		return Timestamp{}, errors.New("empty timestamp")
	}
	seq, err := spec.BaseToInt(t.Bare())
	if err != nil {
		return Timestamp{}, err
	}
	return Timestamp{Seq: seq}, nil
}
