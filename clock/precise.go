package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/swarmsync/go-swarm/spec"
)

// PreciseClock issues wall-clock based timestamps: a fixed-width time part
// counted in units since Epoch followed by a sequence part that orders
// timestamps issued within the same unit.
type PreciseClock struct {
	mu     sync.Mutex
	id     string
	clock  clockwork.Clock
	logger *zap.Logger

	unit     time.Duration
	timeLen  int
	seqPart  func(seq int) string
	parseSeq func(s string) (int, error)

	offset       time.Duration
	lastIssued   spec.Token
	lastTimeSeen int
	lastSeqSeen  int
}

// NewSecondPrecise creates a clock with second precision: 5 time symbols,
// no sequence for the first timestamp of a second, 2 symbols otherwise.
func NewSecondPrecise(id string, opts ...Opt) (*PreciseClock, error) {
	return newPrecise(id, time.Second, 5,
		func(seq int) string {
			if seq == 0 {
				return ""
			}
			return spec.IntToBase(seq, 2)
		},
		func(s string) (int, error) {
			if s == "" {
				return 0, nil
			}
			return spec.BaseToInt(s)
		},
		opts)
}

// NewMinutePrecise creates a clock with minute precision: 4 time symbols,
// a single sequence symbol below 64 and '~' followed by 2 symbols from 64 on,
// so that long sequences still sort after short ones.
func NewMinutePrecise(id string, opts ...Opt) (*PreciseClock, error) {
	return newPrecise(id, time.Minute, 4,
		func(seq int) string {
			if seq < 64 {
				return spec.IntToBase(seq, 1)
			}
			return "~" + spec.IntToBase(seq-64, 2)
		},
		func(s string) (int, error) {
			if len(s) == 3 && s[0] == '~' {
				seq, err := spec.BaseToInt(s[1:])
				return seq + 64, err
			}
			return spec.BaseToInt(s)
		},
		opts)
}

func newPrecise(
	id string,
	unit time.Duration,
	timeLen int,
	seqPart func(int) string,
	parseSeq func(string) (int, error),
	opts []Opt,
) (*PreciseClock, error) {
	o := makeOptions(opts)
	c := &PreciseClock{
		id:          id,
		clock:       o.clock,
		logger:      o.logger,
		unit:        unit,
		timeLen:     timeLen,
		seqPart:     seqPart,
		parseSeq:    parseSeq,
		lastSeqSeen: -1,
	}
	if o.initialTime == "" {
		c.lastIssued = c.issue()
		return c, nil
	}
	c.lastIssued = spec.NewToken(spec.QuantVersion, o.initialTime, id)
	ts, err := c.Parse(c.lastIssued)
	if err != nil {
		return nil, fmt.Errorf("initial time: %w", err)
	}
	c.offset = time.Duration(ts.Time)*unit - c.clock.Since(Epoch)
	c.lastTimeSeen = ts.Time
	c.lastSeqSeen = ts.Seq
	return c, nil
}

func (c *PreciseClock) ID() string { return c.id }

func (c *PreciseClock) Issue() spec.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastIssued = c.issue()
	return c.lastIssued
}

func (c *PreciseClock) issue() spec.Token {
	now := c.approxTime()
	if c.lastTimeSeen > now {
		now = c.lastTimeSeen
	}
	if now > c.lastTimeSeen {
		c.lastSeqSeen = -1
	}
	c.lastTimeSeen = now
	c.lastSeqSeen++
	bare := spec.IntToBase(now, c.timeLen) + c.seqPart(c.lastSeqSeen)
	return spec.NewToken(spec.QuantVersion, bare, c.id)
}

func (c *PreciseClock) LastIssued() spec.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastIssued
}

func (c *PreciseClock) CheckOrSee(t spec.Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Compare(c.lastIssued) < 0 {
		return true
	}
	ts, err := c.Parse(t)
	if err != nil {
		return false
	}
	if ts.Time < c.lastTimeSeen {
		return true
	}
	if ts.Time > c.approxTime()+1 {
		c.logger.Warn("timestamp from the future",
			zap.Stringer("timestamp", t),
			zap.Stringer("last_issued", c.lastIssued))
		return false
	}
	if ts.Time > c.lastTimeSeen {
		c.lastTimeSeen = ts.Time
		c.lastSeqSeen = ts.Seq
	} else {
		c.lastSeqSeen = max(c.lastSeqSeen, ts.Seq)
	}
	return true
}

func (c *PreciseClock) AdjustTime(millis int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = time.Duration(millis)*time.Millisecond - c.clock.Since(Epoch)
	lastTime := c.lastTimeSeen
	c.lastTimeSeen = 0
	c.lastSeqSeen = 0
	c.lastIssued = c.issue()
	if c.approxTime()+1 < lastTime {
		c.logger.Warn("risky clock reset",
			zap.Stringer("issued", c.lastIssued),
			zap.Duration("offset", c.offset))
	}
}

func (c *PreciseClock) TimeMillis() int64 {
	return c.sinceEpoch().Milliseconds()
}

func (c *PreciseClock) sinceEpoch() time.Duration {
	return c.clock.Since(Epoch) + c.offset
}

func (c *PreciseClock) approxTime() int {
	return int(c.sinceEpoch() / c.unit)
}

// Time converts a timestamp issued by this kind of clock back to wall time.
func (c *PreciseClock) Time(t spec.Token) (time.Time, error) {
	ts, err := c.Parse(t)
	if err != nil {
		return time.Time{}, err
	}
	return Epoch.Add(time.Duration(ts.Time) * c.unit), nil
}

func (c *PreciseClock) Parse(t spec.Token) (Timestamp, error) {
	bare := t.Bare()
	if len(bare) < c.timeLen {
		return Timestamp{}, fmt.Errorf("timestamp %q is too short", bare)
	}
	tm, err := spec.BaseToInt(bare[:c.timeLen])
	if err != nil {
		return Timestamp{}, err
	}
	seq, err := c.parseSeq(bare[c.timeLen:])
	if err != nil {
		return Timestamp{}, err
	}
	return Timestamp{Time: tm, Seq: seq}, nil
}
