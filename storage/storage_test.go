package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/swarmsync/go-swarm/log/logtest"
	"github.com/swarmsync/go-swarm/spec"
	"github.com/swarmsync/go-swarm/syncable"
)

type delivery struct {
	op    spec.Full
	value syncable.Value
}

type recorder struct {
	ch chan delivery
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan delivery, 16)}
}

func (r *recorder) Deliver(op spec.Full, value syncable.Value, _ syncable.Recipient) {
	r.ch <- delivery{op, value}
}

func (r *recorder) next(t *testing.T) delivery {
	t.Helper()
	select {
	case d := <-r.ch:
		return d
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no delivery")
	}
	return delivery{}
}

func (r *recorder) empty(t *testing.T) {
	t.Helper()
	select {
	case d := <-r.ch:
		require.FailNow(t, "unexpected delivery", "%s %v", d.op, d.value)
	case <-time.After(20 * time.Millisecond):
	}
}

func runWorker(t *testing.T, backend Backend, opts ...Opt) *Worker {
	t.Helper()
	w := New(backend, append([]Opt{WithLogger(logtest.New(t))}, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return w
}

func backends(t *testing.T) map[string]func(t *testing.T) Backend {
	return map[string]func(t *testing.T) Backend{
		"memory": func(*testing.T) Backend { return NewMemory() },
		"leveldb": func(t *testing.T) Backend {
			db, err := NewLevelDB(filepath.Join(t.TempDir(), "db"), 16, logtest.New(t))
			require.NoError(t, err)
			return db
		},
		"sqlite": func(t *testing.T) Backend {
			db, err := NewSQLite(filepath.Join(t.TempDir(), "state.sql"))
			require.NoError(t, err)
			return db
		},
	}
}

var huey = spec.NewTypeID("Duck", "huey")

func op(version, name string) spec.Full {
	return huey.Full(spec.Version(version), spec.Op(name))
}

func TestWorker_Contract(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)
			w := runWorker(t, open(t), WithMaxLog(10))
			rec := newRecorder()

			w.Deliver(op("00001+a", syncable.OpOn), "", rec)
			d := rec.next(t)
			r.Equal("/Duck#huey!00001+a.init", d.op.String())
			r.Equal(map[string]syncable.Value{syncable.FieldVersion: "!0"}, d.value)
			d = rec.next(t)
			r.Equal("/Duck#huey!00001+a.reon", d.op.String())
			r.Equal("!0", d.value)

			w.Deliver(op("00002+a", syncable.OpSet), map[string]syncable.Value{"age": 1.0}, rec)
			w.Deliver(op("00003+b", syncable.OpSet), map[string]syncable.Value{"age": 2.0}, rec)
			w.Deliver(op("00004+a", syncable.OpOn), "", rec)
			d = rec.next(t)
			want := map[string]syncable.Value{
				syncable.FieldVersion: "!0",
				syncable.FieldTail: map[string]syncable.Value{
					"!00002+a.set": map[string]syncable.Value{"age": 1.0},
					"!00003+b.set": map[string]syncable.Value{"age": 2.0},
				},
			}
			r.Empty(cmp.Diff(want, d.value))
			d = rec.next(t)
			r.Equal("!00003+b!00002+a", d.value)

			// a full state replaces the log
			w.Deliver(op("00004+a", syncable.OpInit), map[string]syncable.Value{
				syncable.FieldVersion: "!00003+b",
				syncable.FieldVector:  "!00002+a",
				"age":                 2.0,
			}, rec)
			w.Deliver(op("00005+a", syncable.OpOn), "", rec)
			d = rec.next(t)
			r.Empty(cmp.Diff(map[string]syncable.Value{
				syncable.FieldVersion: "!00003+b",
				syncable.FieldVector:  "!00002+a",
				"age":                 2.0,
			}, d.value))
			r.Equal("!00003+b!00002+a", rec.next(t).value)

			// a partial state is appended
			w.Deliver(op("00006+a", syncable.OpInit), map[string]syncable.Value{
				syncable.FieldTail: map[string]syncable.Value{
					"!00006+c.set": map[string]syncable.Value{"age": 3.0},
				},
			}, rec)
			w.Deliver(op("00007+a", syncable.OpOn), "", rec)
			d = rec.next(t)
			tail := d.value.(map[string]syncable.Value)[syncable.FieldTail]
			r.Equal(map[string]syncable.Value{
				"!00006+c.set": map[string]syncable.Value{"age": 3.0},
			}, tail)
			r.Equal("!00006+c!00003+b!00002+a", rec.next(t).value)
			rec.empty(t)
		})
	}
}

func TestWorker_RequestsStateOnLongLog(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)
			w := runWorker(t, open(t), WithMaxLog(3))
			rec := newRecorder()
			for i, v := range []string{"00001+a", "00002+a"} {
				w.Deliver(op(v, syncable.OpSet), map[string]syncable.Value{"age": float64(i)}, rec)
			}
			rec.empty(t)
			w.Deliver(op("00003+a", syncable.OpSet), map[string]syncable.Value{"age": 3.0}, rec)
			d := rec.next(t)
			r.Equal("/Duck#huey!00003+a.on", d.op.String())
			r.Equal("!0.init", d.value)

			// the state arrives and the log is trimmed
			w.Deliver(op("00003+a", syncable.OpInit), map[string]syncable.Value{
				syncable.FieldVersion: "!0",
				syncable.FieldTail: map[string]syncable.Value{
					"!00003+a.set": map[string]syncable.Value{"age": 3.0},
				},
			}, rec)
			w.Deliver(op("00004+a", syncable.OpSet), map[string]syncable.Value{"age": 4.0}, rec)
			rec.empty(t)
		})
	}
}

type failing struct {
	*Memory
}

func (failing) AppendOp(spec.TypeID, spec.VersionOp, syncable.Value) (int, error) {
	return 0, errors.New("disk full")
}

func TestWorker_FailureClosesConnection(t *testing.T) {
	w := runWorker(t, failing{NewMemory()})
	rec := newRecorder()
	w.Deliver(op("00001+a", syncable.OpSet), map[string]syncable.Value{"age": 1.0}, rec)
	d := rec.next(t)
	require.Equal(t, "/Duck#huey!0.reoff", d.op.String())
}

func TestWorker_StopsWithContext(t *testing.T) {
	w := New(NewMemory())
	select {
	case <-w.Ready():
		require.FailNow(t, "ready before run")
	default:
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Run(ctx))
	require.Eventually(t, func() bool {
		select {
		case <-w.Ready():
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	require.ErrorIs(t, w.Run(context.Background()), ErrStopped)
	// deliveries after stop are dropped
	w.Deliver(op("00001+a", syncable.OpOn), "", newRecorder())
}

func TestLevelDB_Persistence(t *testing.T) {
	r := require.New(t)
	path := filepath.Join(t.TempDir(), "db")
	db, err := NewLevelDB(path, 0, nil)
	r.NoError(err)
	other := spec.NewTypeID("Duck", "huey+a")
	_, err = db.AppendOp(other, spec.NewVersionOp(spec.Version("00001+a"), spec.Op(syncable.OpSet)), 1.0)
	r.NoError(err)
	n, err := db.AppendOp(huey, spec.NewVersionOp(spec.Version("00002+a"), spec.Op(syncable.OpSet)), 2.0)
	r.NoError(err)
	r.Equal(1, n, "logs of ids sharing a prefix are separate")
	r.NoError(db.WriteState(other, map[string]syncable.Value{syncable.FieldVersion: "!00001+a"}))
	r.NoError(db.Close())

	db, err = NewLevelDB(path, 0, nil)
	r.NoError(err)
	defer db.Close()
	ops, err := db.ReadOps(huey)
	r.NoError(err)
	r.Equal(map[string]syncable.Value{"!00002+a.set": 2.0}, ops)
	ops, err = db.ReadOps(other)
	r.NoError(err)
	r.Empty(ops)
	state, err := db.ReadState(other)
	r.NoError(err)
	r.Equal(map[string]syncable.Value{syncable.FieldVersion: "!00001+a"}, state)
	state, err = db.ReadState(huey)
	r.NoError(err)
	r.Nil(state)
}

func TestMemLevelDB(t *testing.T) {
	db, err := NewMemLevelDB(1)
	require.NoError(t, err)
	defer db.Close()
	state := map[string]syncable.Value{"age": 1.0}
	require.NoError(t, db.WriteState(huey, state))
	state["age"] = 2.0
	got, err := db.ReadState(huey)
	require.NoError(t, err)
	require.Equal(t, 1.0, got["age"])
}

func TestStateVersion(t *testing.T) {
	require.Equal(t, "!0", StateVersion(map[string]syncable.Value{}))
	require.Equal(t, "!00003+b!00001+a", StateVersion(map[string]syncable.Value{
		syncable.FieldVersion: "!00001+a",
		syncable.FieldOplog:   map[string]syncable.Value{"!00002+b.set": nil},
		syncable.FieldTail:    map[string]syncable.Value{"!00003+b.set": nil},
	}))
}
