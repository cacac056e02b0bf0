package syncable

import (
	"maps"
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swarmsync/go-swarm/clock"
	"github.com/swarmsync/go-swarm/log/logtest"
	"github.com/swarmsync/go-swarm/spec"
)

type item struct {
	op     spec.Full
	value  Value
	source Recipient
}

// fakeHost processes queued operations only when drained.
type fakeHost struct {
	t       testing.TB
	id      string
	clock   *clock.LamportClock
	sources []Recipient
	objects map[spec.TypeID]*Replica
	queue   []item
	gone    []*Replica
}

func newFakeHost(tb testing.TB, id string) *fakeHost {
	c, err := clock.NewLamport(id)
	require.NoError(tb, err)
	return &fakeHost{t: tb, id: id, clock: c, objects: map[spec.TypeID]*Replica{}}
}

func (h *fakeHost) ID() string { return h.id }

func (h *fakeHost) Time() spec.Token { return h.clock.Issue() }

func (h *fakeHost) Sources(spec.TypeID) []Recipient { return h.sources }

func (h *fakeHost) Unregister(r *Replica) {
	h.gone = append(h.gone, r)
	delete(h.objects, r.TypeID())
}

func (h *fakeHost) Deliver(op spec.Full, v Value, src Recipient) {
	h.queue = append(h.queue, item{op, v, src})
}

func (h *fakeHost) replica(meta *TypeMeta, ti spec.TypeID) *Replica {
	if r, ok := h.objects[ti]; ok {
		return r
	}
	r := NewReplica(meta, ti, h, logtest.New(h.t).Named(h.id))
	h.objects[ti] = r
	return r
}

// drain processes queued operations; it reports whether anything ran.
func (h *fakeHost) drain(meta *TypeMeta) bool {
	ran := false
	for len(h.queue) > 0 {
		it := h.queue[0]
		h.queue = h.queue[1:]
		h.replica(meta, it.op.TypeID()).Process(it.op, it.value, it.source)
		ran = true
	}
	return ran
}

// link is a recipient on one host standing for another host.
type link struct {
	to   *fakeHost
	back *link
}

func (l *link) Deliver(op spec.Full, v Value, _ Recipient) {
	l.to.Deliver(op, v, l.back)
}

// connect returns the recipient a uses to reach b, and the reverse one.
func connect(a, b *fakeHost) (*link, *link) {
	ab := &link{to: b}
	ba := &link{to: a, back: ab}
	ab.back = ba
	return ab, ba
}

func settle(meta *TypeMeta, hosts ...*fakeHost) {
	for {
		ran := false
		for _, h := range hosts {
			if h.drain(meta) {
				ran = true
			}
		}
		if !ran {
			return
		}
	}
}

type recorder struct {
	ops    []spec.Full
	values []Value
}

func (r *recorder) Deliver(op spec.Full, v Value, _ Recipient) {
	r.ops = append(r.ops, op)
	r.values = append(r.values, v)
}

func (r *recorder) opNames() []string {
	var res []string
	for _, op := range r.ops {
		res = append(res, op.OpName())
	}
	return res
}

func duckType() *TypeMeta {
	tm := NewModelType("Duck", map[string]Value{
		"age":    nil,
		"height": nil,
		"mood":   "neutral",
	})
	tm.Ops["grow"] = OpMeta{Kind: Logged, Apply: func(r *Replica, _ spec.Full, v Value, _ Recipient) error {
		h, _ := r.fields["height"].(float64)
		by, ok := v.(float64)
		if !ok {
			panic("grow by what")
		}
		r.SetField("height", h+by)
		return nil
	}}
	return tm
}

var huey = spec.NewTypeID("Duck", "huey")

func newDuck(t *testing.T, h *fakeHost, tm *TypeMeta) *Replica {
	r := h.replica(tm, huey)
	r.SetVersion(spec.ZeroVersion.String())
	return r
}

func TestReplica_BasicSync(t *testing.T) {
	r := require.New(t)
	tm := duckType()
	a, b := newFakeHost(t, "A"), newFakeHost(t, "B")
	_, ba := connect(a, b)
	b.sources = []Recipient{ba}

	ducka := newDuck(t, a, tm)
	_, err := ducka.Set(map[string]Value{"age": 1})
	r.NoError(err)

	duckb := b.replica(tm, huey)
	duckb.CheckUplink()
	r.Equal(Pending, duckb.Uplinks()[0].Kind())
	settle(tm, a, b)

	r.Equal(Plain, duckb.Uplinks()[0].Kind())
	r.Equal(1, ducka.ListenerCount())
	age, _ := duckb.Field("age")
	r.Equal(1.0, age)
	r.Equal(ducka.Version().String(), duckb.Version().String())

	_, err = ducka.Set(map[string]Value{"age": 2})
	r.NoError(err)
	settle(tm, a, b)
	age, _ = duckb.Field("age")
	r.Equal(2.0, age)

	_, err = duckb.Set(map[string]Value{"height": 5})
	r.NoError(err)
	settle(tm, a, b)
	height, _ := ducka.Field("height")
	r.Equal(5.0, height)
	r.Equal(ducka.Version().String(), duckb.Version().String())
}

func TestReplica_CatchUpOnReon(t *testing.T) {
	r := require.New(t)
	tm := duckType()
	a, b := newFakeHost(t, "A"), newFakeHost(t, "B")
	_, ba := connect(a, b)

	ducka := newDuck(t, a, tm)
	_, err := ducka.Set(map[string]Value{"age": 1})
	r.NoError(err)
	duckb := b.replica(tm, huey)
	b.sources = []Recipient{ba}
	duckb.CheckUplink()
	settle(tm, a, b)

	// offline edits on both sides
	b.sources = nil
	duckb.CheckUplink()
	settle(tm, a, b)
	r.Zero(ducka.ListenerCount())
	_, err = ducka.Set(map[string]Value{"mood": "calm"})
	r.NoError(err)
	_, err = duckb.Set(map[string]Value{"height": 3})
	r.NoError(err)

	b.sources = []Recipient{ba}
	duckb.CheckUplink()
	settle(tm, a, b)

	r.Equal(ducka.Fields(), duckb.Fields())
	r.Equal(3.0, ducka.Fields()["height"])
	r.Equal("calm", duckb.Fields()["mood"])
}

func TestReplica_PartialOrder(t *testing.T) {
	v1 := spec.MustParseFull("/Duck#huey!00001+a.set")
	v2 := spec.MustParseFull("/Duck#huey!00002+b.set")
	for _, tc := range []struct {
		desc  string
		order []spec.Full
	}{
		{desc: "in order", order: []spec.Full{v1, v2}},
		{desc: "reversed", order: []spec.Full{v2, v1}},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			tm := duckType()
			h := newFakeHost(t, "C")
			duck := newDuck(t, h, tm)
			values := map[spec.Full]Value{
				v1: map[string]Value{"age": 1.0, "mood": "shy"},
				v2: map[string]Value{"age": 2.0},
			}
			for _, op := range tc.order {
				duck.Process(op, values[op], nil)
			}
			require.Equal(t, 2.0, duck.Fields()["age"])
			require.Equal(t, "shy", duck.Fields()["mood"])
			require.Equal(t, "!00002+b!00001+a", duck.Version().String())
		})
	}
}

func TestReplica_ReplayIsIgnored(t *testing.T) {
	r := require.New(t)
	tm := duckType()
	h := newFakeHost(t, "A")
	duck := newDuck(t, h, tm)
	rec := &recorder{}
	duck.On(nil, rec)

	op := spec.MustParseFull("/Duck#huey!00005+x.set")
	duck.Process(op, map[string]Value{"age": 7.0}, nil)
	duck.Process(op, map[string]Value{"age": 8.0}, nil)
	r.Equal(7.0, duck.Fields()["age"])
	r.Len(duck.Oplog(), 1)
	r.Equal([]string{"set"}, rec.opNames())

	// older op of an origin already seen
	older := spec.MustParseFull("/Duck#huey!00003+x.set")
	duck.Process(older, map[string]Value{"age": 1.0}, nil)
	r.Equal(7.0, duck.Fields()["age"])
	r.Len(rec.ops, 1)
}

func TestReplica_DeferredOn(t *testing.T) {
	r := require.New(t)
	tm := duckType()
	h := newFakeHost(t, "A")
	duck := h.replica(tm, huey)
	rec := &recorder{}
	duck.On(nil, rec)
	r.Equal(1, duck.ListenerCount())
	r.Empty(rec.ops)

	other := &recorder{}
	duck.Process(spec.MustParseFull("/Duck#huey!00001+s.reon"), "!0", other)
	r.Equal(1, duck.ListenerCount(), "still stateless")

	duck.Process(spec.MustParseFull("/Duck#huey!00002+s.init"), map[string]Value{
		FieldVersion: "!00002+s",
		"age":        3.0,
	}, other)
	r.Equal(3.0, duck.Fields()["age"])
	duck.Process(spec.MustParseFull("/Duck#huey!00003+s.reon"), "!00002+s", other)
	r.Equal(1, duck.ListenerCount())

	_, err := duck.Set(map[string]Value{"age": 4})
	r.NoError(err)
	r.Equal([]string{"set"}, rec.opNames())
}

func TestReplica_DeferredWhileUplinkPending(t *testing.T) {
	r := require.New(t)
	tm := duckType()
	h := newFakeHost(t, "C")
	up := &recorder{}
	h.sources = []Recipient{up}
	duck := h.replica(tm, huey)
	duck.CheckUplink()
	r.Equal(Pending, duck.Uplinks()[0].Kind())

	down := &recorder{}
	duck.Process(spec.MustParseFull("/Duck#huey!00001+c.on"), "!0", down)
	r.Empty(down.ops, "nothing to serve before the uplink answers")

	duck.Process(up.ops[0].WithOp(spec.Op(OpInit)), map[string]Value{
		FieldVersion: "!0",
		FieldTail: map[string]Value{
			"!00002+s.set": map[string]Value{"age": 3.0},
		},
	}, up)
	age, _ := duck.Field("age")
	r.Equal(3.0, age)
	r.Empty(down.ops)
	duck.Process(up.ops[0].WithOp(spec.Op(OpReon)), "!00002+s", up)

	r.Equal([]string{"init", "reon"}, down.opNames())
	sent, ok := down.values[0].(map[string]Value)
	r.True(ok)
	r.Contains(sent[FieldTail], "!00002+s.set")
	r.Equal(duck.Version().String(), down.values[1])
}

func TestReplica_Filters(t *testing.T) {
	r := require.New(t)
	tm := duckType()
	h := newFakeHost(t, "A")
	duck := newDuck(t, h, tm)

	sets, grows, ages := &recorder{}, &recorder{}, &recorder{}
	duck.On(".set", sets)
	duck.On(".grow", grows)
	duck.Once("age", ages)

	_, err := duck.Set(map[string]Value{"mood": "sad"})
	r.NoError(err)
	_, err = duck.Trigger("grow", 2.0)
	r.NoError(err)
	_, err = duck.Set(map[string]Value{"age": 4})
	r.NoError(err)
	_, err = duck.Set(map[string]Value{"age": 5})
	r.NoError(err)

	r.Equal([]string{"set", "set", "set"}, sets.opNames())
	r.Equal([]string{"grow"}, grows.opNames())
	r.Len(ages.ops, 1)
	r.Equal(map[string]Value{"age": 4.0}, ages.values[0])
	r.Equal(2, duck.ListenerCount())
	r.Equal(2.0, duck.Fields()["height"])
}

func TestReplica_InitFilter(t *testing.T) {
	r := require.New(t)
	tm := duckType()
	h := newFakeHost(t, "A")
	duck := newDuck(t, h, tm)
	_, err := duck.Set(map[string]Value{"age": 1})
	r.NoError(err)

	rec := &recorder{}
	duck.On(".init", rec)
	r.Zero(duck.ListenerCount())
	r.Equal([]string{"init"}, rec.opNames())
	state := rec.values[0].(map[string]Value)
	r.Equal("!0", state[FieldVersion])
	r.Len(state[FieldTail], 1)
}

func TestReplica_OnWithBase(t *testing.T) {
	r := require.New(t)
	tm := duckType()
	h := newFakeHost(t, "A")
	duck := newDuck(t, h, tm)
	first, err := duck.Set(map[string]Value{"age": 1})
	r.NoError(err)

	rec := &recorder{}
	duck.On(first.Version().String(), rec)
	r.Equal([]string{"reon"}, rec.opNames(), "nothing missing")

	_, err = duck.Set(map[string]Value{"age": 2})
	r.NoError(err)
	late := &recorder{}
	duck.On(first.Version().String(), late)
	r.Equal([]string{"init", "reon"}, late.opNames())
	tail := late.values[0].(map[string]Value)[FieldTail].(map[string]Value)
	r.Len(tail, 1)
	r.Equal(duck.Version().String(), late.values[1])
}

func TestReplica_Errors(t *testing.T) {
	r := require.New(t)
	tm := duckType()
	h := newFakeHost(t, "A")
	duck := newDuck(t, h, tm)

	_, err := duck.Set(map[string]Value{"color": "white"})
	r.ErrorContains(err, "unknown field")

	rec := &recorder{}
	duck.Process(spec.MustParseFull("/Duck#huey!00009+x.fly"), nil, rec)
	r.Equal([]string{"error"}, rec.opNames())
	r.Equal(ErrUnimplemented.Error(), rec.values[0])

	_, err = duck.Trigger("grow", "a lot")
	r.ErrorContains(err, "panic in grow handler")
	r.Empty(duck.Oplog())

	duck.Close()
	_, err = duck.Set(map[string]Value{"age": 1})
	r.ErrorIs(err, ErrUndead)
}

func TestReplica_Close(t *testing.T) {
	r := require.New(t)
	tm := duckType()
	h := newFakeHost(t, "A")
	up := &recorder{}
	h.sources = []Recipient{up}
	duck := newDuck(t, h, tm)
	duck.CheckUplink()
	r.Equal([]string{"on"}, up.opNames())
	r.Equal("!0", up.values[0])

	listener := &recorder{}
	duck.On(nil, listener)
	duck.Close()

	r.Equal([]string{"on", "off"}, up.opNames())
	r.Equal([]string{"reoff"}, listener.opNames())
	r.Equal("/Duck#huey!0.reoff", listener.ops[0].String())
	r.True(duck.Closed())
	r.Equal([]*Replica{duck}, h.gone)
}

func TestReplica_CheckUplinkSwitchesSources(t *testing.T) {
	r := require.New(t)
	tm := duckType()
	h := newFakeHost(t, "A")
	first, second := &recorder{}, &recorder{}
	h.sources = []Recipient{first}
	duck := newDuck(t, h, tm)
	duck.CheckUplink()
	duck.CheckUplink()
	r.Equal([]string{"on"}, first.opNames())

	h.sources = []Recipient{second}
	duck.CheckUplink()
	r.Equal([]string{"on", "off"}, first.opNames())
	r.Equal([]string{"on"}, second.opNames())
	r.Equal(1, duck.UplinkCount())

	duck.Process(second.ops[0].WithOp(spec.Op(OpReoff)), nil, second)
	r.Equal([]string{"on", "on"}, second.opNames(), "reoff triggers a new subscription")
}

func TestReplica_GC(t *testing.T) {
	r := require.New(t)
	tm := duckType()
	h := newFakeHost(t, "A")
	duck := newDuck(t, h, tm)
	rec := &recorder{}
	duck.On(nil, rec)
	r.False(duck.GC())
	duck.Off(rec)
	r.True(duck.GC())
	r.True(duck.Closed())
}

func TestReplica_Save(t *testing.T) {
	r := require.New(t)
	tm := duckType()
	h := newFakeHost(t, "A")
	duck := newDuck(t, h, tm)

	saved, err := duck.Save()
	r.NoError(err)
	r.False(saved)

	duck.SetField("mood", "happy")
	duck.SetField("age", 2.0)
	saved, err = duck.Save()
	r.NoError(err)
	r.True(saved)
	r.Len(duck.Oplog(), 1)
	for _, v := range duck.Oplog() {
		r.Equal(map[string]Value{"mood": "happy", "age": 2.0}, v)
	}

	saved, err = duck.Save()
	r.NoError(err)
	r.False(saved)
}

func TestLWWDistillator(t *testing.T) {
	vo := func(s string) spec.VersionOp {
		v, err := spec.ParseVersionOp(s)
		require.NoError(t, err)
		return v
	}
	oplog := map[spec.VersionOp]Value{
		vo("!00001+a.set"):  map[string]Value{"age": 1.0},
		vo("!00002+a.set"):  map[string]Value{"age": 2.0, "mood": "ok"},
		vo("!00003+b.set"):  map[string]Value{"age": 3.0},
		vo("!00004+a.set"):  map[string]Value{"height": 1.0},
		vo("!00005+a.grow"): 1.0,
	}
	cumul := NewLWWDistillator(OpSet).Distill(oplog)

	require.Equal(t, map[string]Value{"age": 3.0, "mood": "ok", "height": 1.0}, cumul)
	require.Equal(t, map[spec.VersionOp]Value{
		vo("!00002+a.set"):  map[string]Value{"mood": "ok"},
		vo("!00003+b.set"):  map[string]Value{"age": 3.0},
		vo("!00004+a.set"):  map[string]Value{"height": 1.0},
		vo("!00005+a.grow"): 1.0,
	}, oplog)
}

func TestLWWDistillator_ReplayEquivalence(t *testing.T) {
	origins := []string{"a", "b", "c"}
	fields := []string{"age", "height", "mood"}
	ascending := func(oplog map[spec.VersionOp]Value) []spec.VersionOp {
		keys := make([]spec.VersionOp, 0, len(oplog))
		for vo := range oplog {
			keys = append(keys, vo)
		}
		slices.SortFunc(keys, func(a, b spec.VersionOp) int {
			return a.Version().Compare(b.Version())
		})
		return keys
	}
	replay := func(oplog map[spec.VersionOp]Value) (map[string]Value, float64) {
		state := make(map[string]Value)
		grown := 0.0
		for _, vo := range ascending(oplog) {
			switch v := oplog[vo].(type) {
			case map[string]Value:
				maps.Copy(state, v)
			case float64:
				grown += v
			}
		}
		return state, grown
	}

	for seed := int64(1); seed <= 50; seed++ {
		rng := rand.New(rand.NewSource(seed))
		oplog := make(map[spec.VersionOp]Value)
		latest := make(map[string]spec.VersionOp)
		n := 1 + rng.Intn(30)
		for i := 1; i <= n; i++ {
			origin := origins[rng.Intn(len(origins))]
			version := "!" + spec.IntToBase(i, 5) + "+" + origin
			if rng.Intn(5) == 0 {
				vo, err := spec.ParseVersionOp(version + ".grow")
				require.NoError(t, err)
				oplog[vo] = float64(rng.Intn(10))
				continue
			}
			set := make(map[string]Value)
			for _, f := range fields {
				if rng.Intn(2) == 0 {
					set[f] = float64(rng.Intn(100))
				}
			}
			vo, err := spec.ParseVersionOp(version + ".set")
			require.NoError(t, err)
			oplog[vo] = set
			latest[origin] = vo
		}
		wantState, wantGrown := replay(oplog)

		cumul := NewLWWDistillator(OpSet).Distill(oplog)

		require.Equal(t, wantState, cumul, "seed %d", seed)
		gotState, gotGrown := replay(oplog)
		require.Equal(t, wantState, gotState, "seed %d", seed)
		require.Equal(t, wantGrown, gotGrown, "seed %d", seed)
		for origin, vo := range latest {
			require.Contains(t, oplog, vo, "seed %d: head of %s", seed, origin)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := require.New(t)
	reg := NewRegistry()
	r.NoError(reg.Register(duckType()))
	r.ErrorIs(reg.Register(duckType()), ErrTypeExists)
	tm, err := reg.Get("Duck")
	r.NoError(err)
	r.Equal("Duck", tm.Name)
	_, err = reg.Get("Goose")
	r.ErrorIs(err, ErrUnknownType)
}
