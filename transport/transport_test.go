package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	msgs   []string
	closed bool
	reason error
}

func (c *collector) OnMessage(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collector) OnClose(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.reason = err
}

func (c *collector) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func (c *collector) isClosed() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.reason
}

func TestLoopbackPair(t *testing.T) {
	r := require.New(t)
	a, b := NewLoopbackPair()
	ca, cb := &collector{}, &collector{}
	a.SetSink(ca)
	b.SetSink(cb)
	r.NoError(a.Send("one"))
	r.NoError(a.Send("two"))
	r.NoError(a.Connect(context.Background()))
	r.NoError(b.Connect(context.Background()))
	r.NoError(b.Send("back"))

	r.Eventually(func() bool { return len(cb.messages()) == 2 }, time.Second, time.Millisecond)
	r.Equal([]string{"one", "two"}, cb.messages())
	r.Eventually(func() bool { return len(ca.messages()) == 1 }, time.Second, time.Millisecond)

	r.NoError(a.Close())
	r.ErrorIs(a.Send("late"), ErrClosed)
	r.Eventually(func() bool {
		closed, _ := cb.isClosed()
		return closed
	}, time.Second, time.Millisecond)
	_, reason := cb.isClosed()
	r.ErrorIs(reason, ErrClosed)
	r.Eventually(func() bool {
		closed, _ := ca.isClosed()
		return closed
	}, time.Second, time.Millisecond)
	_, reason = ca.isClosed()
	r.NoError(reason)
}

func TestLoopbackNetwork(t *testing.T) {
	r := require.New(t)
	network := NewLoopbackNetwork()
	reg := NewRegistry()
	reg.Register(LoopbackScheme, network)

	_, err := reg.Open("tcp://nowhere")
	r.ErrorIs(err, ErrUnknownScheme)

	ch, err := reg.Open("loop://server")
	r.NoError(err)
	r.ErrorIs(ch.Connect(context.Background()), ErrConnectionRefused)

	server := &collector{}
	accepted := make(chan Channel, 1)
	network.Listen("server", func(c Channel) {
		c.SetSink(server)
		r.NoError(c.Connect(context.Background()))
		accepted <- c
	})
	ch, err = reg.Open("loop://server")
	r.NoError(err)
	client := &collector{}
	ch.SetSink(client)
	r.NoError(ch.Connect(context.Background()))
	r.NoError(ch.Send("hello"))
	srv := <-accepted
	r.NoError(srv.Send("welcome"))

	r.Eventually(func() bool { return len(server.messages()) == 1 }, time.Second, time.Millisecond)
	r.Eventually(func() bool { return len(client.messages()) == 1 }, time.Second, time.Millisecond)
	r.Equal("welcome", client.messages()[0])
}

func TestWebSocket(t *testing.T) {
	r := require.New(t)
	server := &collector{}
	accepted := make(chan Channel, 1)
	srv := httptest.NewServer(NewServer(func(c Channel) {
		c.SetSink(server)
		if err := c.Connect(context.Background()); err == nil {
			accepted <- c
		}
	}, nil))
	defer srv.Close()

	uri := "ws" + strings.TrimPrefix(srv.URL, "http")
	reg := NewRegistry()
	reg.Register("ws", NewWebSocketFactory())
	ch, err := reg.Open(uri)
	r.NoError(err)
	client := &collector{}
	ch.SetSink(client)
	r.NoError(ch.Connect(context.Background()))
	r.NoError(ch.Send(`{"/Host#a!0.on":""}`))

	var sc Channel
	select {
	case sc = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
	}
	r.Eventually(func() bool { return len(server.messages()) == 1 }, 5*time.Second, time.Millisecond)
	r.Equal(`{"/Host#a!0.on":""}`, server.messages()[0])

	r.NoError(sc.Send("{}"))
	r.Eventually(func() bool { return len(client.messages()) == 1 }, 5*time.Second, time.Millisecond)

	r.NoError(ch.Close())
	r.Eventually(func() bool {
		closed, _ := server.isClosed()
		return closed
	}, 5*time.Second, time.Millisecond)
	_, reason := server.isClosed()
	r.NoError(reason, "normal close")
	r.ErrorIs(ch.Send("late"), ErrClosed)
}

func TestServer_AcceptRate(t *testing.T) {
	srv := httptest.NewServer(NewServer(func(Channel) {}, nil, WithAcceptRate(0.001, 1)))
	defer srv.Close()
	before := testutil.ToFloat64(rejected)

	// not a websocket request, but it still spends the only token
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, before+1, testutil.ToFloat64(rejected))
}
