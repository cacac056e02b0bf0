package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/swarmsync/go-swarm/queue"
)

// LoopbackScheme is the URI scheme of in-process channels, e.g. loop://name.
const LoopbackScheme = "loop"

type event struct {
	msg    string
	closed bool
	err    error
}

// Loopback is one end of an in-process channel pair. Sends never block: each
// end queues incoming events and delivers them from its own goroutine.
type Loopback struct {
	mu      sync.Mutex
	sink    Sink
	peer    *Loopback
	inbox   *queue.Queue[event]
	dial    func(peer *Loopback) error
	running bool
	closed  bool
}

// NewLoopbackPair returns two connected ends.
func NewLoopbackPair() (*Loopback, *Loopback) {
	a := &Loopback{inbox: queue.New[event]()}
	b := &Loopback{inbox: queue.New[event]()}
	a.peer, b.peer = b, a
	return a, b
}

func (l *Loopback) SetSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = s
}

func (l *Loopback) Send(msg string) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := l.peer.inbox.Write(event{msg: msg}); err != nil {
		return ErrClosed
	}
	return nil
}

func (l *Loopback) Connect(context.Context) error {
	l.mu.Lock()
	if l.running || l.closed {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	dial := l.dial
	l.dial = nil
	l.mu.Unlock()
	if dial != nil {
		if err := dial(l.peer); err != nil {
			return err
		}
	}
	go l.run()
	return nil
}

func (l *Loopback) run() {
	for {
		ev, err := l.inbox.Read(context.Background())
		if err != nil {
			return
		}
		l.mu.Lock()
		sink := l.sink
		l.mu.Unlock()
		if ev.closed {
			l.inbox.Close()
			if sink != nil {
				sink.OnClose(ev.err)
			}
			return
		}
		if sink != nil {
			sink.OnMessage(ev.msg)
		}
	}
}

// Close closes this end: its own sink sees a normal close, the peer sink
// sees ErrClosed after the messages already sent.
func (l *Loopback) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	running := l.running
	l.mu.Unlock()
	_ = l.peer.inbox.Write(event{closed: true, err: ErrClosed})
	if running {
		_ = l.inbox.Write(event{closed: true})
	} else {
		l.inbox.Close()
	}
	return nil
}

// LoopbackNetwork lets in-process hosts reach each other by name.
type LoopbackNetwork struct {
	mu        sync.Mutex
	listeners map[string]func(Channel)
}

func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{listeners: make(map[string]func(Channel))}
}

// Listen makes loop://name reachable; accept receives the server end of
// every new connection.
func (n *LoopbackNetwork) Listen(name string, accept func(Channel)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners[name] = accept
}

func (n *LoopbackNetwork) Unlisten(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.listeners, name)
}

// Open implements Factory. The connection is made by Connect.
func (n *LoopbackNetwork) Open(u *url.URL) (Channel, error) {
	client, _ := NewLoopbackPair()
	name := u.Host
	client.dial = func(server *Loopback) error {
		n.mu.Lock()
		accept, ok := n.listeners[name]
		n.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: %s", ErrConnectionRefused, u)
		}
		accept(server)
		return nil
	}
	return client, nil
}
