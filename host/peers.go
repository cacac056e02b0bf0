package host

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/swarmsync/go-swarm/log"
	"github.com/swarmsync/go-swarm/metrics/public"
	"github.com/swarmsync/go-swarm/pipe"
	"github.com/swarmsync/go-swarm/spec"
	"github.com/swarmsync/go-swarm/syncable"
	"github.com/swarmsync/go-swarm/transport"
)

func (h *Host) typeID() spec.TypeID {
	return spec.NewTypeID(pipe.HostType, h.id)
}

func (h *Host) hostOp(op string) spec.Full {
	return h.typeID().Full(h.Time(), spec.Op(op))
}

func (h *Host) processHostOp(op spec.Full, value syncable.Value, source syncable.Recipient) {
	switch op.OpName() {
	case syncable.OpOn:
		h.on(op, value, source)
	case syncable.OpReon:
		millis, ok := value.(float64)
		if !ok {
			h.replyError(op, "reon expects the peer time", source)
			return
		}
		h.clock.AdjustTime(int64(millis))
		h.addSource(op, source)
	case syncable.OpOff:
		if source != nil {
			source.Deliver(op.WithOp(spec.Op(syncable.OpReoff)), nil, h)
		}
		h.removeSource(source)
	case syncable.OpReoff:
		h.removeSource(source)
	case syncable.OpError:
		h.logger.Warn("error reported", log.Op(op), zap.Any("error", value))
	default:
		h.replyError(op, syncable.ErrUnimplemented.Error(), source)
	}
}

// on handles /Host#id.on: an empty filter is a peer handshake, a filter
// naming a host operation subscribes to peer events, anything else is
// forwarded to the object it addresses.
func (h *Host) on(op spec.Full, value syncable.Value, source syncable.Recipient) {
	filter, _ := value.(string)
	if filter == "" {
		h.addSource(op, source)
		return
	}
	fs, err := spec.Parse(filter)
	if err != nil {
		h.replyError(op, err.Error(), source)
		return
	}
	if fs.Len() == 1 && !fs.Op().IsZero() {
		if source == nil {
			return
		}
		h.listeners = append(h.listeners, hostListener{op: fs.Op().Bare(), target: source})
		return
	}
	if fs.Type().IsZero() || fs.ID().IsZero() {
		h.replyError(op, "on filter needs a /Type#id", source)
		return
	}
	ti := spec.NewTypeID(fs.Type().Bare(), fs.ID().Body())
	var rest strings.Builder
	for _, t := range fs.Tokens() {
		if t.Quant() != spec.QuantType && t.Quant() != spec.QuantID {
			rest.WriteString(t.String())
		}
	}
	r, err := h.Get(ti)
	if err != nil {
		h.replyError(op, err.Error(), source)
		return
	}
	r.Process(ti.Full(op.Version(), spec.Op(syncable.OpOn)), rest.String(), source)
}

// addSource registers a handshaken peer and lets every replica reconsider
// its uplinks.
func (h *Host) addSource(op spec.Full, source syncable.Recipient) {
	peer, ok := source.(syncable.Peer)
	if !ok {
		h.replyError(op, "handshake from a non-peer", source)
		return
	}
	id := peer.PeerID()
	if old, ok := h.sources[id]; ok && old != peer {
		h.logger.Info("replacing peer connection", log.Peer(id))
		h.dropPeer(old)
		old.Deliver(h.hostOp(syncable.OpOff), nil, h)
	}
	if h.sources[id] != peer {
		h.sources[id] = peer
		public.Peers.WithLabelValues(direction(peer)).Inc()
	}
	if op.OpName() == syncable.OpOn {
		// must precede any object subscription sent over this pipe
		peer.Deliver(op.WithOp(spec.Op(syncable.OpReon)), float64(h.clock.TimeMillis()), h)
	}
	h.logger.Info("peer connected", log.Peer(id))
	h.notify(syncable.OpOn, id)
	for _, r := range h.replicas() {
		r.CheckUplink()
	}
}

// removeSource drops a peer from the source table and from every replica.
func (h *Host) removeSource(source syncable.Recipient) {
	h.listeners = slices.DeleteFunc(h.listeners, func(l hostListener) bool {
		return l.target == source
	})
	peer, ok := source.(syncable.Peer)
	if !ok {
		return
	}
	id := peer.PeerID()
	if cur, ok := h.sources[id]; ok && cur == peer {
		delete(h.sources, id)
		public.Peers.WithLabelValues(direction(peer)).Dec()
		h.logger.Info("peer disconnected", log.Peer(id))
		h.notify(syncable.OpOff, id)
	}
	h.dropPeer(peer)
}

// dropPeer makes every replica forget peer as if it had sent reoff.
func (h *Host) dropPeer(peer syncable.Peer) {
	for _, r := range h.replicas() {
		r.Process(r.TypeID().Full(spec.ZeroVersion, spec.Op(syncable.OpReoff)), nil, peer)
	}
}

func (h *Host) notify(op, peerID string) {
	for _, l := range slices.Clone(h.listeners) {
		if l.op == op {
			l.target.Deliver(h.typeID().Full(h.Time(), spec.Op(op)), peerID, h)
		}
	}
}

func direction(peer syncable.Peer) string {
	if p, ok := peer.(interface{ Outbound() bool }); ok && p.Outbound() {
		return "out"
	}
	return "in"
}

// Peers lists the ids of handshaken peers. It must run on the actor.
func (h *Host) Peers() []string {
	ids := make([]string, 0, len(h.sources))
	for id := range h.sources {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Connect dials uri and starts the handshake. Failures to reach the peer
// are retried with exponential backoff.
func (h *Host) Connect(ctx context.Context, uri string) error {
	return h.connect(ctx, uri, h.reconnectBase, 0)
}

func (h *Host) connect(ctx context.Context, uri string, base time.Duration, attempt int) error {
	ch, err := h.transports.Open(uri)
	if err != nil {
		return err
	}
	p := pipe.New(h, ch,
		pipe.WithURI(uri, base, attempt),
		pipe.WithPlumber(h.plumber),
		pipe.WithLogger(h.logger),
	)
	if err := p.Open(ctx); err != nil {
		p.Close(err)
		return err
	}
	p.Deliver(h.hostOp(syncable.OpOn), "", h)
	return nil
}

// Reconnect dials uri again on behalf of the plumber.
func (h *Host) Reconnect(uri string, base time.Duration, attempt int) {
	if h.ctx.Err() != nil {
		return
	}
	if err := h.connect(h.ctx, uri, base, attempt); err != nil {
		h.logger.Debug("reconnect failed", log.URI(uri), zap.Int("attempt", attempt), zap.Error(err))
	}
}

// Accept runs the protocol on a channel opened by a remote host.
func (h *Host) Accept(ch transport.Channel) {
	p := pipe.New(h, ch, pipe.WithPlumber(h.plumber), pipe.WithLogger(h.logger))
	if err := p.Open(h.ctx); err != nil {
		h.logger.Warn("accept failed", zap.Error(err))
		p.Close(err)
	}
}

// Disconnect closes the connection to a peer without reconnecting.
func (h *Host) Disconnect(ctx context.Context, peerID string) error {
	return h.Exec(ctx, func() error {
		peer, ok := h.sources[peerID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
		}
		h.disconnect(peer)
		return nil
	})
}

// DisconnectAll closes every peer connection.
func (h *Host) DisconnectAll(ctx context.Context) error {
	return h.Exec(ctx, func() error {
		for _, id := range h.Peers() {
			h.disconnect(h.sources[id])
		}
		return nil
	})
}

func (h *Host) disconnect(peer syncable.Peer) {
	h.removeSource(peer)
	peer.Deliver(h.hostOp(syncable.OpOff), nil, h)
}
