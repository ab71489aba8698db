// Package network implements the session server's event loop: the listener,
// the peer registry, the outbound backpressure queue and the reactor that
// ties them together, plus the UDP discovery responder.
package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxelnet-project/voxelnet/internal/config"
	"github.com/voxelnet-project/voxelnet/internal/events"
	"github.com/voxelnet-project/voxelnet/internal/metrics"
	"github.com/voxelnet-project/voxelnet/internal/protocol"
)

const (
	// maxBatch bounds how many queued events one wakeup processes before the
	// outbound queue gets its flush.
	maxBatch = 64

	eventBacklog  = 256
	acceptBackoff = 50 * time.Millisecond
)

// Disconnect reasons, also used as metric labels.
const (
	ReasonClosed       = "closed"
	ReasonReadError    = "read_error"
	ReasonWriteError   = "write_error"
	ReasonProtocol     = "protocol"
	ReasonQueueFull    = "queue_full"
	ReasonSlowConsumer = "slow_consumer"
	ReasonKicked       = "kicked"
	ReasonShutdown     = "shutdown"
)

var (
	// ErrNotListening is returned by Run before Listen succeeded.
	ErrNotListening = errors.New("reactor is not listening")
	// ErrReactorStopped is returned by Call once Run has returned.
	ErrReactorStopped = errors.New("reactor stopped")
)

// Handler reacts to connection lifecycle changes and decoded packets.
// Every method runs on the reactor goroutine.
type Handler interface {
	Connected(hub Hub, p *Peer)
	Handle(hub Hub, p *Peer, pkt protocol.Packet)
	Disconnected(hub Hub, p *Peer, reason string)
}

// Hub is the reactor as seen from handlers and from functions passed to
// Call. Apart from Post it must only be used on the reactor goroutine.
type Hub interface {
	// Post queues fn to run on the reactor goroutine and returns without
	// waiting. It is meant for work that finished elsewhere and must not be
	// called from the reactor goroutine itself. It reports false once the
	// reactor has stopped.
	Post(fn func(Hub)) bool

	Send(p *Peer, pkt protocol.Packet) error
	Broadcast(pkt protocol.Packet) int
	Disconnect(p *Peer, reason string)
	FindByID(id uint64) *Peer
	FindByUser(userID int64) *Peer
	Peers() []*Peer
	Len() int
	Stats() Stats
}

// Stats is a point-in-time view of the reactor.
type Stats struct {
	Peers    int           `json:"peers"`
	Capacity int           `json:"capacity"`
	Queued   int           `json:"queued"`
	QueueCap int           `json:"queue_capacity"`
	Uptime   time.Duration `json:"uptime"`
}

type eventKind int

const (
	evAccept eventKind = iota
	evData
	evClosed
	evPost
)

type event struct {
	kind eventKind
	conn net.Conn
	id   uint64
	data []byte
	err  error
	fn   func(Hub)
}

type call struct {
	fn   func(Hub)
	done chan struct{}
}

// Reactor owns every connection of the session server. A single goroutine
// (Run) holds the registry, the outbound queue and whatever the handler
// mutates. The acceptor and one reader per connection only forward what they
// see over a channel; the runtime netpoller does the readiness waiting.
type Reactor struct {
	cfg      config.ServerConfig
	handler  Handler
	eventBus *events.EventBus
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	registry *Registry
	queue    *Queue
	handles  *handleTable

	listener  net.Listener
	events    chan event
	calls     chan call
	done      chan struct{}
	stopOnce  sync.Once
	readers   sync.WaitGroup
	ctx       context.Context
	startedAt time.Time
}

// NewReactor creates a reactor dispatching to handler.
func NewReactor(cfg config.ServerConfig, handler Handler, eventBus *events.EventBus, m *metrics.Metrics) *Reactor {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 4096
	}
	if cfg.RetryDelayMS <= 0 {
		cfg.RetryDelayMS = 50
	}
	if cfg.WriteTimeoutMS <= 0 {
		cfg.WriteTimeoutMS = 2
	}
	if cfg.SlowConsumerMS <= 0 {
		cfg.SlowConsumerMS = 5000
	}

	return &Reactor{
		cfg:      cfg,
		handler:  handler,
		eventBus: eventBus,
		metrics:  m,
		logger:   log.With().Str("component", "reactor").Logger(),
		registry: NewRegistry(cfg.MaxPeers),
		queue:    NewQueue(cfg.QueueSize),
		// one spare handle so an accept past capacity reaches the registry
		handles:   newHandleTable(cfg.MaxPeers + 1),
		events:    make(chan event, eventBacklog),
		calls:     make(chan call),
		done:      make(chan struct{}),
		ctx:       context.Background(),
		startedAt: time.Now(),
	}
}

// Listen binds the session port.
func (r *Reactor) Listen(ctx context.Context) error {
	addr := r.cfg.Addr()

	lc := ReuseAddrListenConfig(r.cfg.KeepAlive())
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	r.listener = ln

	r.logger.Info().
		Str("addr", ln.Addr().String()).
		Int("max_peers", r.registry.Cap()).
		Int("queue_size", r.queue.Cap()).
		Msg("session listener started")
	return nil
}

// Addr returns the bound listen address, or nil before Listen.
func (r *Reactor) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Run processes events until ctx is cancelled, then closes every peer and
// the listener.
func (r *Reactor) Run(ctx context.Context) error {
	if r.listener == nil {
		return ErrNotListening
	}
	r.ctx = ctx
	r.startedAt = time.Now()

	go r.acceptLoop()

	retryTimer := time.NewTimer(r.cfg.RetryDelay())
	retryTimer.Stop()
	defer retryTimer.Stop()
	defer r.shutdown()

	for {
		// only wake up on a timer while something is waiting to be retried
		var retry <-chan time.Time
		if r.queue.Len() > 0 {
			retryTimer.Reset(r.cfg.RetryDelay())
			retry = retryTimer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.events:
			r.processBatch(ev)
		case c := <-r.calls:
			c.fn(r)
			close(c.done)
		case <-retry:
		}

		r.flush()
	}
}

// Call runs fn on the reactor goroutine and waits for it to return.
func (r *Reactor) Call(ctx context.Context, fn func(Hub)) error {
	c := call{fn: fn, done: make(chan struct{})}

	select {
	case r.calls <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrReactorStopped
	}

	select {
	case <-c.done:
		return nil
	case <-r.done:
		select {
		case <-c.done:
			return nil
		default:
			return ErrReactorStopped
		}
	}
}

// Post queues fn behind the events already waiting for the reactor.
func (r *Reactor) Post(fn func(Hub)) bool {
	select {
	case <-r.done:
		return false
	default:
	}

	select {
	case r.events <- event{kind: evPost, fn: fn}:
		return true
	case <-r.done:
		return false
	}
}

func (r *Reactor) acceptLoop() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-r.done:
				return
			default:
			}
			r.logger.Error().Err(err).Msg("failed to accept connection")
			time.Sleep(acceptBackoff)
			continue
		}

		select {
		case r.events <- event{kind: evAccept, conn: conn}:
		case <-r.done:
			conn.Close()
			return
		}
	}
}

func (r *Reactor) readLoop(id uint64, conn net.Conn) {
	defer r.readers.Done()

	buf := make([]byte, r.cfg.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			select {
			case r.events <- event{kind: evData, id: id, data: bytes.Clone(buf[:n])}:
			case <-r.done:
				return
			}
		}
		if err != nil {
			select {
			case r.events <- event{kind: evClosed, id: id, err: err}:
			case <-r.done:
			}
			return
		}
	}
}

func (r *Reactor) processBatch(first event) {
	r.process(first)
	n := 1

batch:
	for n < maxBatch {
		select {
		case ev := <-r.events:
			r.process(ev)
			n++
		default:
			break batch
		}
	}

	r.metrics.LoopBatchSize.Observe(float64(n))
}

func (r *Reactor) process(ev event) {
	switch ev.kind {
	case evAccept:
		r.accept(ev.conn)

	case evData:
		// events for a peer dropped earlier in the batch are stale
		if p := r.registry.FindByID(ev.id); p != nil {
			r.receive(p, ev.data)
		}

	case evClosed:
		p := r.registry.FindByID(ev.id)
		if p == nil {
			return
		}
		if errors.Is(ev.err, io.EOF) {
			r.Disconnect(p, ReasonClosed)
			return
		}
		r.logger.Debug().Err(ev.err).Uint64("peer_id", p.id).Msg("read failed")
		r.Disconnect(p, ReasonReadError)

	case evPost:
		ev.fn(r)
	}
}

func (r *Reactor) accept(conn net.Conn) {
	remote := conn.RemoteAddr().String()

	h := r.handles.Acquire()
	var p *Peer
	err := ErrRegistryFull
	if h >= 0 {
		p, err = r.registry.Register(h, conn)
	}
	if err != nil {
		r.handles.Release(h)
		conn.Close()

		r.metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		r.logger.Warn().Err(err).Str("remote", remote).Msg("connection rejected")
		r.emit(events.EventPeerRejected, events.PeerPayload{Handle: h, Remote: remote, Reason: err.Error()})
		return
	}

	r.metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	r.metrics.PeersOnline.Set(float64(r.registry.Len()))
	r.logger.Info().
		Uint64("peer_id", p.id).
		Int("handle", p.handle).
		Str("remote", remote).
		Int("online", r.registry.Len()).
		Msg("peer connected")
	r.emit(events.EventPeerConnected, events.PeerPayload{PeerID: p.id, Handle: p.handle, Remote: remote})

	r.readers.Add(1)
	go r.readLoop(p.id, conn)

	r.handler.Connected(r, p)
}

func (r *Reactor) receive(p *Peer, data []byte) {
	r.metrics.BytesReceived.Add(float64(len(data)))

	frames, err := p.asm.Feed(data)
	for _, frame := range frames {
		if p.closed {
			return
		}

		pkt, derr := protocol.Decode(frame)
		if derr != nil {
			r.protocolError(p, derr)
			return
		}
		r.metrics.PacketsReceived.WithLabelValues(pkt.Kind().String()).Inc()

		start := time.Now()
		r.handler.Handle(r, p, pkt)
		r.metrics.DispatchTime.Observe(time.Since(start).Seconds())
	}

	if err != nil && !p.closed {
		r.protocolError(p, err)
	}
}

func (r *Reactor) protocolError(p *Peer, err error) {
	label := "malformed"
	switch {
	case errors.Is(err, protocol.ErrFrameTooLarge):
		label = "frame_too_large"
	case errors.Is(err, protocol.ErrUnknownKind):
		label = "unknown_kind"
	case errors.Is(err, protocol.ErrBadLength):
		label = "bad_length"
	}
	r.metrics.ProtocolErrors.WithLabelValues(label).Inc()

	r.logger.Warn().
		Err(err).
		Uint64("peer_id", p.id).
		Str("remote", p.RemoteAddr()).
		Msg("protocol violation, dropping peer")
	r.Disconnect(p, ReasonProtocol)
}

// Send encodes pkt and writes it to p. Whatever the transport does not take
// right away is queued; bytes already queued for p are always sent first.
func (r *Reactor) Send(p *Peer, pkt protocol.Packet) error {
	if p.closed {
		return ErrPeerGone
	}
	r.metrics.PacketsSent.WithLabelValues(pkt.Kind().String()).Inc()
	return r.sendFrame(p, protocol.Encode(pkt))
}

// Broadcast sends pkt to every peer in slot order and returns how many
// accepted it. A peer whose write fails is dropped; the rest still receive.
func (r *Reactor) Broadcast(pkt protocol.Packet) int {
	frame := protocol.Encode(pkt)
	kind := pkt.Kind().String()

	delivered := 0
	for _, p := range r.registry.Peers() {
		if p.closed {
			continue
		}
		if err := r.sendFrame(p, frame); err != nil {
			continue
		}
		r.metrics.PacketsSent.WithLabelValues(kind).Inc()
		delivered++
	}
	return delivered
}

func (r *Reactor) sendFrame(p *Peer, frame []byte) error {
	if r.queue.Pending(p.id) {
		return r.enqueue(p, frame, 0)
	}

	n, err := p.write(frame, r.cfg.WriteTimeout())
	r.metrics.BytesSent.Add(float64(n))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrWouldBlock):
		return r.enqueue(p, frame, n)
	default:
		r.logger.Debug().Err(err).Uint64("peer_id", p.id).Msg("write failed")
		r.Disconnect(p, ReasonWriteError)
		return err
	}
}

func (r *Reactor) enqueue(p *Peer, frame []byte, sent int) error {
	err := r.queue.Push(p.id, frame, sent)
	if err == nil {
		r.metrics.QueueDepth.Set(float64(r.queue.Len()))
		return nil
	}

	r.metrics.QueueDropped.Inc()
	if sent > 0 {
		// half a frame is on the wire; the stream cannot be resynchronised
		r.logger.Warn().Uint64("peer_id", p.id).Int("sent", sent).Msg("outbound queue full mid-frame, dropping peer")
		r.Disconnect(p, ReasonQueueFull)
		return err
	}

	r.logger.Warn().Uint64("peer_id", p.id).Msg("outbound queue full, message dropped")
	return err
}

// flush retries the outbound queue. A peer whose frame has blocked the head
// for longer than the slow consumer limit is dropped, which releases the
// frames queued behind it.
func (r *Reactor) flush() {
	if r.queue.Len() == 0 {
		return
	}
	for {
		r.queue.Flush(r.retrySend)

		id, stalled := r.queue.HeadStall()
		if stalled <= r.cfg.SlowConsumer() {
			break
		}
		p := r.registry.FindByID(id)
		if p == nil {
			break
		}
		r.logger.Warn().
			Uint64("peer_id", id).
			Dur("stalled", stalled).
			Msg("peer is not reading, dropping slow consumer")
		r.Disconnect(p, ReasonSlowConsumer)
	}
	r.metrics.QueueDepth.Set(float64(r.queue.Len()))
}

func (r *Reactor) retrySend(id uint64, data []byte) (int, error) {
	p := r.registry.FindByID(id)
	if p == nil {
		r.metrics.QueueRetried.WithLabelValues("peer_gone").Inc()
		return 0, ErrPeerGone
	}

	n, err := p.write(data, r.cfg.WriteTimeout())
	r.metrics.BytesSent.Add(float64(n))

	switch {
	case err == nil:
		r.metrics.QueueRetried.WithLabelValues("sent").Inc()
	case errors.Is(err, ErrWouldBlock):
		r.metrics.QueueRetried.WithLabelValues("blocked").Inc()
	default:
		r.metrics.QueueRetried.WithLabelValues("failed").Inc()
		r.Disconnect(p, ReasonWriteError)
	}
	return n, err
}

// Disconnect closes p and frees its registry slot. Closing an already closed
// peer is a no-op.
func (r *Reactor) Disconnect(p *Peer, reason string) {
	if p.closed {
		return
	}

	r.registry.RemoveByID(p.id)
	r.handles.Release(p.handle)
	if p.conn != nil {
		p.conn.Close()
	}

	r.metrics.DisconnectsTotal.WithLabelValues(reason).Inc()
	r.metrics.PeersOnline.Set(float64(r.registry.Len()))
	r.logger.Info().
		Uint64("peer_id", p.id).
		Int("handle", p.handle).
		Str("user", p.username).
		Str("reason", reason).
		Int("online", r.registry.Len()).
		Msg("peer disconnected")
	r.emit(events.EventPeerDisconnected, events.PeerPayload{
		PeerID: p.id,
		Handle: p.handle,
		Remote: p.RemoteAddr(),
		User:   p.username,
		Reason: reason,
	})

	r.handler.Disconnected(r, p, reason)
}

// FindByID returns the connected peer with stable id, or nil.
func (r *Reactor) FindByID(id uint64) *Peer { return r.registry.FindByID(id) }

// FindByUser returns the peer logged in as userID, or nil.
func (r *Reactor) FindByUser(userID int64) *Peer { return r.registry.FindByUser(userID) }

// Peers returns the connected peers in slot order.
func (r *Reactor) Peers() []*Peer { return r.registry.Peers() }

// Len returns the number of connected peers.
func (r *Reactor) Len() int { return r.registry.Len() }

// Stats returns the current reactor counters.
func (r *Reactor) Stats() Stats {
	return Stats{
		Peers:    r.registry.Len(),
		Capacity: r.registry.Cap(),
		Queued:   r.queue.Len(),
		QueueCap: r.queue.Cap(),
		Uptime:   time.Since(r.startedAt),
	}
}

func (r *Reactor) emit(t events.EventType, payload interface{}) {
	if r.eventBus == nil {
		return
	}
	r.eventBus.Emit(r.ctx, events.Event{Type: t, Source: "reactor", Payload: payload})
}

func (r *Reactor) shutdown() {
	r.stopOnce.Do(func() {
		if r.listener != nil {
			r.listener.Close()
		}

		// last chance for backpressured frames such as a goodbye notice
		r.queue.Flush(r.retrySend)

		close(r.done)
		for _, p := range r.registry.Peers() {
			r.Disconnect(p, ReasonShutdown)
		}
		r.readers.Wait()

		r.logger.Info().Msg("reactor stopped")
	})
}
