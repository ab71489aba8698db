// Package session routes decoded packets to their handlers: chat, online
// queries, world edits and login. Handlers run on the reactor goroutine and
// answer through the network.Hub they are given.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/voxelnet-project/voxelnet/internal/config"
	"github.com/voxelnet-project/voxelnet/internal/db"
	"github.com/voxelnet-project/voxelnet/internal/events"
	"github.com/voxelnet-project/voxelnet/internal/metrics"
	"github.com/voxelnet-project/voxelnet/internal/network"
	"github.com/voxelnet-project/voxelnet/internal/protocol"
	"github.com/voxelnet-project/voxelnet/internal/world"
)

// Replies sent as server text.
const (
	MsgPermissionDenied   = "permission denied"
	MsgInvalidCredentials = "invalid credentials"
	MsgAlreadyLoggedIn    = "already logged in"
	MsgNoSuchUser         = "no such user"
	MsgSlowDown           = "slow down"
	MsgUnknownBlock       = "unknown block"
	MsgUnknownRequest     = "unknown request"
)

const (
	credentialTimeout = 2 * time.Second

	// login attempts per connection
	loginInterval = 2 * time.Second
	loginBurst    = 5
)

var errAlreadyOnline = errors.New("account already online")

// Credentials resolves a name and password to an account.
type Credentials interface {
	Authenticate(ctx context.Context, name, password string) (db.Account, error)
}

// Dispatcher implements network.Handler for the voxelnet protocol.
type Dispatcher struct {
	cfg      *config.Config
	world    *world.World
	creds    Credentials
	eventBus *events.EventBus
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	peers map[uint64]*peerState
}

// peerState is what the dispatcher remembers about a connected peer.
type peerState struct {
	chat      *rate.Limiter
	login     *rate.Limiter
	loggingIn bool
}

// NewDispatcher creates a dispatcher. eventBus may be nil.
func NewDispatcher(cfg *config.Config, w *world.World, creds Credentials, eventBus *events.EventBus, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		world:    w,
		creds:    creds,
		eventBus: eventBus,
		metrics:  m,
		logger:   log.With().Str("component", "dispatcher").Logger(),
		peers:    make(map[uint64]*peerState),
	}
}

// Connected greets a new peer with the message of the day.
func (d *Dispatcher) Connected(hub network.Hub, p *network.Peer) {
	d.reply(hub, p, d.cfg.Greeting())
}

// Disconnected forgets per-peer state and tells the others who left.
func (d *Dispatcher) Disconnected(hub network.Hub, p *network.Peer, reason string) {
	delete(d.peers, p.ID())

	if p.Authenticated() && reason != network.ReasonShutdown {
		hub.Broadcast(protocol.NewServerText(protocol.RecipientAll, p.Username()+" left"))
	}
}

// Handle routes one decoded packet.
func (d *Dispatcher) Handle(hub network.Hub, p *network.Peer, pkt protocol.Packet) {
	switch pkt := pkt.(type) {
	case *protocol.Text:
		d.handleText(hub, p, pkt)
	case *protocol.Query:
		d.handleQuery(hub, p, pkt)
	case *protocol.UserMod:
		d.handleUserMod(hub, p, pkt)
	case *protocol.Login:
		d.handleLogin(hub, p, pkt)
	default:
		// chunks only flow server to client
		d.logger.Debug().Uint64("peer_id", p.ID()).Str("kind", pkt.Kind().String()).Msg("ignoring unexpected packet")
	}
}

func (d *Dispatcher) handleText(hub network.Hub, p *network.Peer, t *protocol.Text) {
	if !d.allowChat(p) {
		d.reply(hub, p, MsgSlowDown)
		return
	}

	out := &protocol.Text{
		Recipient: t.Recipient,
		Type:      protocol.TextUser,
		Text:      fmt.Sprintf("%s: %s", p.DisplayName(), t.Text),
	}

	if t.Recipient == protocol.RecipientAll {
		hub.Broadcast(out)
	} else {
		var dest *network.Peer
		if t.Recipient != protocol.RecipientNone {
			dest = hub.FindByID(uint64(t.Recipient))
		}
		if dest == nil {
			d.reply(hub, p, MsgNoSuchUser)
			return
		}
		hub.Send(dest, out)
		if dest != p {
			hub.Send(p, out)
		}
	}

	d.metrics.ChatLines.Inc()
	d.emit(events.EventChat, events.ChatPayload{From: p.ID(), Recipient: t.Recipient, Text: out.Text})
}

func (d *Dispatcher) state(p *network.Peer) *peerState {
	st, ok := d.peers[p.ID()]
	if !ok {
		st = &peerState{login: rate.NewLimiter(rate.Every(loginInterval), loginBurst)}
		d.peers[p.ID()] = st
	}
	return st
}

func (d *Dispatcher) allowChat(p *network.Peer) bool {
	if d.cfg.Server.ChatRate <= 0 {
		return true
	}
	st := d.state(p)
	if st.chat == nil {
		st.chat = rate.NewLimiter(rate.Limit(d.cfg.Server.ChatRate), max(d.cfg.Server.ChatBurst, 1))
	}
	return st.chat.Allow()
}

func (d *Dispatcher) handleQuery(hub network.Hub, p *network.Peer, q *protocol.Query) {
	switch q.Opcode {
	case protocol.QueryWho:
		d.reply(hub, p, fmt.Sprintf("online: %d", hub.Len()))
	default:
		d.logger.Debug().Uint64("peer_id", p.ID()).Uint32("opcode", q.Opcode).Msg("unknown query opcode")
		d.reply(hub, p, MsgUnknownRequest)
	}
}

func (d *Dispatcher) handleUserMod(hub network.Hub, p *network.Peer, m *protocol.UserMod) {
	if !p.Authenticated() {
		d.reply(hub, p, MsgPermissionDenied)
		return
	}
	if m.Opcode != protocol.UserModPut {
		d.logger.Debug().Uint64("peer_id", p.ID()).Uint32("opcode", m.Opcode).Msg("unknown edit opcode")
		d.reply(hub, p, MsgUnknownRequest)
		return
	}

	if !world.InBounds(m.X, m.Y, m.Z) {
		d.logger.Warn().
			Uint64("peer_id", p.ID()).
			Uint16("x", m.X).Uint16("y", m.Y).Uint16("z", m.Z).
			Msg("edit outside the world ignored")
		return
	}

	if err := d.world.Put(m.X, m.Y, m.Z, m.ID); err != nil {
		d.logger.Debug().Err(err).Uint64("peer_id", p.ID()).Msg("edit rejected")
		d.reply(hub, p, MsgUnknownBlock)
		return
	}

	hub.Broadcast(d.world.Snapshot())

	d.metrics.WorldEdits.Inc()
	d.emit(events.EventWorldEdit, events.WorldEditPayload{
		PeerID: p.ID(),
		User:   p.Username(),
		X:      m.X,
		Y:      m.Y,
		Z:      m.Z,
		Block:  m.ID,
	})
}

// handleLogin checks the credentials off the reactor goroutine. finishLogin
// applies the outcome once the reactor picks it up.
func (d *Dispatcher) handleLogin(hub network.Hub, p *network.Peer, l *protocol.Login) {
	if p.Authenticated() {
		d.reply(hub, p, MsgAlreadyLoggedIn)
		return
	}

	st := d.state(p)
	if st.loggingIn || !st.login.Allow() {
		d.metrics.LoginsTotal.WithLabelValues("throttled").Inc()
		d.reply(hub, p, MsgSlowDown)
		return
	}
	st.loggingIn = true

	id, name, password := p.ID(), l.Name, l.Password
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), credentialTimeout)
		acc, err := d.creds.Authenticate(ctx, name, password)
		cancel()

		if !hub.Post(func(h network.Hub) { d.finishLogin(h, id, name, acc, err) }) {
			d.logger.Debug().Uint64("peer_id", id).Msg("login result arrived after shutdown")
		}
	}()
}

func (d *Dispatcher) finishLogin(hub network.Hub, id uint64, name string, acc db.Account, err error) {
	// the peer may have gone while the lookup ran; ids are never reused
	p := hub.FindByID(id)
	if p == nil {
		return
	}
	if st, ok := d.peers[id]; ok {
		st.loggingIn = false
	}

	if err == nil && p.Authenticated() {
		err = errAlreadyOnline
	}
	if err == nil && hub.FindByUser(acc.ID) != nil {
		err = errAlreadyOnline
	}
	if err != nil {
		if !errors.Is(err, db.ErrInvalidCredentials) && !errors.Is(err, errAlreadyOnline) {
			d.logger.Error().Err(err).Uint64("peer_id", id).Msg("credential lookup failed")
		}
		d.logger.Info().Err(err).Uint64("peer_id", id).Str("user", name).Msg("login refused")
		d.metrics.LoginsTotal.WithLabelValues("refused").Inc()
		d.emit(events.EventLoginFailed, events.PeerPayload{PeerID: id, Handle: p.Handle(), Remote: p.RemoteAddr(), User: name})

		// one reply for every cause so account names stay private
		d.reply(hub, p, MsgInvalidCredentials)
		return
	}

	p.SetUser(acc.ID, acc.Name)

	d.logger.Info().Uint64("peer_id", id).Str("user", acc.Name).Msg("login")
	d.metrics.LoginsTotal.WithLabelValues("ok").Inc()
	d.emit(events.EventLogin, events.PeerPayload{PeerID: id, Handle: p.Handle(), Remote: p.RemoteAddr(), User: acc.Name})

	d.reply(hub, p, "welcome, "+acc.Name)
	hub.Send(p, d.world.Snapshot())
}

func (d *Dispatcher) reply(hub network.Hub, p *network.Peer, msg string) {
	hub.Send(p, protocol.NewServerText(protocol.RecipientOf(p.ID()), msg))
}

func (d *Dispatcher) emit(t events.EventType, payload interface{}) {
	if d.eventBus == nil {
		return
	}
	d.eventBus.Emit(context.Background(), events.Event{Type: t, Source: "session", Payload: payload})
}
