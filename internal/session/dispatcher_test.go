package session

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voxelnet-project/voxelnet/internal/config"
	"github.com/voxelnet-project/voxelnet/internal/db"
	"github.com/voxelnet-project/voxelnet/internal/metrics"
	"github.com/voxelnet-project/voxelnet/internal/network"
	"github.com/voxelnet-project/voxelnet/internal/protocol"
	"github.com/voxelnet-project/voxelnet/internal/world"
)

// fakeHub records traffic instead of writing to sockets.
type fakeHub struct {
	reg   *network.Registry
	sent  map[uint64][]protocol.Packet
	posts chan func(network.Hub)
}

func newFakeHub(peers int) (*fakeHub, []*network.Peer) {
	h := &fakeHub{
		reg:   network.NewRegistry(8),
		sent:  make(map[uint64][]protocol.Packet),
		posts: make(chan func(network.Hub), 16),
	}
	var out []*network.Peer
	for i := 0; i < peers; i++ {
		p, _ := h.reg.Register(i, nil)
		out = append(out, p)
	}
	return h, out
}

func (h *fakeHub) Post(fn func(network.Hub)) bool {
	h.posts <- fn
	return true
}

// settle runs posted work until no login lookup is outstanding.
func (h *fakeHub) settle(t *testing.T, d *Dispatcher) {
	t.Helper()
	for loginsInFlight(d) > 0 {
		select {
		case fn := <-h.posts:
			fn(h)
		case <-time.After(5 * time.Second):
			t.Fatal("login lookup never completed")
		}
	}
}

func loginsInFlight(d *Dispatcher) int {
	n := 0
	for _, st := range d.peers {
		if st.loggingIn {
			n++
		}
	}
	return n
}

// login sends a Login packet and waits for its outcome.
func login(t *testing.T, d *Dispatcher, hub *fakeHub, p *network.Peer, name, password string) {
	t.Helper()
	d.Handle(hub, p, &protocol.Login{Name: name, Password: password})
	hub.settle(t, d)
}

func (h *fakeHub) Send(p *network.Peer, pkt protocol.Packet) error {
	h.sent[p.ID()] = append(h.sent[p.ID()], pkt)
	return nil
}

func (h *fakeHub) Broadcast(pkt protocol.Packet) int {
	for _, p := range h.reg.Peers() {
		h.Send(p, pkt)
	}
	return h.reg.Len()
}

func (h *fakeHub) Disconnect(p *network.Peer, _ string) { h.reg.RemoveByID(p.ID()) }
func (h *fakeHub) FindByID(id uint64) *network.Peer     { return h.reg.FindByID(id) }
func (h *fakeHub) FindByUser(id int64) *network.Peer    { return h.reg.FindByUser(id) }
func (h *fakeHub) Peers() []*network.Peer               { return h.reg.Peers() }
func (h *fakeHub) Len() int                             { return h.reg.Len() }
func (h *fakeHub) Stats() network.Stats                 { return network.Stats{Peers: h.reg.Len(), Capacity: h.reg.Cap()} }

// last returns the most recent packet sent to p.
func (h *fakeHub) last(p *network.Peer) protocol.Packet {
	s := h.sent[p.ID()]
	if len(s) == 0 {
		return nil
	}
	return s[len(s)-1]
}

// texts returns the text of every Text packet sent to p.
func (h *fakeHub) texts(p *network.Peer) []string {
	var out []string
	for _, pkt := range h.sent[p.ID()] {
		if t, ok := pkt.(*protocol.Text); ok {
			out = append(out, t.Text)
		}
	}
	return out
}

type fakeCreds map[string]struct {
	id       int64
	password string
}

func (c fakeCreds) Authenticate(_ context.Context, name, password string) (db.Account, error) {
	a, ok := c[name]
	if !ok || a.password != password {
		return db.Account{}, db.ErrInvalidCredentials
	}
	return db.Account{ID: a.id, Name: name}, nil
}

var testCreds = fakeCreds{
	"alice": {1, "wonderland"},
	"bob":   {2, "builder99"},
}

func newTestDispatcher() (*Dispatcher, *world.World) {
	cfg := config.DefaultConfig()
	cfg.Server.ChatRate = 0
	w := world.New(nil)
	return NewDispatcher(cfg, w, testCreds, nil, metrics.New(prometheus.NewRegistry())), w
}

func TestWhoReportsPeerCount(t *testing.T) {
	d, _ := newTestDispatcher()
	hub, peers := newFakeHub(3)

	d.Handle(hub, peers[1], &protocol.Query{Opcode: protocol.QueryWho})

	reply, ok := hub.last(peers[1]).(*protocol.Text)
	if !ok || reply.Text != "online: 3" || reply.Type != protocol.TextServer {
		t.Fatalf("reply = %#v", hub.last(peers[1]))
	}
	if len(hub.sent[peers[0].ID()]) != 0 || len(hub.sent[peers[2].ID()]) != 0 {
		t.Fatal("who reply leaked to other peers")
	}
}

func TestLoginSingleSession(t *testing.T) {
	d, _ := newTestDispatcher()
	hub, peers := newFakeHub(2)
	first, second := peers[0], peers[1]

	login(t, d, hub, first, "alice", "wonderland")
	if !first.Authenticated() || first.Username() != "alice" {
		t.Fatal("valid login did not authenticate")
	}
	if got := hub.texts(first); len(got) != 1 || got[0] != "welcome, alice" {
		t.Fatalf("replies = %q", got)
	}
	if _, ok := hub.last(first).(*protocol.Chunk); !ok {
		t.Fatal("no chunk snapshot after login")
	}

	login(t, d, hub, second, "alice", "wonderland")
	if second.Authenticated() {
		t.Fatal("second session for the same account was accepted")
	}
	alreadyOnline := hub.texts(second)

	login(t, d, hub, second, "bob", "nope")
	badPassword := hub.texts(second)

	if alreadyOnline[0] != MsgInvalidCredentials || badPassword[1] != MsgInvalidCredentials {
		t.Fatalf("replies = %q", badPassword)
	}

	login(t, d, hub, second, "bob", "builder99")
	if !second.Authenticated() {
		t.Fatal("login for a different account was refused")
	}
}

func TestLoginAfterDisconnect(t *testing.T) {
	d, _ := newTestDispatcher()
	hub, peers := newFakeHub(2)

	login(t, d, hub, peers[0], "alice", "wonderland")
	hub.Disconnect(peers[0], network.ReasonClosed)
	d.Disconnected(hub, peers[0], network.ReasonClosed)

	login(t, d, hub, peers[1], "alice", "wonderland")
	if !peers[1].Authenticated() {
		t.Fatal("account stayed locked after its session closed")
	}
	if got := hub.texts(peers[1]); got[0] != "alice left" {
		t.Fatalf("departure not announced: %q", got)
	}
}

func TestPutRequiresLogin(t *testing.T) {
	d, w := newTestDispatcher()
	hub, peers := newFakeHub(2)
	p := peers[0]

	put := protocol.NewPut(0, 0, 0, world.Stone)

	d.Handle(hub, p, put)
	if id, _ := w.Block(0, 0, 0); id != world.Air {
		t.Fatal("anonymous edit changed the world")
	}
	if got := hub.texts(p); len(got) != 1 || got[0] != MsgPermissionDenied {
		t.Fatalf("replies = %q", got)
	}

	login(t, d, hub, p, "alice", "wonderland")
	d.Handle(hub, p, put)

	if id, _ := w.Block(0, 0, 0); id != world.Stone {
		t.Fatalf("block = %d, want %d", id, world.Stone)
	}
	for _, other := range peers {
		chunk, ok := hub.last(other).(*protocol.Chunk)
		if !ok {
			t.Fatalf("peer %d got no chunk broadcast", other.ID())
		}
		if chunk.Blocks[world.Index(0, 0, 0)] != world.Stone {
			t.Fatal("broadcast chunk does not reflect the edit")
		}
	}
}

func TestPutOutsideWorldIsIgnored(t *testing.T) {
	d, w := newTestDispatcher()
	hub, peers := newFakeHub(1)
	p := peers[0]
	login(t, d, hub, p, "alice", "wonderland")
	before := len(hub.sent[p.ID()])

	d.Handle(hub, p, protocol.NewPut(world.Edge, 0, 0, world.Stone))

	if len(hub.sent[p.ID()]) != before {
		t.Fatal("out of bounds edit produced traffic")
	}
	if w.Dirty() {
		t.Fatal("out of bounds edit changed the world")
	}

	d.Handle(hub, p, protocol.NewPut(0, 0, 0, 0xFFFF))
	if got := hub.texts(p); got[len(got)-1] != MsgUnknownBlock {
		t.Fatalf("unregistered block reply = %q", got[len(got)-1])
	}
}

func TestTextIsPrefixedAndBroadcast(t *testing.T) {
	d, _ := newTestDispatcher()
	hub, peers := newFakeHub(3)

	d.Handle(hub, peers[0], &protocol.Text{Recipient: protocol.RecipientAll, Text: "hi"})
	for _, p := range peers {
		if got := hub.texts(p); len(got) != 1 || got[0] != "1: hi" {
			t.Fatalf("peer %d got %q", p.ID(), got)
		}
	}

	login(t, d, hub, peers[1], "bob", "builder99")
	d.Handle(hub, peers[1], &protocol.Text{Recipient: protocol.RecipientAll, Text: "yo"})
	if got := hub.texts(peers[2]); got[len(got)-1] != "bob: yo" {
		t.Fatalf("got %q", got)
	}
}

func TestDirectMessage(t *testing.T) {
	d, _ := newTestDispatcher()
	hub, peers := newFakeHub(3)

	d.Handle(hub, peers[0], &protocol.Text{Recipient: uint16(peers[2].ID()), Text: "psst"})

	if got := hub.texts(peers[2]); len(got) != 1 || got[0] != "1: psst" {
		t.Fatalf("recipient got %q", got)
	}
	if got := hub.texts(peers[0]); len(got) != 1 {
		t.Fatalf("sender echo = %q", got)
	}
	if got := hub.texts(peers[1]); len(got) != 0 {
		t.Fatalf("bystander got %q", got)
	}

	d.Handle(hub, peers[0], &protocol.Text{Recipient: 999, Text: "anyone?"})
	if got := hub.texts(peers[0]); got[len(got)-1] != MsgNoSuchUser {
		t.Fatalf("got %q", got)
	}
}

func TestChatFloodControl(t *testing.T) {
	d, _ := newTestDispatcher()
	d.cfg.Server.ChatRate = 0.001
	d.cfg.Server.ChatBurst = 2
	hub, peers := newFakeHub(1)
	p := peers[0]

	for i := 0; i < 3; i++ {
		d.Handle(hub, p, &protocol.Text{Recipient: protocol.RecipientAll, Text: "spam"})
	}

	got := hub.texts(p)
	if len(got) != 3 || got[2] != MsgSlowDown {
		t.Fatalf("got %q", got)
	}

	d.Disconnected(hub, p, network.ReasonClosed)
	if _, ok := d.peers[p.ID()]; ok {
		t.Fatal("limiter not released on disconnect")
	}
}

func TestConnectedSendsGreeting(t *testing.T) {
	d, _ := newTestDispatcher()
	hub, peers := newFakeHub(1)

	d.Connected(hub, peers[0])

	want := d.cfg.Greeting()
	if got := hub.texts(peers[0]); len(got) != 1 || got[0] != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

// gatedCreds accepts every login once release is closed.
type gatedCreds struct {
	release chan struct{}
}

func (c gatedCreds) Authenticate(ctx context.Context, name, _ string) (db.Account, error) {
	select {
	case <-c.release:
		return db.Account{ID: 7, Name: name}, nil
	case <-ctx.Done():
		return db.Account{}, ctx.Err()
	}
}

func TestLoginWhileLookupPending(t *testing.T) {
	d, _ := newTestDispatcher()
	creds := gatedCreds{release: make(chan struct{})}
	d.creds = creds
	hub, peers := newFakeHub(1)
	p := peers[0]

	d.Handle(hub, p, &protocol.Login{Name: "alice", Password: "wonderland"})
	d.Handle(hub, p, &protocol.Login{Name: "alice", Password: "wonderland"})
	if got := hub.texts(p); len(got) != 1 || got[0] != MsgSlowDown {
		t.Fatalf("second login during lookup got %q", got)
	}

	close(creds.release)
	hub.settle(t, d)
	if !p.Authenticated() {
		t.Fatal("pending login was not applied")
	}
}

func TestLoginAttemptsAreRateLimited(t *testing.T) {
	d, _ := newTestDispatcher()
	hub, peers := newFakeHub(1)
	p := peers[0]

	for i := 0; i < loginBurst; i++ {
		login(t, d, hub, p, "alice", "wrong-password")
	}
	login(t, d, hub, p, "alice", "wonderland")

	got := hub.texts(p)
	if len(got) != loginBurst+1 || got[loginBurst] != MsgSlowDown {
		t.Fatalf("replies = %q", got)
	}
	if p.Authenticated() {
		t.Fatal("login past the limit was checked")
	}
}

func TestLoginResultForDepartedPeer(t *testing.T) {
	d, _ := newTestDispatcher()
	creds := gatedCreds{release: make(chan struct{})}
	d.creds = creds
	hub, peers := newFakeHub(2)
	p := peers[0]

	d.Handle(hub, p, &protocol.Login{Name: "alice", Password: "wonderland"})
	hub.Disconnect(p, network.ReasonClosed)
	d.Disconnected(hub, p, network.ReasonClosed)

	close(creds.release)
	select {
	case fn := <-hub.posts:
		fn(hub)
	case <-time.After(5 * time.Second):
		t.Fatal("login lookup never completed")
	}

	if p.Authenticated() {
		t.Fatal("login applied to a closed peer")
	}
	if hub.FindByUser(7) != nil {
		t.Fatal("account bound after its peer left")
	}
	if len(hub.sent[p.ID()]) != 0 {
		t.Fatal("reply sent to a closed peer")
	}
}

func TestRepliesToUnaddressablePeers(t *testing.T) {
	d, _ := newTestDispatcher()
	hub, _ := newFakeHub(0)

	// use up every id that fits below the broadcast sentinel
	for i := 0; i < int(protocol.RecipientMax); i++ {
		p, err := hub.reg.Register(0, nil)
		if err != nil {
			t.Fatal(err)
		}
		hub.reg.RemoveByID(p.ID())
	}

	var peers []*network.Peer
	for i := 0; i < 3; i++ {
		p, err := hub.reg.Register(i, nil)
		if err != nil {
			t.Fatal(err)
		}
		peers = append(peers, p)
	}
	if peers[0].ID() != uint64(protocol.RecipientAll) {
		t.Fatalf("first id = %#x", peers[0].ID())
	}

	for _, p := range peers {
		d.Handle(hub, p, &protocol.Query{Opcode: protocol.QueryWho})
		reply := hub.last(p).(*protocol.Text)
		if reply.Recipient != protocol.RecipientNone {
			t.Fatalf("reply to %#x addressed to %#x", p.ID(), reply.Recipient)
		}
	}

	// 0x10001 truncates to 1, which must not reach anyone
	d.Handle(hub, peers[0], &protocol.Text{Recipient: 1, Text: "hi"})
	if got := hub.texts(peers[2]); got[len(got)-1] == "65535: hi" {
		t.Fatal("direct message aliased onto a large id")
	}
	if got := hub.texts(peers[0]); got[len(got)-1] != MsgNoSuchUser {
		t.Fatalf("sender got %q", got)
	}

	d.Handle(hub, peers[0], &protocol.Text{Recipient: protocol.RecipientNone, Text: "hi"})
	if got := hub.texts(peers[0]); got[len(got)-1] != MsgNoSuchUser {
		t.Fatalf("sender got %q", got)
	}
}
