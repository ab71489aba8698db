package cli

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voxelnet-project/voxelnet/internal/config"
	"github.com/voxelnet-project/voxelnet/internal/events"
	"github.com/voxelnet-project/voxelnet/internal/metrics"
	"github.com/voxelnet-project/voxelnet/internal/network"
	"github.com/voxelnet-project/voxelnet/internal/protocol"
	"github.com/voxelnet-project/voxelnet/internal/world"
)

type nopHandler struct{}

func (nopHandler) Connected(network.Hub, *network.Peer)               {}
func (nopHandler) Handle(network.Hub, *network.Peer, protocol.Packet) {}
func (nopHandler) Disconnected(network.Hub, *network.Peer, string)    {}

func newTestCLI(t *testing.T) (*CLI, *network.Reactor, *bytes.Buffer) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.ListenAddress = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.MaxPeers = 4

	r := network.NewReactor(cfg.Server, nopHandler{}, nil, metrics.New(prometheus.NewRegistry()))
	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Listen(ctx); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	bus := events.NewEventBus()
	t.Cleanup(func() {
		cancel()
		<-done
		bus.Stop()
	})

	out := &bytes.Buffer{}
	c := NewCLI(cfg, bus, r, world.New(nil))
	c.in = strings.NewReader("")
	c.out = out
	return c, r, out
}

func dialPeer(t *testing.T, r *network.Reactor) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", r.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var n int
		r.Call(context.Background(), func(h network.Hub) { n = h.Len() })
		if n > 0 {
			return conn
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("peer never registered")
	return nil
}

func TestWho(t *testing.T) {
	c, r, out := newTestCLI(t)
	ctx := context.Background()

	if err := c.execute(ctx, "who", nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "No peers connected") {
		t.Fatalf("output = %q", out.String())
	}

	dialPeer(t, r)
	out.Reset()
	if err := c.execute(ctx, "who", nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "connecting") || !strings.Contains(out.String(), "127.0.0.1") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestKick(t *testing.T) {
	c, r, _ := newTestCLI(t)
	conn := dialPeer(t, r)

	if err := c.execute(context.Background(), "kick", []string{"42"}); err == nil {
		t.Fatal("kicking an unknown id succeeded")
	}
	if err := c.execute(context.Background(), "kick", []string{"1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("kicked connection still open")
	}
}

func TestUsageErrors(t *testing.T) {
	c, _, _ := newTestCLI(t)

	for _, cmd := range []string{"say", "kick"} {
		if err := c.execute(context.Background(), cmd, nil); !errors.Is(err, errUsage) {
			t.Errorf("%s: err = %v", cmd, err)
		}
	}
	if err := c.execute(context.Background(), "say", []string{strings.Repeat("x", protocol.MessageSize)}); err == nil {
		t.Error("oversized say accepted")
	}
}

func TestMOTD(t *testing.T) {
	c, _, out := newTestCLI(t)

	if err := c.execute(context.Background(), "motd", []string{"mind", "the", "lava"}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(c.cfg.Greeting(), ": mind the lava") {
		t.Fatalf("greeting = %q", c.cfg.Greeting())
	}
	if !strings.Contains(out.String(), "mind the lava") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestQuitEmitsShutdown(t *testing.T) {
	c, _, _ := newTestCLI(t)

	got := make(chan events.Event, 1)
	c.eventBus.Subscribe(events.EventShutdown, "test", func(_ context.Context, e events.Event) error {
		got <- e
		return nil
	})

	if err := c.execute(context.Background(), "quit", nil); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-got:
		if e.Source != "cli" {
			t.Fatalf("source = %q", e.Source)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no shutdown event")
	}
}

func TestStartRunsScript(t *testing.T) {
	c, _, out := newTestCLI(t)
	c.in = strings.NewReader("status\n\nbogus\n")

	c.Start(context.Background())

	if !strings.Contains(out.String(), "Peers:   0/4") {
		t.Fatalf("output = %q", out.String())
	}
	if !strings.Contains(out.String(), "Unknown command: 'bogus'") {
		t.Fatalf("output = %q", out.String())
	}
}
