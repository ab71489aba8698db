package client

import (
	"context"
	"errors"
	"io"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/voxelnet-project/voxelnet/internal/protocol"
)

// listen starts a one-connection server running serve.
func listen(t *testing.T, serve func(net.Conn)) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		serve(conn)
	}()
	return ln.Addr().String()
}

func receive(t *testing.T, c *Client) protocol.Packet {
	t.Helper()
	select {
	case pkt, ok := <-c.Inbound():
		if !ok {
			t.Fatalf("inbound closed: %v", c.Err())
		}
		return pkt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a packet")
		return nil
	}
}

func TestRoundTrip(t *testing.T) {
	got := make(chan []protocol.Packet, 1)
	addr := listen(t, func(conn net.Conn) {
		var pkts []protocol.Packet
		for i := 0; i < 4; i++ {
			pkt, err := protocol.ReadPacket(conn)
			if err != nil {
				break
			}
			pkts = append(pkts, pkt)
		}
		got <- pkts
		protocol.WritePacket(conn, protocol.NewServerText(1, "online: 1"))
	})

	c, err := Dial(context.Background(), addr, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx := context.Background()
	c.Login(ctx, "alice", "wonderland")
	c.Say(ctx, "hi")
	c.Put(ctx, 1, 2, 3, 4)
	c.Who(ctx)

	want := []protocol.Packet{
		&protocol.Login{Name: "alice", Password: "wonderland"},
		&protocol.Text{Recipient: protocol.RecipientAll, Type: protocol.TextUser, Text: "hi"},
		protocol.NewPut(1, 2, 3, 4),
		&protocol.Query{Opcode: protocol.QueryWho},
	}
	if pkts := <-got; !reflect.DeepEqual(pkts, want) {
		t.Fatalf("server got %#v", pkts)
	}

	reply, ok := receive(t, c).(*protocol.Text)
	if !ok || reply.Text != "online: 1" {
		t.Fatalf("reply = %#v", reply)
	}
}

func TestInboundClosesWhenServerHangsUp(t *testing.T) {
	addr := listen(t, func(conn net.Conn) {})

	c, err := Dial(context.Background(), addr, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	select {
	case _, ok := <-c.Inbound():
		if ok {
			t.Fatal("unexpected packet")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("inbound never closed")
	}

	if !errors.Is(c.Err(), io.EOF) {
		t.Fatalf("err = %v, want EOF", c.Err())
	}
	if err := c.Say(context.Background(), "anyone?"); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after hang-up: %v", err)
	}
	c.Wait()
}

func TestDialGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	start := time.Now()
	_, err = Dial(context.Background(), addr, Options{Attempts: 3, Delay: 20 * time.Millisecond})
	if err == nil {
		t.Fatal("dial to a closed port succeeded")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("gave up after %v, expected two delays", elapsed)
	}
}

func TestDialHonoursContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = Dial(ctx, addr, Options{Attempts: 10, Delay: time.Second})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestCloseStopsWorkers(t *testing.T) {
	addr := listen(t, func(conn net.Conn) { io.Copy(io.Discard, conn) })

	c, err := Dial(context.Background(), addr, Options{})
	if err != nil {
		t.Fatal(err)
	}
	c.Close()

	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workers still running after Close")
	}
	if c.Err() != nil {
		t.Fatalf("local close recorded an error: %v", c.Err())
	}
}
