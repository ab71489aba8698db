package app

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxelnet-project/voxelnet/internal/client"
	"github.com/voxelnet-project/voxelnet/internal/protocol"
	"github.com/voxelnet-project/voxelnet/internal/world"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeServer accepts one connection, writes the greeting packets and records
// everything the shell sends.
func fakeServer(t *testing.T, greeting ...protocol.Packet) (string, <-chan protocol.Packet, <-chan net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	var conns []net.Conn
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	got := make(chan protocol.Packet, 16)
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
		for _, pkt := range greeting {
			if err := protocol.WritePacket(conn, pkt); err != nil {
				return
			}
		}
		accepted <- conn
		for {
			pkt, err := protocol.ReadPacket(conn)
			if err != nil {
				return
			}
			got <- pkt
		}
	}()
	return ln.Addr().String(), got, accepted
}

func startShell(t *testing.T, addr string) (*io.PipeWriter, *syncBuffer, <-chan error) {
	t.Helper()

	c, err := client.Dial(context.Background(), addr, client.Options{Attempts: 1})
	if err != nil {
		t.Fatal(err)
	}

	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- NewShell(c, bufio.NewReader(pr), out).Run(context.Background()) }()
	return pw, out, done
}

func waitForOutput(t *testing.T, out *syncBuffer, want string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("output never contained %q:\n%s", want, out.String())
}

func receive(t *testing.T, got <-chan protocol.Packet) protocol.Packet {
	t.Helper()

	select {
	case pkt := <-got:
		return pkt
	case <-time.After(5 * time.Second):
		t.Fatal("server received nothing")
		return nil
	}
}

func waitForExit(t *testing.T, done <-chan error) {
	t.Helper()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not exit")
	}
}

func TestShellSendsCommands(t *testing.T) {
	chunk := &protocol.Chunk{}
	chunk.Blocks[0] = world.Stone
	chunk.Blocks[7] = world.Glass

	addr, got, _ := fakeServer(t, protocol.NewServerText(1, "welcome to voxelnet"), chunk)
	in, out, done := startShell(t, addr)

	io.WriteString(in, "say hello  world\ntell 3 psst\nwho\nput 1 2 3 4\nlogin alice\nwonderland\n")

	want := []protocol.Packet{
		&protocol.Text{Recipient: protocol.RecipientAll, Type: protocol.TextUser, Text: "hello  world"},
		&protocol.Text{Recipient: 3, Type: protocol.TextUser, Text: "psst"},
		&protocol.Query{Opcode: protocol.QueryWho},
		protocol.NewPut(1, 2, 3, 4),
		&protocol.Login{Name: "alice", Password: "wonderland"},
	}
	for i, w := range want {
		if pkt := receive(t, got); !reflect.DeepEqual(pkt, w) {
			t.Fatalf("packet %d = %#v, want %#v", i, pkt, w)
		}
	}

	waitForOutput(t, out, "* welcome to voxelnet")
	waitForOutput(t, out, "[chunk 0,0,0: 2 solid blocks]")

	io.WriteString(in, "quit\n")
	waitForExit(t, done)
}

func TestShellRejectsBadInput(t *testing.T) {
	addr, got, _ := fakeServer(t)
	in, out, done := startShell(t, addr)

	io.WriteString(in, "put 1 2\ntell x hi\nlogin bob\nshort\nfrobnicate\n\nwho\n")

	// nothing before the who query reached the wire
	if pkt := receive(t, got); !reflect.DeepEqual(pkt, &protocol.Query{Opcode: protocol.QueryWho}) {
		t.Fatalf("first packet = %#v", pkt)
	}

	for _, want := range []string{
		"usage: put <z> <y> <x> <block>",
		`invalid peer id "x"`,
		"password must be 8-63 bytes",
		"Unknown command: 'frobnicate'",
	} {
		waitForOutput(t, out, want)
	}

	in.Close()
	waitForExit(t, done)
}

func TestShellServerHangsUp(t *testing.T) {
	addr, _, accepted := fakeServer(t)
	_, out, done := startShell(t, addr)

	conn := <-accepted
	conn.Close()

	waitForExit(t, done)
	if !strings.Contains(out.String(), "Server closed the connection") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRestOf(t *testing.T) {
	tests := []struct {
		line string
		n    int
		want string
	}{
		{"say hi there", 1, "hi there"},
		{"  tell 4   spaced  out ", 2, "spaced  out"},
		{"who", 1, ""},
	}
	for _, tt := range tests {
		if got := restOf(tt.line, tt.n); got != tt.want {
			t.Errorf("restOf(%q, %d) = %q, want %q", tt.line, tt.n, got, tt.want)
		}
	}
}
