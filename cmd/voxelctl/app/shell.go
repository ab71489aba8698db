package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/voxelnet-project/voxelnet/internal/client"
	"github.com/voxelnet-project/voxelnet/internal/protocol"
	"github.com/voxelnet-project/voxelnet/internal/world"
)

const shellPrompt = "> "

var errUsage = errors.New("usage")

// Shell reads commands from a terminal and turns them into packets. Server
// traffic is printed as it arrives.
type Shell struct {
	client *client.Client
	in     *bufio.Reader

	// password reads a secret; nil reads a plain line.
	password func() (string, error)

	mu  sync.Mutex
	out io.Writer
}

func NewShell(c *client.Client, in *bufio.Reader, out io.Writer) *Shell {
	return &Shell{client: c, in: in, out: out}
}

// terminalPassword reads without echo when stdin is a terminal.
func terminalPassword(s *Shell) func() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	return func() (string, error) {
		b, err := term.ReadPassword(fd)
		s.printf("\n")
		return string(b), err
	}
}

// Run processes commands until quit, end of input, ctx cancellation or the
// server hanging up. The client is closed on return.
func (s *Shell) Run(ctx context.Context) error {
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		s.printInbound()
	}()

	err := s.loop(ctx)

	s.client.Close()
	<-printed
	s.client.Wait()

	if err == nil {
		err = s.client.Err()
	}
	if errors.Is(err, io.EOF) {
		s.printf("Server closed the connection\n")
		return nil
	}
	return err
}

func (s *Shell) loop(ctx context.Context) error {
	for {
		s.printf(shellPrompt)
		line, err := s.readLine(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, client.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		cmd, args := strings.ToLower(fields[0]), fields[1:]
		if cmd == "quit" || cmd == "exit" || cmd == "q" {
			return nil
		}

		if err := s.execute(ctx, cmd, args, line); err != nil {
			if errors.Is(err, client.ErrClosed) {
				return nil
			}
			s.printf("Error: %v\n", err)
		}
	}
}

type lineResult struct {
	line string
	err  error
}

// readLine waits for one input line while still noticing ctx and a dead
// connection.
func (s *Shell) readLine(ctx context.Context) (string, error) {
	ch := make(chan lineResult, 1)
	go func() {
		line, err := s.in.ReadString('\n')
		if err == io.EOF && line != "" {
			err = nil
		}
		ch <- lineResult{strings.TrimRight(line, "\r\n"), err}
	}()

	select {
	case r := <-ch:
		return r.line, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.client.Done():
		return "", client.ErrClosed
	}
}

func (s *Shell) execute(ctx context.Context, cmd string, args []string, line string) error {
	switch cmd {
	case "help", "h", "?":
		s.printHelp()
		return nil

	case "say":
		if len(args) == 0 {
			return fmt.Errorf("%w: say <text>", errUsage)
		}
		return s.client.Say(ctx, checkText(restOf(line, 1)))

	case "tell":
		if len(args) < 2 {
			return fmt.Errorf("%w: tell <id> <text>", errUsage)
		}
		id, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil {
			return fmt.Errorf("invalid peer id %q", args[0])
		}
		return s.client.Whisper(ctx, uint16(id), checkText(restOf(line, 2)))

	case "who":
		return s.client.Who(ctx)

	case "put":
		if len(args) != 4 {
			return fmt.Errorf("%w: put <z> <y> <x> <block>", errUsage)
		}
		var v [4]uint16
		for i, a := range args {
			n, err := strconv.ParseUint(a, 10, 16)
			if err != nil {
				return fmt.Errorf("invalid number %q", a)
			}
			v[i] = uint16(n)
		}
		return s.client.Put(ctx, v[0], v[1], v[2], v[3])

	case "login":
		return s.login(ctx, args)

	default:
		s.printf("Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
		return nil
	}
}

func (s *Shell) login(ctx context.Context, args []string) error {
	var name string
	if len(args) > 0 {
		name = args[0]
	} else {
		s.printf("name: ")
		var err error
		if name, err = s.readLine(ctx); err != nil {
			return err
		}
	}
	if name == "" || len(name) >= protocol.NameSize {
		return fmt.Errorf("name must be 1-%d bytes", protocol.NameSize-1)
	}

	s.printf("password: ")
	read := s.password
	if read == nil {
		read = func() (string, error) { return s.readLine(ctx) }
	}
	password, err := read()
	if err != nil {
		return err
	}
	if len(password) < protocol.PasswordMin || len(password) >= protocol.PasswordSize {
		return fmt.Errorf("password must be %d-%d bytes", protocol.PasswordMin, protocol.PasswordSize-1)
	}

	return s.client.Login(ctx, name, password)
}

// printInbound prints server traffic until the inbound channel closes.
func (s *Shell) printInbound() {
	for pkt := range s.client.Inbound() {
		switch pkt := pkt.(type) {
		case *protocol.Text:
			if pkt.Type == protocol.TextServer {
				s.printf("\r* %s\n", pkt.Text)
			} else {
				s.printf("\r%s\n", pkt.Text)
			}
		case *protocol.Chunk:
			solid := 0
			for _, b := range pkt.Blocks {
				if b != world.Air {
					solid++
				}
			}
			s.printf("\r[chunk %d,%d,%d: %d solid blocks]\n", pkt.X, pkt.Y, pkt.Z, solid)
		}
	}
}

func (s *Shell) printHelp() {
	s.printf(`Commands:
  say <text>              Chat with everyone
  tell <id> <text>        Chat with one peer
  who                     Ask how many peers are online
  put <z> <y> <x> <id>    Place a block (requires login)
  login [name]            Authenticate; the password is prompted
  help                    Show this help
  quit                    Leave
`)
}

func (s *Shell) printf(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

// restOf returns line with its first n words removed, keeping inner spacing.
func restOf(line string, n int) string {
	rest := strings.TrimSpace(line)
	for i := 0; i < n; i++ {
		idx := strings.IndexAny(rest, " \t")
		if idx < 0 {
			return ""
		}
		rest = strings.TrimLeft(rest[idx:], " \t")
	}
	return rest
}

// checkText truncates text to what fits in one message.
func checkText(text string) string {
	if len(text) >= protocol.MessageSize {
		return text[:protocol.MessageSize-1]
	}
	return text
}
