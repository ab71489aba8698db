// Package cli implements the operator console of the session server. It
// reads commands from standard input and runs them against the reactor.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/voxelnet-project/voxelnet/internal/config"
	"github.com/voxelnet-project/voxelnet/internal/events"
	"github.com/voxelnet-project/voxelnet/internal/network"
	"github.com/voxelnet-project/voxelnet/internal/protocol"
	"github.com/voxelnet-project/voxelnet/internal/world"
)

const callTimeout = 2 * time.Second

var errUsage = errors.New("usage")

// Reactor serializes access to the session state.
type Reactor interface {
	Call(ctx context.Context, fn func(network.Hub)) error
}

// CLI provides the interactive console.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	reactor  Reactor
	world    *world.World

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console on standard input and output.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, reactor Reactor, w *world.World) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		reactor:  reactor,
		world:    w,
		in:       os.Stdin,
		out:      os.Stdout,
	}
}

// Start runs the console until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nvoxelnet console ready. Type 'help' for available commands.")

	// stdin reads cannot be interrupted, so they happen off the loop
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "voxelnet> ")

		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		if err := c.execute(ctx, cmd, args); err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
	}
}

func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "who", "w":
		return c.cmdWho(ctx)
	case "status", "s":
		return c.cmdStatus(ctx)
	case "say":
		return c.cmdSay(ctx, args)
	case "kick":
		return c.cmdKick(ctx, args)
	case "motd":
		return c.cmdMOTD(args)
	case "save":
		return c.cmdSave(ctx)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down voxelnet...")
		c.emit(ctx, events.EventShutdown, nil)
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
  who               List connected peers
  status            Show reactor counters
  say <message>     Broadcast a server message
  kick <id>         Disconnect a peer by id
  motd <text>       Change the greeting for new connections
  save              Write the world to the database
  quit              Shut the server down
  help              Show this help message`)
}

func (c *CLI) call(ctx context.Context, fn func(network.Hub)) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return c.reactor.Call(ctx, fn)
}

func (c *CLI) cmdWho(ctx context.Context) error {
	var rows [][]string
	err := c.call(ctx, func(h network.Hub) {
		for _, p := range h.Peers() {
			user := p.Username()
			if user == "" {
				user = "-"
			}
			rows = append(rows, []string{
				strconv.FormatUint(p.ID(), 10),
				strconv.Itoa(p.Handle()),
				user,
				p.State().String(),
				p.RemoteAddr(),
				time.Since(p.ConnectedAt()).Truncate(time.Second).String(),
			})
		}
	})
	if err != nil {
		return err
	}

	if len(rows) == 0 {
		fmt.Fprintln(c.out, "No peers connected")
		return nil
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"ID", "Handle", "User", "State", "Remote", "Connected"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	tw.AppendBulk(rows)
	tw.Render()
	return nil
}

func (c *CLI) cmdStatus(ctx context.Context) error {
	var (
		stats  network.Stats
		blocks int
	)
	if err := c.call(ctx, func(h network.Hub) {
		stats = h.Stats()
		blocks = c.world.Count()
	}); err != nil {
		return err
	}

	fmt.Fprintf(c.out, "  Peers:   %d/%d\n", stats.Peers, stats.Capacity)
	fmt.Fprintf(c.out, "  Queued:  %d/%d\n", stats.Queued, stats.QueueCap)
	fmt.Fprintf(c.out, "  Blocks:  %d\n", blocks)
	fmt.Fprintf(c.out, "  Uptime:  %s\n", stats.Uptime.Truncate(time.Second))
	return nil
}

func (c *CLI) cmdSay(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: say <message>", errUsage)
	}
	msg := strings.Join(args, " ")
	if len(msg) >= protocol.MessageSize {
		return fmt.Errorf("message longer than %d bytes", protocol.MessageSize-1)
	}

	var delivered int
	if err := c.call(ctx, func(h network.Hub) {
		delivered = h.Broadcast(protocol.NewServerText(protocol.RecipientAll, msg))
	}); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Sent to %d peers\n", delivered)
	return nil
}

func (c *CLI) cmdKick(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: kick <id>", errUsage)
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid peer id: %s", args[0])
	}

	found := false
	if err := c.call(ctx, func(h network.Hub) {
		if p := h.FindByID(id); p != nil {
			found = true
			h.Disconnect(p, network.ReasonKicked)
		}
	}); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no peer with id %d", id)
	}

	log.Info().Str("component", "cli").Uint64("peer_id", id).Msg("peer kicked from console")
	fmt.Fprintf(c.out, "Kicked peer %d\n", id)
	return nil
}

func (c *CLI) cmdMOTD(args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(c.out, c.cfg.Greeting())
		return nil
	}
	motd := strings.Join(args, " ")
	if len(motd) > config.MaxMOTDLength {
		return fmt.Errorf("motd longer than %d bytes", config.MaxMOTDLength)
	}

	c.cfg.SetMOTD(motd)
	if c.cfg.Path() != "" {
		if err := c.cfg.Save(); err != nil {
			return err
		}
	}
	c.emit(context.Background(), events.EventConfigChanged, map[string]string{"motd": motd})
	fmt.Fprintf(c.out, "Greeting is now %q\n", c.cfg.Greeting())
	return nil
}

func (c *CLI) cmdSave(ctx context.Context) error {
	var (
		blocks  int
		saveErr error
	)
	if err := c.call(ctx, func(network.Hub) {
		blocks = c.world.Count()
		saveErr = c.world.Save(ctx)
	}); err != nil {
		return err
	}
	if saveErr != nil {
		return saveErr
	}

	c.emit(ctx, events.EventWorldSaved, events.StatsPayload{Blocks: blocks})
	fmt.Fprintf(c.out, "World saved (%d blocks)\n", blocks)
	return nil
}

func (c *CLI) emit(ctx context.Context, t events.EventType, payload interface{}) {
	if c.eventBus == nil {
		return
	}
	c.eventBus.Emit(ctx, events.Event{Type: t, Source: "cli", Payload: payload})
}
