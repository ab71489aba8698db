package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/voxelnet-project/voxelnet/internal/client"
	"github.com/voxelnet-project/voxelnet/internal/config"
	"github.com/voxelnet-project/voxelnet/internal/protocol"
)

func dialFlags(addr *string, attempts *int, delay *time.Duration) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Aliases:     []string{"a"},
			Usage:       "Server address",
			EnvVars:     []string{"VOXELCTL_ADDR"},
			Destination: addr,
			Value:       *addr,
		},
		&cli.IntFlag{
			Name:        "attempts",
			Usage:       "Connection attempts before giving up",
			Destination: attempts,
			Value:       *attempts,
		},
		&cli.DurationFlag{
			Name:        "delay",
			Usage:       "Pause between connection attempts",
			Destination: delay,
			Value:       *delay,
		},
	}
}

func connectCmd() *cli.Command {
	addr := fmt.Sprintf("127.0.0.1:%d", config.DefaultPort)
	attempts := client.DefaultAttempts
	delay := client.DefaultDelay
	return &cli.Command{
		Name:  "connect",
		Usage: "Open an interactive session",
		Flags: dialFlags(&addr, &attempts, &delay),
		Action: func(ctx *cli.Context) error {
			c, err := client.Dial(ctx.Context, addr, client.Options{Attempts: attempts, Delay: delay})
			if err != nil {
				return err
			}
			fmt.Fprintf(ctx.App.Writer, "Connected to %s. Type 'help' for commands.\n", addr)

			sh := NewShell(c, bufio.NewReader(os.Stdin), ctx.App.Writer)
			sh.password = terminalPassword(sh)
			return sh.Run(ctx.Context)
		},
	}
}

// whoCmd asks once for the online count and exits.
func whoCmd() *cli.Command {
	addr := fmt.Sprintf("127.0.0.1:%d", config.DefaultPort)
	attempts := client.DefaultAttempts
	delay := client.DefaultDelay
	timeout := 3 * time.Second
	flags := append(dialFlags(&addr, &attempts, &delay), &cli.DurationFlag{
		Name:        "timeout",
		Usage:       "How long to wait for the answer",
		Destination: &timeout,
		Value:       timeout,
	})
	return &cli.Command{
		Name:  "who",
		Usage: "Print how many peers are online",
		Flags: flags,
		Action: func(ctx *cli.Context) error {
			c, err := client.Dial(ctx.Context, addr, client.Options{Attempts: attempts, Delay: delay})
			if err != nil {
				return err
			}
			defer c.Close()

			qctx, cancel := context.WithTimeout(ctx.Context, timeout)
			defer cancel()

			text, err := askWho(qctx, c)
			if err != nil {
				return err
			}
			fmt.Fprintln(ctx.App.Writer, text)
			return nil
		},
	}
}

// askWho sends a who query and returns the first server notice that answers
// it. The greeting sent on connect is skipped.
func askWho(ctx context.Context, c *client.Client) (string, error) {
	if err := c.Who(ctx); err != nil {
		return "", err
	}
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("no answer from server: %w", ctx.Err())
		case pkt, ok := <-c.Inbound():
			if !ok {
				if err := c.Err(); err != nil {
					return "", err
				}
				return "", errors.New("server closed the connection")
			}
			t, isText := pkt.(*protocol.Text)
			if isText && t.Type == protocol.TextServer && strings.HasPrefix(t.Text, "online: ") {
				return t.Text, nil
			}
		}
	}
}
