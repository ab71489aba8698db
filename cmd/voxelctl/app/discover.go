package app

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/voxelnet-project/voxelnet/internal/config"
	"github.com/voxelnet-project/voxelnet/internal/network"
	"github.com/voxelnet-project/voxelnet/internal/protocol"
)

func discoverCmd() *cli.Command {
	port := config.DefaultDiscoveryPort
	target := "255.255.255.255"
	timeout := 2 * time.Second
	return &cli.Command{
		Name:  "discover",
		Usage: "List voxelnet servers on the local network",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "port",
				Aliases:     []string{"p"},
				Usage:       "Discovery port servers listen on",
				Destination: &port,
				Value:       port,
			},
			&cli.StringFlag{
				Name:        "target",
				Usage:       "Address to query; a unicast address asks one host",
				Destination: &target,
				Value:       target,
			},
			&cli.DurationFlag{
				Name:        "timeout",
				Aliases:     []string{"t"},
				Usage:       "How long to collect replies",
				Destination: &timeout,
				Value:       timeout,
			},
		},
		Action: func(ctx *cli.Context) error {
			found, err := network.Discover(ctx.Context, fmt.Sprintf("%s:%d", target, port), timeout)
			if err != nil {
				return err
			}
			printServers(ctx.App.Writer, found)
			return nil
		},
	}
}

func printServers(w io.Writer, servers []protocol.ServerInfo) {
	if len(servers) == 0 {
		fmt.Fprintln(w, "No servers answered")
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Host", "Port", "Online", "MOTD"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, s := range servers {
		table.Append([]string{
			s.Hostname,
			strconv.Itoa(int(s.Port)),
			fmt.Sprintf("%d/%d", s.Online, s.Capacity),
			s.MOTD,
		})
	}
	table.Render()
}
