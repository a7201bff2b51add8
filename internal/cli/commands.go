// Package cli implements the interactive ConnectServer console.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/mu-connect/connectserver/internal/events"
	"github.com/mu-connect/connectserver/internal/server"
)

// CLI provides an interactive command-line interface.
type CLI struct {
	srv *server.Server
	bus *events.Bus
	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading stdin and writing stdout.
func NewCLI(srv *server.Server, bus *events.Bus) *CLI {
	return &CLI{
		srv: srv,
		bus: bus,
		in:  os.Stdin,
		out: os.Stdout,
	}
}

// Start reads commands line by line until ctx is cancelled or input ends.
// End of input stops the console, not the server.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nConnectServer console ready. Type 'help' for available commands.")

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
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				log.Debug().Msg("console input closed")
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			if err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// execute processes a single console command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "?":
		c.printHelp()
	case "status":
		c.printStatus()
	case "servers":
		c.printServers(args)
	case "clients":
		c.printClients()
	case "kick":
		return c.cmdKick(args)
	case "reload":
		return c.cmdReload()
	case "export":
		return c.cmdExport(args)
	case "log":
		return c.cmdLog(args)
	case "clear", "cls":
		fmt.Fprint(c.out, "\033[H\033[2J")
	case "exit", "quit":
		fmt.Fprintln(c.out, "Shutting down ConnectServer...")
		c.bus.Emit(ctx, events.Event{
			Type:    events.EventShutdown,
			Source:  "cli",
			Payload: events.ShutdownPayload{Reason: "console " + cmd},
		})
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Command", "Description"})
	tw.SetAutoWrapText(false)
	tw.AppendBulk([][]string{
		{"help | ?", "Show this help message"},
		{"status", "Show clients, slots and catalog state"},
		{"servers [code]", "List the server catalog or one entry"},
		{"clients", "List connected clients"},
		{"kick <slot>", "Disconnect the client in a slot"},
		{"reload", "Reload the server list"},
		{"export <path>", "Write the catalog to an SQLite database"},
		{"log tcp_recv on|off", "Trace received TCP frames"},
		{"log tcp_send on|off", "Trace sent TCP frames"},
		{"clear | cls", "Clear the screen"},
		{"exit | quit", "Shut the ConnectServer down"},
	})
	tw.Render()
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func (c *CLI) printStatus() {
	st := c.srv.Status()

	join := "offline"
	if st.JoinServer.Alive {
		join = fmt.Sprintf("online (queue %d)", st.JoinServer.QueueSize)
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Field", "Value"})
	tw.SetAutoWrapText(false)
	tw.AppendBulk([][]string{
		{"Running", strconv.FormatBool(st.Running)},
		{"Uptime", st.Uptime},
		{"Clients", strconv.Itoa(st.Clients)},
		{"Free slots", fmt.Sprintf("%d / %d", st.FreeSlots, st.Capacity)},
		{"Ports", fmt.Sprintf("tcp %d, udp %d", st.TCPPort, st.UDPPort)},
		{"Server list", st.Source},
		{"JoinServer", join},
		{"Lists served", strconv.FormatBool(st.Available)},
		{"Servers", fmt.Sprintf("%d alive, %d visible, %d total", st.Servers.Alive, st.Servers.Visible, st.Servers.Total)},
		{"Trace", fmt.Sprintf("tcp_recv %s, tcp_send %s", onOff(st.TraceRecv), onOff(st.TraceSend))},
		{"Process", fmt.Sprintf("pid %d, cpu %.1f%%, rss %d MB", st.Process.PID, st.Process.CPUPercent, st.Process.RSSMB)},
	})
	tw.Render()
}

func (c *CLI) printServers(args []string) {
	entries := c.srv.Servers()
	if len(args) > 0 {
		code, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil {
			fmt.Fprintf(c.out, "Invalid server code: %s\n", args[0])
			return
		}
		e, err := c.srv.Server(uint16(code))
		if err != nil {
			fmt.Fprintf(c.out, "Server %d not found\n", code)
			return
		}
		entries = entries[:0]
		entries = append(entries, e)
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Code", "Name", "Address", "Port", "Visible", "Alive", "Users", "Max"})
	tw.SetAutoWrapText(false)
	for _, e := range entries {
		tw.Append([]string{
			strconv.Itoa(int(e.ServerCode)),
			e.ServerName,
			e.ServerAddress,
			strconv.Itoa(int(e.ServerPort)),
			strconv.FormatBool(e.Visible),
			strconv.FormatBool(e.Alive),
			strconv.Itoa(int(e.UserCount)),
			strconv.Itoa(int(e.MaxUserCount)),
		})
	}
	tw.Render()
}

func (c *CLI) printClients() {
	now := time.Now()
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Slot", "Handle", "IP", "Connected", "Idle", "Queued", "Writing"})
	tw.SetAutoWrapText(false)
	for _, sess := range c.srv.Registry().Sessions() {
		h := sess.Handle()
		tw.Append([]string{
			strconv.Itoa(h.Slot),
			h.String(),
			sess.IP(),
			now.Sub(sess.ConnectedAt()).Truncate(time.Second).String(),
			now.Sub(sess.LastActivity()).Truncate(time.Second).String(),
			strconv.Itoa(sess.Pending()),
			strconv.FormatBool(sess.InFlight()),
		})
	}
	tw.Render()
}

func (c *CLI) cmdKick(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: kick <slot>")
	}
	slot, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid slot %q", args[0])
	}
	sess := c.srv.Registry().Lookup(slot)
	if sess == nil {
		return fmt.Errorf("slot %d is empty", slot)
	}
	sess.Close()
	log.Info().Str("ip", sess.IP()).Int("slot", slot).Msg("client kicked from console")
	fmt.Fprintf(c.out, "Client %s in slot %d disconnected\n", sess.IP(), slot)
	return nil
}

func (c *CLI) cmdReload() error {
	if err := c.srv.Reload(); err != nil {
		return fmt.Errorf("reload failed, keeping current list: %w", err)
	}
	fmt.Fprintf(c.out, "Server list reloaded (%d servers)\n", len(c.srv.Servers()))
	return nil
}

func (c *CLI) cmdExport(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: export <path>")
	}
	if err := c.srv.Export(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Server list exported to %s\n", args[0])
	return nil
}

func (c *CLI) cmdLog(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: log tcp_recv|tcp_send on|off")
	}

	var on bool
	switch strings.ToLower(args[1]) {
	case "on":
		on = true
	case "off":
	default:
		return fmt.Errorf("expected on or off, got %q", args[1])
	}

	tracer := c.srv.Tracer()
	switch strings.ToLower(args[0]) {
	case "tcp_recv":
		tracer.SetRecv(on)
	case "tcp_send":
		tracer.SetSend(on)
	default:
		return fmt.Errorf("unknown log channel %q", args[0])
	}
	fmt.Fprintf(c.out, "%s logging %s\n", strings.ToLower(args[0]), onOff(on))
	return nil
}
