// fleetsim runs the FleetLink SDK against a simulated fleet service and
// exposes an interactive shell for poking at it: reading device state,
// issuing writes, and provoking the failure modes the engine recovers from.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink-go/internal/sim"
	"github.com/fleetlink/fleetlink-go/pkg/fleet"
	"github.com/fleetlink/fleetlink-go/pkg/log"
	"github.com/fleetlink/fleetlink-go/pkg/value"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (optional)")
	account := flag.String("account", "acct-demo", "account id")
	user := flag.String("user", "user-demo", "user id")
	verbose := flag.Bool("v", false, "log SDK debug events")
	flag.Parse()

	if err := run(*configPath, *account, *user, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "fleetsim: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, account, user string, verbose bool) error {
	cfg := fleet.DefaultConfig()
	if configPath != "" {
		loaded, err := fleet.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "fleet> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("creating readline: %w", err)
	}
	defer rl.Close()

	// Route all output through readline so it never garbles the prompt.
	zl := zerolog.New(zerolog.ConsoleWriter{Out: rl.Stdout()}).With().Timestamp().Logger()
	if !verbose {
		zl = zl.Level(zerolog.InfoLevel)
	}
	sdkLogger := &zerologAdapter{zl: zl}

	hub := sim.NewHub(sdkLogger)
	hub.AddDevice("thermostat-1", "profile-thermostat", "Europe/Berlin")
	hub.AddDevice("lock-1", "profile-lock", "Europe/Berlin")
	hub.SetAttribute("thermostat-1", 1, "21.5")
	hub.SetAttribute("lock-1", 1, "true")

	c := fleet.New(hub, hub, cfg, sdkLogger)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transitions, unsubscribe := c.Subscribe()
	defer unsubscribe()
	go func() {
		for tr := range transitions {
			zl.Info().Str("from", tr.From.String()).Str("to", tr.To.String()).
				Str("reason", tr.Reason).Msg("state")
		}
	}()
	go func() {
		for o := range c.Outcomes() {
			zl.Info().Uint32("request", o.RequestID).Str("device", o.DeviceID).
				Uint16("attr", o.AttributeID).Str("status", o.Status.String()).
				Msg("write resolved")
		}
	}()

	if err := c.Start(ctx, account, user); err != nil {
		return err
	}

	sh := &shell{rl: rl, c: c, hub: hub}
	sh.printHelp()
	sh.loop(cancel)
	return nil
}

// zerologAdapter bridges SDK log events to zerolog.
type zerologAdapter struct {
	zl zerolog.Logger
}

func (a *zerologAdapter) Log(e log.Event) {
	var ev *zerolog.Event
	switch e.Level {
	case log.LevelDebug:
		ev = a.zl.Debug()
	case log.LevelWarn:
		ev = a.zl.Warn()
	case log.LevelError:
		ev = a.zl.Error()
	default:
		ev = a.zl.Info()
	}
	ev = ev.Str("component", e.Component.String())
	if e.DeviceID != "" {
		ev = ev.Str("device", e.DeviceID)
	}
	if e.RequestID != 0 {
		ev = ev.Uint32("request", e.RequestID)
	}
	if e.Seq != 0 {
		ev = ev.Uint64("seq", e.Seq)
	}
	if e.StateChange != nil {
		ev = ev.Str("from", e.StateChange.OldState).Str("to", e.StateChange.NewState)
	}
	if e.Err != "" {
		ev = ev.Str("error", e.Err)
	}
	ev.Msg(e.Message)
}

// shell is the interactive command loop.
type shell struct {
	rl  *readline.Instance
	c   *fleet.Collection
	hub *sim.Hub
}

func (s *shell) out() io.Writer { return s.rl.Stdout() }

func (s *shell) loop(cancel context.CancelFunc) {
	for {
		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			cancel()
			return
		}

		parts := strings.Fields(strings.TrimSpace(line))
		if len(parts) == 0 {
			continue
		}
		cmd, args := strings.ToLower(parts[0]), parts[1:]

		switch cmd {
		case "help", "?":
			s.printHelp()
		case "state":
			fmt.Fprintln(s.out(), s.c.State())
		case "devices", "ls":
			s.cmdDevices()
		case "get":
			s.cmdGet(args)
		case "write", "w":
			s.cmdWrite(args)
		case "tag":
			s.cmdTag(args)
		case "sim-set":
			s.cmdSimSet(args)
		case "sim-add":
			s.cmdSimAdd(args)
		case "sim-rm":
			s.cmdSimRemove(args)
		case "gap":
			s.hub.SkipSeq()
			fmt.Fprintln(s.out(), "next push will expose a sequence gap")
		case "drop":
			s.c.Reconnect()
		case "auth-fail":
			s.cmdAuthFail(args)
		case "quit", "exit", "q":
			cancel()
			return
		default:
			fmt.Fprintf(s.out(), "unknown command: %s (type 'help')\n", cmd)
		}
	}
}

func (s *shell) cmdDevices() {
	for _, d := range s.c.Devices() {
		fmt.Fprintf(s.out(), "%-16s profile=%s available=%v attrs=%d tags=%d\n",
			d.DeviceID, d.ProfileID, d.Available, len(d.Attributes), len(d.Tags))
	}
}

func (s *shell) cmdGet(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out(), "usage: get <device-id>")
		return
	}
	d, ok := s.c.Device(args[0])
	if !ok {
		fmt.Fprintln(s.out(), "no such device")
		return
	}
	fmt.Fprintf(s.out(), "%s profile=%s available=%v tz=%s\n", d.DeviceID, d.ProfileID, d.Available, d.TimeZone)
	for id, a := range d.Attributes {
		fmt.Fprintf(s.out(), "  attr %-5d = %-12q (ts %d)\n", id, a.Value, a.UpdatedAt)
	}
	for _, tag := range d.Tags {
		fmt.Fprintf(s.out(), "  tag  %s = %s (%s)\n", tag.Key, tag.Value, tag.ID)
	}
}

func (s *shell) cmdWrite(args []string) {
	if len(args) != 4 {
		fmt.Fprintln(s.out(), "usage: write <device-id> <attr-id> <kind> <value>  (kinds: bool i8..i64 u8..u64 fixed:N utf8)")
		return
	}
	attrID, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		fmt.Fprintf(s.out(), "bad attribute id: %v\n", err)
		return
	}
	desc, v, err := parseTypedValue(args[2], args[3])
	if err != nil {
		fmt.Fprintln(s.out(), err)
		return
	}
	id, err := s.c.WriteAttribute(args[0], uint16(attrID), desc, v)
	if err != nil {
		fmt.Fprintf(s.out(), "write failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out(), "submitted request %d\n", id)
}

func (s *shell) cmdTag(args []string) {
	if len(args) != 3 {
		fmt.Fprintln(s.out(), "usage: tag <device-id> <key> <value>")
		return
	}
	tag, err := s.c.PutTag(args[0], args[1], args[2])
	if err != nil {
		fmt.Fprintf(s.out(), "tag failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out(), "tag %s attached\n", tag.ID)
}

func (s *shell) cmdSimSet(args []string) {
	if len(args) != 3 {
		fmt.Fprintln(s.out(), "usage: sim-set <device-id> <attr-id> <wire-value>")
		return
	}
	attrID, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		fmt.Fprintf(s.out(), "bad attribute id: %v\n", err)
		return
	}
	s.hub.SetAttribute(args[0], uint16(attrID), args[2])
}

func (s *shell) cmdSimAdd(args []string) {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(s.out(), "usage: sim-add <device-id> [profile-id]")
		return
	}
	profile := "profile-generic"
	if len(args) == 2 {
		profile = args[1]
	}
	s.hub.AddDevice(args[0], profile, "UTC")
}

func (s *shell) cmdSimRemove(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out(), "usage: sim-rm <device-id>")
		return
	}
	s.hub.RemoveDevice(args[0])
}

func (s *shell) cmdAuthFail(args []string) {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		fmt.Fprintln(s.out(), "usage: auth-fail on|off")
		return
	}
	s.hub.SetAuthFailure(args[0] == "on")
}

// parseTypedValue maps a kind name and literal to a descriptor and Go value.
func parseTypedValue(kind, literal string) (value.Descriptor, any, error) {
	switch {
	case kind == "bool":
		b, err := strconv.ParseBool(literal)
		if err != nil {
			return value.Descriptor{}, nil, fmt.Errorf("bad bool: %w", err)
		}
		return value.Bool(), b, nil
	case kind == "utf8":
		return value.UTF8(), literal, nil
	case strings.HasPrefix(kind, "i"):
		bits, err := strconv.Atoi(kind[1:])
		if err != nil {
			return value.Descriptor{}, nil, fmt.Errorf("bad kind %q", kind)
		}
		n, err := strconv.ParseInt(literal, 10, 64)
		if err != nil {
			return value.Descriptor{}, nil, fmt.Errorf("bad integer: %w", err)
		}
		return value.SInt(bits), n, nil
	case strings.HasPrefix(kind, "u"):
		bits, err := strconv.Atoi(kind[1:])
		if err != nil {
			return value.Descriptor{}, nil, fmt.Errorf("bad kind %q", kind)
		}
		n, err := strconv.ParseUint(literal, 10, 64)
		if err != nil {
			return value.Descriptor{}, nil, fmt.Errorf("bad unsigned: %w", err)
		}
		return value.UInt(bits), n, nil
	case strings.HasPrefix(kind, "fixed:"):
		scale, err := strconv.Atoi(kind[len("fixed:"):])
		if err != nil {
			return value.Descriptor{}, nil, fmt.Errorf("bad kind %q", kind)
		}
		f, err := strconv.ParseFloat(literal, 64)
		if err != nil {
			return value.Descriptor{}, nil, fmt.Errorf("bad number: %w", err)
		}
		return value.Fixed(uint8(scale)), f, nil
	default:
		return value.Descriptor{}, nil, fmt.Errorf("unknown kind %q", kind)
	}
}

func (s *shell) printHelp() {
	fmt.Fprintln(s.out(), `
FleetLink Simulator Commands:
  Fleet view:
    state                              - show engine state
    devices                            - list devices
    get <device-id>                    - show one device's attributes and tags
    write <dev> <attr> <kind> <value>  - submit an attribute write
    tag <dev> <key> <value>            - attach a local tag

  Service side:
    sim-set <dev> <attr> <wire-value>  - change an attribute service-side
    sim-add <dev> [profile]            - add a simulated device
    sim-rm <dev>                       - remove a device (disassociation)
    gap                                - skip a sequence number (forces resync)
    drop                               - drop the relay connection
    auth-fail on|off                   - make reconnects fail authentication

  quit                                 - exit`)
}
