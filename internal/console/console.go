package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/nerrad567/gray-logic-ethrelay/internal/audit"
	"github.com/nerrad567/gray-logic-ethrelay/internal/bridges/ethrelay"
	"github.com/nerrad567/gray-logic-ethrelay/internal/device"
	"github.com/nerrad567/gray-logic-ethrelay/internal/discovery"
)

// historyLimit is how many audit entries the history command shows.
const historyLimit = 20

// Config holds console settings.
type Config struct {
	// Prompt is shown before each line. Default: "ethrelay> ".
	Prompt string

	// HistoryFile persists line history. Empty disables history.
	HistoryFile string
}

// Inventory reads the module inventory. It is satisfied by
// *device.Registry.
type Inventory interface {
	List() []device.Module
	Get(ctx context.Context, serial string) (*device.Module, error)
}

// History reads the audit log. It is satisfied by *audit.Journal.
type History interface {
	History(ctx context.Context, filter audit.Filter) (*audit.ListResult, error)
}

// Deps are what the console commands act on. Any field may be nil; the
// matching commands then report that the feature is unavailable.
type Deps struct {
	Controller ethrelay.Controller
	Scanner    discovery.Scanner
	Inventory  Inventory
	History    History
}

// Console runs operator commands against one session.
//
// It is created before the rest of the bridge so that logging can go
// through Stdout from the first line, and bound to its dependencies once
// they exist.
type Console struct {
	deps Deps
	out  io.Writer
	rl   *readline.Instance

	closeOnce sync.Once
}

// New puts the terminal under line editing. Call Bind before Run and
// Close when done.
func New(cfg Config) (*Console, error) {
	if cfg.Prompt == "" {
		cfg.Prompt = "ethrelay> "
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          cfg.Prompt,
		HistoryFile:     cfg.HistoryFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	c := newConsole(Deps{}, rl.Stdout())
	c.rl = rl
	return c, nil
}

func newConsole(deps Deps, out io.Writer) *Console {
	return &Console{deps: deps, out: out}
}

// Bind attaches the command dependencies. It must be called before Run.
func (c *Console) Bind(deps Deps) {
	c.deps = deps
}

// Stdout returns a writer that does not corrupt the prompt.
// Use this for log output while the console runs.
func (c *Console) Stdout() io.Writer {
	return c.out
}

// Close restores the terminal. It is safe to call more than once and
// while Run is blocked reading.
func (c *Console) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.rl != nil {
			err = c.rl.Close()
		}
	})
	return err
}

// Run reads and executes commands until quit, EOF or ctx is cancelled.
// cancel is called when the operator quits.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.Close() //nolint:errcheck // terminal restore on exit

	// Readline blocks; closing it unblocks the loop on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	c.printHelp()

	for {
		if ctx.Err() != nil {
			return
		}

		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if ctx.Err() == nil {
				fmt.Fprintln(c.out, "Exiting...")
				cancel()
			}
			return
		}

		if quit := c.Execute(ctx, line); quit {
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
	}
}

// Execute runs one console line and reports whether the operator asked
// to quit. Errors are printed, not returned.
func (c *Console) Execute(ctx context.Context, line string) bool {
	cmd, err := ParseCommand(line)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v (type 'help' for commands)\n", err)
		return false
	}

	switch cmd.Verb {
	case "":
		// blank line
	case VerbHelp:
		c.printHelp()
	case VerbQuit:
		return true
	case VerbScan:
		c.scan(ctx)
	case VerbModules:
		c.modules(ctx, cmd.Arg)
	case VerbHistory:
		c.history(ctx, cmd.Arg)
	default:
		c.control(cmd)
	}
	return false
}

// control runs the verbs that need the session.
func (c *Console) control(cmd Command) {
	ctrl := c.deps.Controller
	if ctrl == nil {
		fmt.Fprintln(c.out, "no module session")
		return
	}

	switch cmd.Verb {
	case VerbStatus:
		c.printStatus(ctrl)
	case VerbOn:
		c.report(cmd, ctrl.SubmitCommand(cmd.Channel, true, cmd.Hold))
	case VerbOff:
		c.report(cmd, ctrl.SubmitCommand(cmd.Channel, false, 0))
	case VerbToggle:
		c.report(cmd, ctrl.Toggle(cmd.Channel))
	case VerbPulse:
		c.report(cmd, ctrl.Pulse(cmd.Channel, cmd.Hold))
	}
}

func (c *Console) report(cmd Command, err error) {
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "queued %s on relay %d\n", cmd.Verb, cmd.Channel)
}

func (c *Console) printStatus(ctrl ethrelay.Controller) {
	t := ctrl.Snapshot()
	stats := ctrl.Stats()

	fmt.Fprintf(c.out, "Module:   %s (%s)\n", ctrl.Address(), ctrl.State())
	if t.SerialNumber != "" {
		fmt.Fprintf(c.out, "Serial:   %s  id=%d hw=%d fw=%d\n", t.SerialNumber, t.ModuleID, t.Hardware, t.Firmware)
	}
	fmt.Fprintf(c.out, "Supply:   %sV\n", t.SupplyVoltage)

	var relays []string
	for i, on := range t.Outputs.States(t.Channels) {
		state := "off"
		if on {
			state = "ON"
		}
		relays = append(relays, fmt.Sprintf("%d=%s", i+1, state))
	}
	fmt.Fprintf(c.out, "Relays:   %s\n", strings.Join(relays, " "))
	fmt.Fprintf(c.out, "Stats:    commands=%d polls=%d errors=%d\n",
		stats.CommandsTx, stats.PollsTotal, stats.ErrorsTotal)
}

func (c *Console) scan(ctx context.Context) {
	if c.deps.Scanner == nil {
		fmt.Fprintln(c.out, "discovery is not configured")
		return
	}

	results, err := c.deps.Scanner.Scan(ctx)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	if len(results) == 0 {
		fmt.Fprintln(c.out, "no modules found")
		return
	}
	for _, r := range results {
		fmt.Fprintf(c.out, "  %s\n", r)
	}
}

// modules lists the inventory, or shows one module when serial is set.
func (c *Console) modules(ctx context.Context, serial string) {
	if c.deps.Inventory == nil {
		fmt.Fprintln(c.out, "module inventory is disabled")
		return
	}

	if serial != "" {
		m, err := c.deps.Inventory.Get(ctx, serial)
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			return
		}
		c.printModule(*m)
		return
	}

	list := c.deps.Inventory.List()
	if len(list) == 0 {
		fmt.Fprintln(c.out, "no modules recorded")
		return
	}
	for _, m := range list {
		c.printModule(m)
	}
}

func (c *Console) printModule(m device.Module) {
	name := m.HostName
	if name == "" {
		name = "-"
	}
	fmt.Fprintf(c.out, "  %s  %-15s %-16s id=%d fw=%d last seen %s\n",
		m.Serial, m.Address, name, m.ModuleID, m.Firmware, m.LastSeen.Local().Format("2006-01-02 15:04:05"))
}

// history shows recent audit entries, optionally for one action.
func (c *Console) history(ctx context.Context, action string) {
	if c.deps.History == nil {
		fmt.Fprintln(c.out, "audit log is disabled")
		return
	}

	res, err := c.deps.History.History(ctx, audit.Filter{Action: action, Limit: historyLimit})
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	if len(res.Logs) == 0 {
		fmt.Fprintln(c.out, "no history")
		return
	}
	for _, l := range res.Logs {
		fmt.Fprintf(c.out, "  %s  %-10s %-6s %s %s\n",
			l.CreatedAt.Local().Format("2006-01-02 15:04:05"), l.Action, l.EntityType, l.EntityID, formatDetails(l.Details))
	}
	if res.Total > len(res.Logs) {
		fmt.Fprintf(c.out, "  (%d of %d)\n", len(res.Logs), res.Total)
	}
}

// formatDetails renders audit details as sorted key=value pairs.
func formatDetails(details map[string]any) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, details[k]))
	}
	return strings.Join(parts, " ")
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
ETH relay commands:
  status                 - Show module identity and relay states
  on <ch> [hold]         - Switch relay on (optional hold, e.g. 2s)
  off <ch>               - Switch relay off
  toggle <ch>            - Invert relay state
  pulse <ch> <duration>  - Switch relay on for duration
  scan                   - List modules on the network
  modules [serial]       - List recorded modules
  history [action]       - Show recent audit entries (connect, command, error...)
  help                   - Show this help
  quit                   - Exit`)
}
