// Package commands implements the prefix command set: registration,
// lookup, admin gating, and the built-in commands every deployment
// gets (help, ping, stats, moderation, thread settings, uptime).
package commands

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/orcabot/orcabot/internal/messenger"
	"github.com/orcabot/orcabot/internal/metrics"
	"github.com/orcabot/orcabot/internal/store"
	"github.com/orcabot/orcabot/internal/types"
)

// lockedReply is sent verbatim when a non-admin runs a gated command.
const lockedReply = "🔒 This command requires admin permissions"

// Command is one registered command. Run returns the reply text; an
// empty reply sends nothing.
type Command struct {
	Name      string
	Usage     string // argument hint shown in help, e.g. "<user id>"
	Help      string
	AdminOnly bool
	Run       func(ctx context.Context, req Request) (string, error)
}

// Request carries one parsed invocation.
type Request struct {
	Name   string
	Args   []string
	Prefix string // the invoking thread's prefix, for help text
	Msg    *messenger.Message
}

// Registry holds the command set. Built-ins are registered by
// NewRegistry; deployments may add their own before the bot starts.
type Registry struct {
	store   *store.Store
	metrics *metrics.Registry
	logger  *slog.Logger

	mu    sync.RWMutex
	cmds  map[string]*Command
	order []string
}

// NewRegistry creates a registry with all built-in commands.
func NewRegistry(st *store.Store, reg *metrics.Registry, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:   st,
		metrics: reg,
		logger:  logger.With("component", "commands"),
		cmds:    make(map[string]*Command),
	}
	r.registerBuiltins()
	return r
}

// Register adds a command, replacing any previous one with the same
// name.
func (r *Registry) Register(cmd *Command) {
	name := strings.ToLower(cmd.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.cmds[name]; !exists {
		r.order = append(r.order, name)
	}
	r.cmds[name] = cmd
}

// Get returns the named command.
func (r *Registry) Get(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.cmds[strings.ToLower(name)]
	return cmd, ok
}

// List returns all commands in registration order.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.cmds[name])
	}
	return out
}

// Execute runs one invocation and returns the reply text. Unknown
// names and failed permission checks produce replies, not errors;
// errors mean the command itself failed.
func (r *Registry) Execute(ctx context.Context, req Request) (string, error) {
	cmd, ok := r.Get(req.Name)
	if !ok {
		return fmt.Sprintf("Unknown command %q. Try %shelp.", req.Name, req.Prefix), nil
	}

	if cmd.AdminOnly && !r.isAdmin(req.Msg.SenderID) {
		r.logger.Info("command denied",
			"command", cmd.Name, "user_id", req.Msg.SenderID)
		return lockedReply, nil
	}

	r.logger.Info("command executing",
		"command", cmd.Name,
		"user_id", req.Msg.SenderID,
		"thread_id", req.Msg.ThreadID,
		"args", len(req.Args),
	)
	return cmd.Run(ctx, req)
}

func (r *Registry) isAdmin(id types.ID) bool {
	u, err := r.store.GetUser(id)
	if err != nil {
		r.logger.Error("admin lookup failed", "user_id", id, "error", err)
		return false
	}
	return u != nil && u.IsAdmin
}

// --- Built-ins ---

func (r *Registry) registerBuiltins() {
	r.Register(&Command{Name: "help", Help: "List available commands", Run: r.cmdHelp})
	r.Register(&Command{Name: "ping", Help: "Check the bot is alive", Run: cmdPing})
	r.Register(&Command{Name: "stats", Help: "Show bot statistics", Run: r.cmdStats})
	r.Register(&Command{Name: "uptime", Help: "Show how long the bot has been running", Run: r.cmdUptime})
	r.Register(&Command{Name: "block", Usage: "<user id>", Help: "Block a user", AdminOnly: true, Run: r.cmdBlock})
	r.Register(&Command{Name: "unblock", Usage: "<user id>", Help: "Unblock a user", AdminOnly: true, Run: r.cmdUnblock})
	r.Register(&Command{Name: "admin", Usage: "<user id> on|off", Help: "Grant or revoke admin", AdminOnly: true, Run: r.cmdAdmin})
	r.Register(&Command{Name: "prefix", Usage: "<prefix>", Help: "Change this thread's command prefix", AdminOnly: true, Run: r.cmdPrefix})
	r.Register(&Command{Name: "bot", Usage: "on|off", Help: "Enable or disable the bot in this thread", AdminOnly: true, Run: r.cmdBot})
}

func (r *Registry) cmdHelp(_ context.Context, req Request) (string, error) {
	var b strings.Builder
	b.WriteString("📋 Commands:\n")
	for _, c := range r.List() {
		b.WriteString(req.Prefix)
		b.WriteString(c.Name)
		if c.Usage != "" {
			b.WriteString(" ")
			b.WriteString(c.Usage)
		}
		b.WriteString(" - ")
		b.WriteString(c.Help)
		if c.AdminOnly {
			b.WriteString(" (admin)")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func cmdPing(_ context.Context, _ Request) (string, error) {
	return "pong 🏓", nil
}

func (r *Registry) cmdStats(_ context.Context, _ Request) (string, error) {
	snap := r.metrics.Snapshot()
	db := r.store.Stats()

	var b strings.Builder
	b.WriteString("📊 Bot stats\n")
	fmt.Fprintf(&b, "Uptime: %s\n", formatUptime(r.metrics.Uptime()))
	fmt.Fprintf(&b, "Messages received: %d\n", snap.Counters[metrics.MessagesReceived])
	fmt.Fprintf(&b, "Messages sent: %d\n", snap.Counters[metrics.MessagesSent])
	fmt.Fprintf(&b, "Handler errors: %d\n", snap.Counters[metrics.ErrorsHandler])
	if n, ok := db["users"].(int64); ok {
		fmt.Fprintf(&b, "Known users: %d\n", n)
	}
	if n, ok := db["threads"].(int64); ok {
		fmt.Fprintf(&b, "Known threads: %d\n", n)
	}
	if n, ok := db["messages"].(int64); ok {
		fmt.Fprintf(&b, "Stored messages: %d\n", n)
	}
	if n, ok := db["db_size_bytes"].(int64); ok {
		fmt.Fprintf(&b, "Database size: %s\n", formatBytes(n))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *Registry) cmdUptime(_ context.Context, _ Request) (string, error) {
	return "⏱ Uptime: " + formatUptime(r.metrics.Uptime()), nil
}

func (r *Registry) cmdBlock(_ context.Context, req Request) (string, error) {
	id, reply := parseUserID(req, "block")
	if reply != "" {
		return reply, nil
	}
	if err := r.store.SetBlocked(id, true); err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ User %s has been blocked", id), nil
}

func (r *Registry) cmdUnblock(_ context.Context, req Request) (string, error) {
	id, reply := parseUserID(req, "unblock")
	if reply != "" {
		return reply, nil
	}
	if err := r.store.SetBlocked(id, false); err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ User %s has been unblocked", id), nil
}

func (r *Registry) cmdAdmin(_ context.Context, req Request) (string, error) {
	if len(req.Args) != 2 {
		return fmt.Sprintf("Usage: %sadmin <user id> on|off", req.Prefix), nil
	}
	id, err := types.ParseID(req.Args[0])
	if err != nil {
		return fmt.Sprintf("%q is not a user id", req.Args[0]), nil
	}
	on, reply := parseOnOff(req.Args[1], req.Prefix+"admin <user id> on|off")
	if reply != "" {
		return reply, nil
	}
	if err := r.store.SetAdmin(id, on); err != nil {
		return "", err
	}
	if on {
		return fmt.Sprintf("✅ User %s is now an admin", id), nil
	}
	return fmt.Sprintf("✅ User %s is no longer an admin", id), nil
}

func (r *Registry) cmdPrefix(_ context.Context, req Request) (string, error) {
	if len(req.Args) != 1 || req.Args[0] == "" {
		return fmt.Sprintf("Usage: %sprefix <prefix>", req.Prefix), nil
	}
	p := req.Args[0]
	if len(p) > 3 {
		return "Prefix must be at most 3 characters", nil
	}
	if err := r.store.SetThreadPrefix(req.Msg.ThreadID, p); err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ Prefix for this thread is now %q", p), nil
}

func (r *Registry) cmdBot(_ context.Context, req Request) (string, error) {
	if len(req.Args) != 1 {
		return fmt.Sprintf("Usage: %sbot on|off", req.Prefix), nil
	}
	on, reply := parseOnOff(req.Args[0], req.Prefix+"bot on|off")
	if reply != "" {
		return reply, nil
	}
	if err := r.store.SetThreadEnabled(req.Msg.ThreadID, on); err != nil {
		return "", err
	}
	if on {
		return "✅ Bot enabled in this thread", nil
	}
	return "✅ Bot disabled in this thread", nil
}

// --- Helpers ---

// parseUserID extracts the single user-id argument. A non-empty reply
// means the input was unusable and should be sent back as-is.
func parseUserID(req Request, name string) (types.ID, string) {
	if len(req.Args) != 1 {
		return 0, fmt.Sprintf("Usage: %s%s <user id>", req.Prefix, name)
	}
	id, err := types.ParseID(req.Args[0])
	if err != nil {
		return 0, fmt.Sprintf("%q is not a user id", req.Args[0])
	}
	return id, ""
}

func parseOnOff(arg, usage string) (bool, string) {
	switch strings.ToLower(arg) {
	case "on":
		return true, ""
	case "off":
		return false, ""
	default:
		return false, "Usage: " + usage
	}
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	seconds := d - minutes*time.Minute

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds/time.Second)
	default:
		return fmt.Sprintf("%ds", seconds/time.Second)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGT"[exp])
}
