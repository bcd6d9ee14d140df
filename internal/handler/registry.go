// Package handler hosts the command registry and the built-in command
// set. Handlers are matched in priority order; the registry enforces
// the role and quota gates before any executor runs.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/classify"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/config"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/guard"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/store"
)

// Descriptor declares a handler to the registry.
type Descriptor struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Category    string
	MinRole     store.Role
	Sensitive   bool
	Priority    int

	// Per-command limits, enforced per sender. Zero disables.
	Cooldown time.Duration
	DailyCap int
}

// Result is the outcome of one dispatch.
type Result struct {
	Success     bool
	Response    string
	ShouldReply bool
	Claimed     bool
	Denied      bool
	Handler     string
	Data        map[string]any
	Err         error
}

// Request carries everything a handler executor may need.
type Request struct {
	Message        store.IncomingMessage
	User           *store.User
	Classification classify.Classification
	Command        string
	Args           []string
}

// Handler is one registered command. Matches sees the parsed request,
// so handlers never re-split the raw text.
type Handler interface {
	Describe() Descriptor
	Matches(req *Request) bool
	Execute(ctx context.Context, req *Request) Result
}

// StatsSnapshot is the runtime counters exposed to status commands.
type StatsSnapshot struct {
	StartedAt     time.Time
	Processed     uint64
	Sent          uint64
	Dropped       uint64
	Failed        uint64
	LastMessageAt time.Time
}

// StatsProvider supplies runtime counters.
type StatsProvider interface {
	StatsSnapshot() StatsSnapshot
}

// Registry holds the handlers and runs the dispatch gates.
type Registry struct {
	cfg   func() *config.Config
	guard *guard.Guard
	log   *slog.Logger

	mu       sync.RWMutex
	handlers []Handler
	names    map[string]string
}

// NewRegistry creates an empty registry. cfg must return the current
// configuration snapshot.
func NewRegistry(cfg func() *config.Config, g *guard.Guard, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		cfg:   cfg,
		guard: g,
		log:   log,
		names: make(map[string]string),
	}
}

// Register adds a handler. Names and aliases must be unique across the
// whole registry.
func (r *Registry) Register(h Handler) error {
	desc := h.Describe()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range append([]string{desc.Name}, desc.Aliases...) {
		name = strings.ToLower(name)
		if owner, taken := r.names[name]; taken {
			return fmt.Errorf("handler name %q already registered by %q", name, owner)
		}
		r.names[name] = desc.Name
	}
	r.handlers = append(r.handlers, h)
	sort.SliceStable(r.handlers, func(i, j int) bool {
		return r.handlers[i].Describe().Priority < r.handlers[j].Describe().Priority
	})
	return nil
}

// Descriptors returns every registered descriptor in priority order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, len(r.handlers))
	for i, h := range r.handlers {
		out[i] = h.Describe()
	}
	return out
}

// ParseCommand splits prefixed text into a lowercased command name and
// its arguments.
func ParseCommand(text string, prefixes ...string) (cmd string, args []string, ok bool) {
	trimmed := strings.TrimSpace(text)
	for _, p := range prefixes {
		rest := strings.TrimPrefix(trimmed, p)
		if rest == trimmed {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return "", nil, false
		}
		return strings.ToLower(fields[0]), fields[1:], true
	}
	return "", nil, false
}

// Dispatch walks handlers by priority and runs the first match through
// the role and quota gates. Returns false when no handler claimed the
// message.
func (r *Registry) Dispatch(ctx context.Context, msg store.IncomingMessage, user *store.User, cls classify.Classification) (Result, bool) {
	cfg := r.cfg()

	req := &Request{
		Message:        msg,
		User:           user,
		Classification: cls,
	}
	if cls.IsCommand() {
		req.Command, req.Args, _ = ParseCommand(msg.Content, cfg.Bot.CommandPrefix, "/")
	}

	r.mu.RLock()
	handlers := make([]Handler, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.RUnlock()

	for _, h := range handlers {
		if !h.Matches(req) {
			continue
		}
		desc := h.Describe()

		if !user.Role.AtLeast(desc.MinRole) || (desc.Sensitive && !user.IsAdmin()) {
			r.log.Info("command denied: insufficient role",
				"command", desc.Name, "user", user.Address, "role", user.Role)
			return Result{
				Denied:      true,
				ShouldReply: true,
				Handler:     desc.Name,
				Response:    cfg.Messages.Errors.Permission,
			}, true
		}

		if cls.IsCommand() && !user.IsAdmin() {
			switch r.guard.AdmitCommand(user.Address, desc.Name, user.Role, desc.Cooldown, desc.DailyCap) {
			case guard.CommandCooldown:
				r.log.Info("command denied: command cooldown",
					"command", desc.Name, "user", user.Address)
				return Result{
					Denied:      true,
					ShouldReply: true,
					Handler:     desc.Name,
					Response:    cfg.Messages.Errors.RateLimit,
				}, true
			case guard.CommandQuotaExceeded:
				r.log.Info("command denied: quota exceeded",
					"command", desc.Name, "user", user.Address, "role", user.Role)
				return Result{
					Denied:      true,
					ShouldReply: true,
					Handler:     desc.Name,
					Response:    cfg.Messages.Errors.Quota,
				}, true
			}
		}

		res := h.Execute(ctx, req)
		res.Handler = desc.Name
		if res.Err != nil {
			r.log.Error("handler failed", "command", desc.Name, "error", res.Err)
			return Result{
				ShouldReply: true,
				Handler:     desc.Name,
				Response:    cfg.Messages.Errors.Internal,
				Err:         res.Err,
			}, true
		}
		if res.Response != "" || res.Claimed {
			return res, true
		}
	}
	return Result{}, false
}

// commandHandler adapts a descriptor plus an executor func into a
// Handler matched by command name or alias.
type commandHandler struct {
	desc Descriptor
	exec func(ctx context.Context, req *Request) Result
}

func (c *commandHandler) Describe() Descriptor { return c.desc }

func (c *commandHandler) Matches(req *Request) bool {
	if req.Command == "" {
		return false
	}
	if req.Command == strings.ToLower(c.desc.Name) {
		return true
	}
	for _, a := range c.desc.Aliases {
		if req.Command == strings.ToLower(a) {
			return true
		}
	}
	return false
}

func (c *commandHandler) Execute(ctx context.Context, req *Request) Result {
	return c.exec(ctx, req)
}
