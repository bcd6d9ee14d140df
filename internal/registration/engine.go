package registration

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/config"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/store"
)

// Notifier receives the engine's side effects. The processor wires it
// to the store and the bridge; tests use a fake.
type Notifier interface {
	UpdateName(ctx context.Context, user *store.User, name string, temporary bool) error
	SendMessage(ctx context.Context, address, text string) error
	NotifyRegistered(ctx context.Context, address, name string) error
}

// States persists pending-flow progress so attempt counts survive a
// restart. Optional; a nil store keeps everything in memory.
type States interface {
	Get(ctx context.Context, address string) (*store.ConversationState, error)
	Set(ctx context.Context, cs *store.ConversationState) error
	Delete(ctx context.Context, address string) error
}

type pending struct {
	machine   *stateless.StateMachine
	phone     string
	attempts  int
	startedAt time.Time
}

type pendingData struct {
	Attempts  int       `json:"attempts"`
	StartedAt time.Time `json:"startedAt"`
}

// Engine drives the name-capture flow for every pending address.
type Engine struct {
	cfg     config.RegistrationConfig
	msgs    config.MessagesConfig
	notify  Notifier
	states  States
	log     *slog.Logger
	now     func() time.Time
	botName string

	mu      sync.Mutex
	pending map[string]*pending
}

// NewEngine creates the registration engine.
func NewEngine(cfg config.RegistrationConfig, msgs config.MessagesConfig, n Notifier, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		msgs:    msgs,
		notify:  n,
		log:     log,
		now:     time.Now,
		pending: make(map[string]*pending),
	}
}

// SetStateStore enables persistence of pending-flow progress.
func (e *Engine) SetStateStore(s States) { e.states = s }

// SetBotName sets the name substituted for {bot} in greeting templates.
func (e *Engine) SetBotName(name string) { e.botName = name }

// NeedsRegistration reports whether a user still has to go through the
// name-capture flow.
func (e *Engine) NeedsRegistration(u *store.User) bool {
	return u.Registration().Step != store.StepCompleted
}

// Pending reports whether an address currently has a flow in flight.
func (e *Engine) Pending(address string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[address]
	return ok
}

// PendingCount returns the number of in-flight flows.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Process feeds one inbound message into the flow for its sender. The
// first message starts the flow and asks for a name; subsequent ones
// are treated as name attempts.
func (e *Engine) Process(ctx context.Context, user *store.User, text string) error {
	e.mu.Lock()
	p, ok := e.pending[user.Address]
	e.mu.Unlock()

	if !ok {
		return e.start(ctx, user)
	}

	if e.cfg.Timeout > 0 && e.now().Sub(p.startedAt) > e.cfg.Timeout {
		return e.giveUp(ctx, user, p)
	}
	return e.attempt(ctx, user, p, text)
}

func (e *Engine) start(ctx context.Context, user *store.User) error {
	p := &pending{
		machine:   newMachine(),
		phone:     user.Phone,
		startedAt: e.now(),
	}
	if p.phone == "" {
		p.phone = store.PhoneFromAddress(user.Address)
	}

	// A persisted flow from before a restart keeps its attempt count.
	if e.states != nil {
		if cs, err := e.states.Get(ctx, user.Address); err == nil && cs.State == string(StateAwaitingName) {
			var d pendingData
			if json.Unmarshal([]byte(cs.Data), &d) == nil {
				p.attempts = d.Attempts
				if !d.StartedAt.IsZero() {
					p.startedAt = d.StartedAt
				}
			}
		}
	}

	e.mu.Lock()
	e.pending[user.Address] = p
	e.mu.Unlock()
	e.persist(ctx, user.Address, p)

	e.log.Info("registration started", "address", user.Address)
	prompt := e.firstContact() + "\n" + e.msgs.Registration.AskName
	return e.notify.SendMessage(ctx, user.Address, prompt)
}

func (e *Engine) attempt(ctx context.Context, user *store.User, p *pending, text string) error {
	name, err := ValidateName(text, p.phone, e.cfg.MinNameLength, e.cfg.MaxNameLength)
	if err == nil {
		if err := p.machine.FireCtx(ctx, TriggerNameValid); err != nil {
			return err
		}
		e.remove(ctx, user.Address)
		if err := e.notify.UpdateName(ctx, user, name, false); err != nil {
			return err
		}
		e.log.Info("registration completed", "address", user.Address, "name", name)
		if err := e.notify.SendMessage(ctx, user.Address, e.render(e.msgs.Registration.Confirmed, name)); err != nil {
			e.log.Warn("confirmation send failed", "address", user.Address, "error", err)
		}
		return e.notify.NotifyRegistered(ctx, user.Address, name)
	}

	p.attempts++
	if p.attempts >= e.cfg.MaxAttempts {
		return e.giveUp(ctx, user, p)
	}
	if err := p.machine.FireCtx(ctx, TriggerNameInvalid); err != nil {
		return err
	}
	e.persist(ctx, user.Address, p)
	e.log.Debug("name rejected", "address", user.Address, "attempt", p.attempts, "error", err)
	return e.notify.SendMessage(ctx, user.Address, e.rejection(err))
}

// giveUp assigns the temporary name and ends the flow.
func (e *Engine) giveUp(ctx context.Context, user *store.User, p *pending) error {
	if err := p.machine.FireCtx(ctx, TriggerGiveUp); err != nil {
		return err
	}
	e.remove(ctx, user.Address)

	temp := TempName(p.phone)
	if err := e.notify.UpdateName(ctx, user, temp, true); err != nil {
		return err
	}
	e.log.Info("temporary name assigned", "address", user.Address, "name", temp)
	return e.notify.SendMessage(ctx, user.Address, e.render(e.msgs.Registration.TempAssigned, temp))
}

// SweepExpired assigns temporary names to every flow past the timeout.
// Intended to run periodically; flows for senders who went silent
// otherwise linger forever.
func (e *Engine) SweepExpired(ctx context.Context, lookup func(address string) (*store.User, error)) {
	if e.cfg.Timeout <= 0 {
		return
	}
	cutoff := e.now().Add(-e.cfg.Timeout)

	e.mu.Lock()
	expired := make(map[string]*pending)
	for addr, p := range e.pending {
		if p.startedAt.Before(cutoff) {
			expired[addr] = p
		}
	}
	e.mu.Unlock()

	for addr, p := range expired {
		user, err := lookup(addr)
		if err != nil {
			e.log.Warn("expired registration sweep lookup failed", "address", addr, "error", err)
			continue
		}
		if err := e.giveUp(ctx, user, p); err != nil {
			e.log.Warn("expired registration give-up failed", "address", addr, "error", err)
		}
	}
}

func (e *Engine) remove(ctx context.Context, address string) {
	e.mu.Lock()
	delete(e.pending, address)
	e.mu.Unlock()
	if e.states != nil {
		if err := e.states.Delete(ctx, address); err != nil && !errors.Is(err, store.ErrNotFound) {
			e.log.Warn("registration state delete failed", "address", address, "error", err)
		}
	}
}

func (e *Engine) persist(ctx context.Context, address string, p *pending) {
	if e.states == nil {
		return
	}
	data, _ := json.Marshal(pendingData{Attempts: p.attempts, StartedAt: p.startedAt})
	cs := &store.ConversationState{
		Address: address,
		State:   string(StateAwaitingName),
		Data:    string(data),
	}
	if err := e.states.Set(ctx, cs); err != nil {
		e.log.Warn("registration state persist failed", "address", address, "error", err)
	}
}

// firstContact returns the new-user salutation, falling back to the
// time-of-day greeting when none is configured.
func (e *Engine) firstContact() string {
	if len(e.msgs.Greetings.New) > 0 {
		return strings.ReplaceAll(e.msgs.Greetings.New[0], "{bot}", e.botName)
	}
	return e.greeting()
}

// greeting picks the time-of-day salutation.
func (e *Engine) greeting() string {
	switch h := e.now().Hour(); {
	case h >= 6 && h < 12:
		return e.msgs.Greetings.Morning
	case h >= 12 && h < 21:
		return e.msgs.Greetings.Evening
	default:
		return e.msgs.Greetings.Night
	}
}

// rejection maps a validation failure to its configured message.
func (e *Engine) rejection(err error) string {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		return e.msgs.Registration.BadChars
	}
	switch ve.Reason {
	case ReasonEmpty, ReasonTooShort:
		return e.msgs.Registration.TooShort
	case ReasonTooLong:
		return e.msgs.Registration.TooLong
	case ReasonIsPhone:
		return e.msgs.Registration.IsPhone
	case ReasonForbidden:
		return e.msgs.Registration.Forbidden
	default:
		return e.msgs.Registration.BadChars
	}
}

func (e *Engine) render(tpl, name string) string {
	return strings.ReplaceAll(tpl, "{name}", name)
}

// TempName derives the fallback display name from the last four phone
// digits.
func TempName(phone string) string {
	suffix := phone
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	if suffix == "" {
		suffix = "0000"
	}
	return "Usuario_" + suffix
}
