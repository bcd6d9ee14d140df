// Package guard enforces the response-rate policy and drops duplicate
// inbound deliveries. All state is in memory; re-delivery after a
// restart is tolerated.
package guard

import (
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/classify"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/config"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/store"
)

// addrState is the per-sender rate record.
type addrState struct {
	lastResponse time.Time
	responses    []time.Time
	commands     []time.Time
	dailyCount   int
	resetDay     string
	lastSeen     time.Time
	cmdUse       map[string]*cmdUse
}

// cmdUse tracks one command's usage by one sender.
type cmdUse struct {
	last     time.Time
	count    int
	resetDay string
}

// commandUse fetches or creates the per-command record and applies its
// calendar-day reset. Caller holds the guard mutex.
func (st *addrState) commandUse(command string, now time.Time) *cmdUse {
	if st.cmdUse == nil {
		st.cmdUse = make(map[string]*cmdUse)
	}
	use, ok := st.cmdUse[command]
	if !ok {
		use = &cmdUse{resetDay: dayOf(now)}
		st.cmdUse[command] = use
	}
	if day := dayOf(now); day != use.resetDay {
		use.resetDay = day
		use.count = 0
	}
	return use
}

func (u *cmdUse) admits(now time.Time, cooldown time.Duration, dailyCap int) bool {
	if cooldown > 0 && !u.last.IsZero() && now.Sub(u.last) < cooldown {
		return false
	}
	if dailyCap > 0 && u.count >= dailyCap {
		return false
	}
	return true
}

func (u *cmdUse) charge(now time.Time) {
	u.last = now
	u.count++
}

// windowSpan is the sliding window the response history covers.
const windowSpan = time.Hour

// Guard combines the dedup set, the per-address response pacing and
// the per-role hourly command quota.
type Guard struct {
	cfg config.RateConfig
	log *slog.Logger
	now func() time.Time

	dedup *lru.Cache[string, struct{}]

	mu    sync.Mutex
	addrs map[string]*addrState
}

// New creates a guard with a bounded dedup set.
func New(cfg config.RateConfig, log *slog.Logger) (*Guard, error) {
	if log == nil {
		log = slog.Default()
	}
	capacity := cfg.DedupCapacity
	if capacity <= 0 {
		capacity = 10000
	}
	cache, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, err
	}
	return &Guard{
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		dedup: cache,
		addrs: make(map[string]*addrState),
	}, nil
}

// MarkProcessed records a message id and reports whether it had been
// seen before. The first caller for an id gets false; every later
// caller gets true.
func (g *Guard) MarkProcessed(id string) (alreadySeen bool) {
	seen, _ := g.dedup.ContainsOrAdd(id, struct{}{})
	return seen
}

// Seen reports whether an id is in the dedup set without inserting it.
func (g *Guard) Seen(id string) bool {
	return g.dedup.Contains(id)
}

// minInterval returns the cooldown for one message kind.
func (g *Guard) minInterval(kind classify.Kind) time.Duration {
	switch kind {
	case classify.KindCommand:
		return g.cfg.CommandInterval
	case classify.KindQuestion:
		return g.cfg.DefaultInterval / 2
	default:
		return g.cfg.DefaultInterval
	}
}

// CanRespond reports whether a reply to this address is admitted now.
// Admins bypass both the cooldown and the daily cap.
func (g *Guard) CanRespond(address string, kind classify.Kind, isAdmin bool) bool {
	if isAdmin {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	st := g.state(address, now)
	st.responses = pruneBefore(st.responses, now.Add(-windowSpan))

	if !st.lastResponse.IsZero() && now.Sub(st.lastResponse) < g.minInterval(kind) {
		return false
	}
	if st.dailyCount >= g.cfg.MaxDaily {
		return false
	}
	return true
}

// RecentResponses reports how many replies went to the address inside
// the sliding window.
func (g *Guard) RecentResponses(address string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.addrs[address]
	if !ok {
		return 0
	}
	st.responses = pruneBefore(st.responses, g.now().Add(-windowSpan))
	return len(st.responses)
}

// RecordResponse counts one outbound reply against the address.
func (g *Guard) RecordResponse(address string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	st := g.state(address, now)
	st.lastResponse = now
	st.dailyCount++
	st.responses = append(st.responses, now)
	if max := g.cfg.WindowMax; max > 0 && len(st.responses) > max {
		st.responses = st.responses[len(st.responses)-max:]
	}
}

// AllowCommand checks the role's hourly quota and, when admitted,
// counts the command. Unknown roles get the customer quota.
func (g *Guard) AllowCommand(address string, role store.Role) bool {
	quota, ok := g.cfg.HourlyQuotas[string(role)]
	if !ok {
		quota = g.cfg.HourlyQuotas[string(store.RoleCustomer)]
	}
	if quota <= 0 {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	st := g.state(address, now)
	st.commands = pruneBefore(st.commands, now.Add(-time.Hour))
	if len(st.commands) >= quota {
		return false
	}
	st.commands = append(st.commands, now)
	return true
}

// AllowCommandUse checks one command's own cooldown and daily cap for
// this address and, when admitted, counts the use. A zero cooldown or
// cap disables that check.
func (g *Guard) AllowCommandUse(address, command string, cooldown time.Duration, dailyCap int) bool {
	if cooldown <= 0 && dailyCap <= 0 {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	use := g.state(address, now).commandUse(command, now)
	if !use.admits(now, cooldown, dailyCap) {
		return false
	}
	use.charge(now)
	return true
}

// CommandVerdict is the outcome of the combined command gates.
type CommandVerdict int

const (
	CommandAllowed CommandVerdict = iota
	CommandCooldown
	CommandQuotaExceeded
)

// AdmitCommand evaluates the per-command cooldown/cap and the role's
// hourly quota as one decision. Nothing is charged unless every gate
// passes, so a denial on one gate never consumes the other's
// allowance. Unknown roles get the customer quota.
func (g *Guard) AdmitCommand(address, command string, role store.Role, cooldown time.Duration, dailyCap int) CommandVerdict {
	quota, ok := g.cfg.HourlyQuotas[string(role)]
	if !ok {
		quota = g.cfg.HourlyQuotas[string(store.RoleCustomer)]
	}
	if quota <= 0 {
		return CommandQuotaExceeded
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	st := g.state(address, now)
	use := st.commandUse(command, now)

	if !use.admits(now, cooldown, dailyCap) {
		return CommandCooldown
	}
	st.commands = pruneBefore(st.commands, now.Add(-time.Hour))
	if len(st.commands) >= quota {
		return CommandQuotaExceeded
	}

	use.charge(now)
	st.commands = append(st.commands, now)
	return CommandAllowed
}

// Sweep drops rate records for addresses idle longer than the window.
func (g *Guard) Sweep(idle time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := g.now().Add(-idle)
	for addr, st := range g.addrs {
		if st.lastSeen.Before(cutoff) {
			delete(g.addrs, addr)
		}
	}
}

// state fetches or creates the per-address record and applies the
// calendar-day reset of the daily counter.
func (g *Guard) state(address string, now time.Time) *addrState {
	st, ok := g.addrs[address]
	if !ok {
		st = &addrState{resetDay: dayOf(now)}
		g.addrs[address] = st
	}
	st.lastSeen = now
	if day := dayOf(now); day != st.resetDay {
		st.resetDay = day
		st.dailyCount = 0
	}
	return st
}

func dayOf(t time.Time) string {
	return t.Format("2006-01-02")
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
