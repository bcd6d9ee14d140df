// Package processor runs the inbound pipeline: dedup, user
// resolution, registration, classification, dispatch and the reply
// gate. Per-sender processing is strictly serialized; distinct senders
// run in parallel up to the worker cap.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/bridge"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/classify"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/config"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/guard"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/handler"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/metrics"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/registration"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/store"
)

// Terminal statuses of one pipeline run.
const (
	StatusSuccess          = "success"
	StatusAlreadyProcessed = "already_processed"
	StatusRegistration     = "registration"
	StatusDropped          = "dropped"
	StatusFailed           = "failed"
	StatusTimeout          = "timeout"
)

// Result is the terminal outcome of one inbound message.
type Result struct {
	ProcessingID string
	MessageID    string
	Address      string
	Status       string
	Handler      string
	Response     string
	Replied      bool
	User         *store.User
	Errors       []string
	Duration     time.Duration
}

// Terminal reports whether the poller may advance its cursor past this
// message. Every status is terminal; the distinction documents intent.
func (r Result) Terminal() bool { return r.Status != "" }

// Stats are the processor's lifetime counters.
type Stats struct {
	Processed uint64
	Sent      uint64
	Dropped   uint64
	Failed    uint64
	LastAt    time.Time
}

type task struct {
	msg  store.IncomingMessage
	prev chan struct{}
	next chan struct{}
	res  chan Result
}

// Processor executes the pipeline.
type Processor struct {
	cfg      func() *config.Config
	users    store.UserRepo
	bridge   bridge.API
	guard    *guard.Guard
	reg      *registration.Engine
	classify func() *classify.Classifier
	registry *handler.Registry
	metrics  *metrics.Metrics
	log      *slog.Logger

	queue chan *task
	wg    sync.WaitGroup

	mu    sync.Mutex
	tails map[string]chan struct{}

	stopping  atomic.Bool
	processed atomic.Uint64
	sent      atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
	lastAt    atomic.Int64
}

// Options wires the processor's collaborators.
type Options struct {
	Config     func() *config.Config
	Users      store.UserRepo
	Bridge     bridge.API
	Guard      *guard.Guard
	Engine     *registration.Engine
	Classifier func() *classify.Classifier
	Registry   *handler.Registry
	Metrics    *metrics.Metrics
	Log        *slog.Logger
}

// New creates a processor. Run must be called before Submit.
func New(opts Options) *Processor {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	queueSize := opts.Config().Processor.QueueSize
	return &Processor{
		cfg:      opts.Config,
		users:    opts.Users,
		bridge:   opts.Bridge,
		guard:    opts.Guard,
		reg:      opts.Engine,
		classify: opts.Classifier,
		registry: opts.Registry,
		metrics:  opts.Metrics,
		log:      log,
		queue:    make(chan *task, queueSize),
		tails:    make(map[string]chan struct{}),
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and the
// queue has drained.
func (p *Processor) Run(ctx context.Context) {
	workers := p.cfg().Processor.MaxConcurrent
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	<-ctx.Done()
	// The poller stops submitting before this point; the flag covers
	// stragglers.
	p.stopping.Store(true)
	close(p.queue)
	p.wg.Wait()
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	for t := range p.queue {
		if p.metrics != nil {
			p.metrics.QueueDepth.Set(float64(len(p.queue)))
		}
		// Wait for the previous in-flight message from the same
		// sender; the ticket chain was built at submit time, so
		// per-sender order matches arrival order.
		if t.prev != nil {
			<-t.prev
		}
		res := p.Process(context.WithoutCancel(ctx), t.msg)
		p.releaseTicket(t)
		t.res <- res
	}
}

// Submit queues a message and returns a channel carrying its terminal
// result. When the queue is full the message is dropped: the second
// return value is false and the channel already holds a drop result.
func (p *Processor) Submit(msg store.IncomingMessage) (<-chan Result, bool) {
	t := &task{msg: msg, res: make(chan Result, 1)}
	if p.stopping.Load() {
		t.res <- Result{
			ProcessingID: uuid.NewString(),
			MessageID:    msg.ID,
			Address:      msg.Sender,
			Status:       StatusDropped,
		}
		return t.res, false
	}

	p.mu.Lock()
	t.prev = p.tails[msg.Sender]
	t.next = make(chan struct{})
	p.tails[msg.Sender] = t.next
	p.mu.Unlock()

	select {
	case p.queue <- t:
		return t.res, true
	default:
		p.releaseTicket(t)
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.MessagesDropped.WithLabelValues("queue_full").Inc()
		}
		p.log.Warn("inbound queue full, dropping message",
			"id", msg.ID, "sender", msg.Sender)
		t.res <- Result{
			ProcessingID: uuid.NewString(),
			MessageID:    msg.ID,
			Address:      msg.Sender,
			Status:       StatusDropped,
		}
		return t.res, false
	}
}

// releaseTicket completes this task's slot in the per-sender chain.
func (p *Processor) releaseTicket(t *task) {
	close(t.next)
	p.mu.Lock()
	if p.tails[t.msg.Sender] == t.next {
		delete(p.tails, t.msg.Sender)
	}
	p.mu.Unlock()
}

// Stats returns the lifetime counters.
func (p *Processor) Stats() Stats {
	s := Stats{
		Processed: p.processed.Load(),
		Sent:      p.sent.Load(),
		Dropped:   p.dropped.Load(),
		Failed:    p.failed.Load(),
	}
	if ts := p.lastAt.Load(); ts > 0 {
		s.LastAt = time.Unix(ts, 0)
	}
	return s
}

// Process runs the pipeline for one message synchronously. Callers
// other than the worker pool must serialize per sender themselves.
func (p *Processor) Process(ctx context.Context, msg store.IncomingMessage) Result {
	start := time.Now()
	cfg := p.cfg()

	res := Result{
		ProcessingID: uuid.NewString(),
		MessageID:    msg.ID,
		Address:      msg.Sender,
	}
	finish := func(status string) Result {
		res.Status = status
		res.Duration = time.Since(start)
		p.account(res)
		return res
	}

	if cfg.Processor.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Processor.ProcessTimeout)
		defer cancel()
	}

	msg.Content = strings.TrimSpace(msg.Content)
	if errs := validate(msg); len(errs) > 0 {
		res.Errors = errs
		return finish(StatusFailed)
	}

	if p.guard.MarkProcessed(msg.ID) {
		return finish(StatusAlreadyProcessed)
	}

	user, err := p.resolveUser(ctx, msg.Sender, cfg)
	if err != nil {
		res.Errors = append(res.Errors, "user lookup: "+err.Error())
		return finish(StatusFailed)
	}
	res.User = user

	if err := p.users.RecordInteraction(ctx, user.ID, string(msg.Kind)); err != nil {
		p.log.Warn("interaction record failed", "user", user.Address, "error", err)
	}

	isCommand := isCommandText(msg.Content, cfg.Bot.CommandPrefix)

	if p.reg != nil && p.reg.NeedsRegistration(user) && !isCommand {
		if err := p.reg.Process(ctx, user, msg.Content); err != nil {
			res.Errors = append(res.Errors, "registration: "+err.Error())
			return finish(StatusFailed)
		}
		res.Handler = "registration"
		return finish(StatusRegistration)
	}

	cls := p.classify().Classify(msg.Content)

	bridgeOn := cfg.Bridge.Enabled
	typingOn := false
	if bridgeOn {
		if err := p.bridge.MarkRead(ctx, msg.Sender, msg.ID); err != nil {
			p.log.Debug("mark read failed", "id", msg.ID, "error", err)
		}
		if err := p.bridge.SetTyping(ctx, msg.Sender, true); err == nil {
			typingOn = true
		}
	}
	// Typing must go off on every exit path, panics included. The
	// deadline gets its own context because the pipeline's may have
	// expired by now.
	defer func() {
		if typingOn {
			offCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := p.bridge.SetTyping(offCtx, msg.Sender, false); err != nil {
				p.log.Debug("typing off failed", "sender", msg.Sender, "error", err)
			}
		}
	}()

	dispatched, claimed := p.dispatch(ctx, msg, user, cls)
	res.Handler = dispatched.Handler
	if dispatched.Err != nil {
		res.Errors = append(res.Errors, dispatched.Err.Error())
	}

	response := dispatched.Response
	shouldReply := dispatched.ShouldReply
	if !claimed {
		// Contextual chatter is intentionally left unanswered.
		if cls.Primary != classify.KindContextual && len(cfg.Messages.Responses.Default) > 0 {
			response = cfg.Messages.Responses.Default[0]
			shouldReply = true
		}
	}
	res.Response = response

	if shouldReply && response != "" && bridgeOn {
		if !p.guard.CanRespond(user.Address, cls.Primary, user.IsAdmin()) {
			p.log.Debug("reply suppressed by rate guard", "sender", user.Address)
		} else if _, err := p.bridge.Send(ctx, user.Address, response); err != nil {
			res.Errors = append(res.Errors, "send: "+err.Error())
			if ctx.Err() != nil {
				return finish(StatusTimeout)
			}
			return finish(StatusFailed)
		} else {
			res.Replied = true
			p.sent.Add(1)
			if p.metrics != nil {
				p.metrics.ResponsesSent.Inc()
			}
			if !user.IsAdmin() {
				p.guard.RecordResponse(user.Address)
			}
		}
	}

	if ctx.Err() != nil {
		return finish(StatusTimeout)
	}
	return finish(StatusSuccess)
}

// dispatch runs the registry under a panic barrier so a broken handler
// cannot take the worker down or leave typing on.
func (p *Processor) dispatch(ctx context.Context, msg store.IncomingMessage, user *store.User, cls classify.Classification) (out handler.Result, claimed bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("handler panicked", "id", msg.ID, "panic", r)
			out = handler.Result{
				ShouldReply: true,
				Response:    p.cfg().Messages.Errors.Internal,
				Err:         fmt.Errorf("handler panic: %v", r),
			}
			claimed = true
		}
	}()
	return p.registry.Dispatch(ctx, msg, user, cls)
}

// resolveUser fetches the sender, creating a customer record on first
// contact.
func (p *Processor) resolveUser(ctx context.Context, address string, cfg *config.Config) (*store.User, error) {
	user, err := p.users.GetByAddress(ctx, address)
	if err == nil {
		return user, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}
	return p.users.RegisterUser(ctx, &store.User{
		Address:  address,
		Phone:    store.PhoneFromAddress(address),
		Role:     store.RoleCustomer,
		Language: cfg.Bot.Language,
		Active:   true,
	})
}

func (p *Processor) account(res Result) {
	p.processed.Add(1)
	p.lastAt.Store(time.Now().Unix())
	if res.Status == StatusFailed || res.Status == StatusTimeout {
		p.failed.Add(1)
	}
	if p.metrics != nil {
		p.metrics.MessagesProcessed.WithLabelValues(res.Status).Inc()
		p.metrics.ProcessingTime.Observe(res.Duration.Seconds())
		if p.reg != nil {
			p.metrics.PendingFlows.Set(float64(p.reg.PendingCount()))
		}
	}
	if len(res.Errors) > 0 {
		p.log.Warn("processing finished with errors",
			"id", res.MessageID, "status", res.Status, "errors", strings.Join(res.Errors, "; "))
	} else {
		p.log.Debug("processing finished",
			"id", res.MessageID, "status", res.Status, "handler", res.Handler, "took", res.Duration)
	}
}

func validate(msg store.IncomingMessage) []string {
	var errs []string
	if msg.ID == "" {
		errs = append(errs, "missing message id")
	}
	if msg.Sender == "" {
		errs = append(errs, "missing sender")
	}
	return errs
}

func isCommandText(text, prefix string) bool {
	for _, p := range []string{prefix, "/"} {
		if p == "" {
			continue
		}
		rest := strings.TrimPrefix(text, p)
		if rest != text && strings.TrimSpace(rest) != "" {
			return true
		}
	}
	return false
}
