package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/bridge"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/classify"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/config"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/guard"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/handler"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/registration"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/store"
)

const senderA = "34612345678@s.whatsapp.net"

// flakyBridge wraps the mock and lets tests fail individual
// operations while recording typing transitions.
type flakyBridge struct {
	*bridge.Mock
	mu      sync.Mutex
	typing  []bool
	sendErr error
}

func (f *flakyBridge) SetTyping(ctx context.Context, address string, on bool) error {
	f.mu.Lock()
	f.typing = append(f.typing, on)
	f.mu.Unlock()
	return f.Mock.SetTyping(ctx, address, on)
}

func (f *flakyBridge) Send(ctx context.Context, address, text string) (string, error) {
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return f.Mock.Send(ctx, address, text)
}

func (f *flakyBridge) typingLog() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bool, len(f.typing))
	copy(out, f.typing)
	return out
}

type env struct {
	proc   *Processor
	bridge *flakyBridge
	users  *store.SQLiteUserRepo
	cfg    *config.Config
}

func setupProcessor(t *testing.T) *env {
	t.Helper()
	cfg := config.DefaultConfig()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	g, err := guard.New(cfg.Rate, nil)
	require.NoError(t, err)

	fb := &flakyBridge{Mock: bridge.NewMock(nil)}
	notifier := NewRegistrationNotifier(st.Users, fb, nil)
	engine := registration.NewEngine(cfg.Registration, cfg.Messages, notifier, nil)

	cls := classify.New(cfg.Classifier, cfg.Bot.CommandPrefix, "/")
	reg := handler.NewRegistry(func() *config.Config { return cfg }, g, nil)

	svc := config.NewService(t.TempDir(), nil)
	require.NoError(t, svc.Load())
	require.NoError(t, handler.RegisterBuiltins(reg, handler.Deps{
		Config:       svc,
		Users:        st.Users,
		Bridge:       fb,
		Guard:        g,
		Registration: engine,
		Classifier:   func() *classify.Classifier { return cls },
	}))

	p := New(Options{
		Config:     func() *config.Config { return cfg },
		Users:      st.Users,
		Bridge:     fb,
		Guard:      g,
		Engine:     engine,
		Classifier: func() *classify.Classifier { return cls },
		Registry:   reg,
	})
	return &env{proc: p, bridge: fb, users: st.Users, cfg: cfg}
}

func inbound(id, text string) store.IncomingMessage {
	return store.IncomingMessage{
		ID:        id,
		Sender:    senderA,
		Content:   text,
		Kind:      store.KindText,
		Timestamp: time.Now(),
	}
}

func TestColdRegistration(t *testing.T) {
	e := setupProcessor(t)

	res := e.proc.Process(context.Background(), inbound("m-1", "hola"))

	assert.Equal(t, StatusRegistration, res.Status)
	assert.Equal(t, "registration", res.Handler)

	// The user was created as customer.
	u, err := e.users.GetByAddress(context.Background(), senderA)
	require.NoError(t, err)
	assert.Equal(t, store.RoleCustomer, u.Role)

	sent := e.bridge.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Content, "¿Cuál es tu nombre?")
}

func TestRegistrationHappyPath(t *testing.T) {
	e := setupProcessor(t)

	e.proc.Process(context.Background(), inbound("m-1", "hola"))
	res := e.proc.Process(context.Background(), inbound("m-2", "Juan Pérez"))

	assert.Equal(t, StatusRegistration, res.Status)

	u, err := e.users.GetByAddress(context.Background(), senderA)
	require.NoError(t, err)
	assert.Equal(t, "Juan Pérez", u.DisplayName)
	assert.Equal(t, store.StepCompleted, u.Registration().Step)
	assert.Equal(t, false, u.Metadata["isTemporaryName"])

	sent := e.bridge.Sent()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[1].Content, "¡Perfecto, Juan Pérez!")
}

func TestRegistrationFallback(t *testing.T) {
	e := setupProcessor(t)

	e.proc.Process(context.Background(), inbound("m-1", "hola"))
	e.proc.Process(context.Background(), inbound("m-2", "123456789"))
	e.proc.Process(context.Background(), inbound("m-3", "123"))
	e.proc.Process(context.Background(), inbound("m-4", "456"))

	u, err := e.users.GetByAddress(context.Background(), senderA)
	require.NoError(t, err)
	assert.Equal(t, "Usuario_5678", u.DisplayName)
	assert.Equal(t, true, u.Metadata["isTemporaryName"])

	sent := e.bridge.Sent()
	assert.Contains(t, sent[len(sent)-1].Content, "Usuario_5678")
}

func TestDuplicateDelivery(t *testing.T) {
	e := setupProcessor(t)

	first := e.proc.Process(context.Background(), inbound("m-42", "hola"))
	require.NotEqual(t, StatusAlreadyProcessed, first.Status)
	sentBefore := len(e.bridge.Sent())

	second := e.proc.Process(context.Background(), inbound("m-42", "hola"))
	assert.Equal(t, StatusAlreadyProcessed, second.Status)
	assert.Nil(t, second.User)
	// No outbound side effect for the duplicate.
	assert.Len(t, e.bridge.Sent(), sentBefore)
}

func completeRegistration(t *testing.T, e *env) {
	t.Helper()
	e.proc.Process(context.Background(), inbound("r-1", "hola"))
	e.proc.Process(context.Background(), inbound("r-2", "Juan Pérez"))
}

func TestTypingBracketOnSendFailure(t *testing.T) {
	e := setupProcessor(t)
	completeRegistration(t, e)

	// Command replies skip the default-interval cooldown, so the
	// follow-up message is admitted.
	e.bridge.mu.Lock()
	e.bridge.sendErr = &bridge.Error{Kind: bridge.KindNetwork, Op: "send", Err: errors.New("connection refused")}
	e.bridge.mu.Unlock()

	res := e.proc.Process(context.Background(), inbound("m-5", "!status"))

	assert.Equal(t, StatusFailed, res.Status)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[len(res.Errors)-1], "connection refused")

	// Typing went on and off around the failed send.
	log := e.bridge.typingLog()
	require.GreaterOrEqual(t, len(log), 2)
	assert.True(t, log[len(log)-2])
	assert.False(t, log[len(log)-1])

	// The id is recorded: a redelivery is a duplicate.
	dup := e.proc.Process(context.Background(), inbound("m-5", "!status"))
	assert.Equal(t, StatusAlreadyProcessed, dup.Status)
}

func TestContextualSilence(t *testing.T) {
	e := setupProcessor(t)
	completeRegistration(t, e)
	sentBefore := len(e.bridge.Sent())

	res := e.proc.Process(context.Background(), inbound("m-6", "estoy muy aburrido"))

	assert.Equal(t, StatusSuccess, res.Status)
	assert.False(t, res.Replied)
	assert.Len(t, e.bridge.Sent(), sentBefore)
}

func TestUnknownGetsDefaultReply(t *testing.T) {
	e := setupProcessor(t)
	completeRegistration(t, e)

	res := e.proc.Process(context.Background(), inbound("m-7", "xyzzy plugh"))

	assert.Equal(t, StatusSuccess, res.Status)
	assert.True(t, res.Replied)
	sent := e.bridge.Sent()
	assert.Contains(t, sent[len(sent)-1].Content, "No estoy seguro")
}

func TestValidationFailure(t *testing.T) {
	e := setupProcessor(t)

	res := e.proc.Process(context.Background(), store.IncomingMessage{Content: "hola"})
	assert.Equal(t, StatusFailed, res.Status)
	assert.NotEmpty(t, res.Errors)
	assert.Empty(t, e.bridge.Sent())
}

func TestHandlerPanicIsContained(t *testing.T) {
	e := setupProcessor(t)
	completeRegistration(t, e)

	cfg := e.cfg
	g, err := guard.New(cfg.Rate, nil)
	require.NoError(t, err)
	reg := handler.NewRegistry(func() *config.Config { return cfg }, g, nil)
	require.NoError(t, reg.Register(panicHandler{}))
	e.proc.registry = reg

	res := e.proc.Process(context.Background(), inbound("m-8", "!boom"))

	assert.Equal(t, StatusSuccess, res.Status)
	assert.NotEmpty(t, res.Errors)

	// Typing still toggled off after the panic.
	log := e.bridge.typingLog()
	assert.False(t, log[len(log)-1])
}

type panicHandler struct{}

func (panicHandler) Describe() handler.Descriptor { return handler.Descriptor{Name: "boom"} }
func (panicHandler) Matches(req *handler.Request) bool {
	return req.Command == "boom"
}
func (panicHandler) Execute(ctx context.Context, req *handler.Request) handler.Result {
	panic("kaput")
}

func TestPerSenderOrderUnderLoad(t *testing.T) {
	e := setupProcessor(t)
	completeRegistration(t, e)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.proc.Run(ctx)
		close(done)
	}()

	var chans []<-chan Result
	for i := 0; i < 20; i++ {
		ch, ok := e.proc.Submit(inbound(msgID(i), "estoy aburrido"))
		require.True(t, ok)
		chans = append(chans, ch)
	}
	for _, ch := range chans {
		res := <-ch
		assert.NotEmpty(t, res.Status)
	}

	cancel()
	<-done
}

func msgID(i int) string {
	return string(rune('a'+i%26)) + "-msg"
}
