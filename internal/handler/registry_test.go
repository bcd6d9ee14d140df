package handler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/bridge"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/classify"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/config"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/guard"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/store"
)

// qrSpy counts QR fetches so tests can prove the endpoint was never
// touched on a denial.
type qrSpy struct {
	*bridge.Mock
	qrCalls atomic.Int32
}

func (s *qrSpy) QR(ctx context.Context) (string, error) {
	s.qrCalls.Add(1)
	return s.Mock.QR(ctx)
}

func setupRegistry(t *testing.T) (*Registry, *qrSpy, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	g, err := guard.New(cfg.Rate, nil)
	require.NoError(t, err)

	r := NewRegistry(func() *config.Config { return cfg }, g, nil)
	spy := &qrSpy{Mock: bridge.NewMock(nil)}

	svc := config.NewService(t.TempDir(), nil)
	require.NoError(t, svc.Load())

	require.NoError(t, RegisterBuiltins(r, Deps{
		Config:     svc,
		Bridge:     spy,
		Guard:      g,
		Classifier: func() *classify.Classifier { return classify.New(cfg.Classifier) },
		MediaDir:   t.TempDir(),
	}))
	return r, spy, cfg
}

func commandMsg(text string) store.IncomingMessage {
	return store.IncomingMessage{
		ID:      "m-1",
		Sender:  "34612345678@s.whatsapp.net",
		Content: text,
		Kind:    store.KindText,
	}
}

func customer() *store.User {
	return &store.User{
		Address:     "34612345678@s.whatsapp.net",
		Phone:       "34612345678",
		DisplayName: "Juan",
		Role:        store.RoleCustomer,
	}
}

func admin() *store.User {
	u := customer()
	u.Role = store.RoleAdmin
	return u
}

func classifyCommand() classify.Classification {
	return classify.Classification{Primary: classify.KindCommand, Confidence: 0.95}
}

func TestNonAdminQRDenied(t *testing.T) {
	r, spy, _ := setupRegistry(t)

	res, claimed := r.Dispatch(context.Background(), commandMsg("!qr"), customer(), classifyCommand())

	require.True(t, claimed)
	assert.True(t, res.Denied)
	assert.Contains(t, res.Response, "Permisos insuficientes")
	// The bridge endpoint must never be touched on a denial.
	assert.Equal(t, int32(0), spy.qrCalls.Load())
}

func TestAdminQRAllowed(t *testing.T) {
	r, spy, _ := setupRegistry(t)

	res, claimed := r.Dispatch(context.Background(), commandMsg("!qr"), admin(), classifyCommand())

	require.True(t, claimed)
	assert.True(t, res.Success)
	assert.Equal(t, int32(1), spy.qrCalls.Load())
}

func TestQuotaDenial(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Rate.HourlyQuotas = map[string]int{"customer": 1}
	g, err := guard.New(cfg.Rate, nil)
	require.NoError(t, err)

	r := NewRegistry(func() *config.Config { return cfg }, g, nil)
	svc := config.NewService(t.TempDir(), nil)
	require.NoError(t, svc.Load())
	require.NoError(t, RegisterBuiltins(r, Deps{
		Config: svc,
		Bridge: bridge.NewMock(nil),
		Guard:  g,
	}))

	u := customer()
	res, claimed := r.Dispatch(context.Background(), commandMsg("!help"), u, classifyCommand())
	require.True(t, claimed)
	assert.True(t, res.Success)

	res, claimed = r.Dispatch(context.Background(), commandMsg("!help"), u, classifyCommand())
	require.True(t, claimed)
	assert.True(t, res.Denied)
	assert.Contains(t, res.Response, "cuota")
}

func TestUnknownCommandNotClaimed(t *testing.T) {
	r, _, _ := setupRegistry(t)

	_, claimed := r.Dispatch(context.Background(), commandMsg("!nosuch"), customer(), classifyCommand())
	assert.False(t, claimed)
}

func TestDuplicateAliasRejected(t *testing.T) {
	r, _, _ := setupRegistry(t)

	err := r.Register(&commandHandler{
		desc: Descriptor{Name: "help2", Aliases: []string{"ayuda"}},
		exec: func(ctx context.Context, req *Request) Result { return Result{} },
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestHelpListsByRole(t *testing.T) {
	r, _, _ := setupRegistry(t)

	res, claimed := r.Dispatch(context.Background(), commandMsg("!help"), customer(), classifyCommand())
	require.True(t, claimed)
	assert.Contains(t, res.Response, "!status")
	assert.NotContains(t, res.Response, "!qr")
	assert.NotContains(t, res.Response, "!users")

	res, _ = r.Dispatch(context.Background(), commandMsg("!help"), admin(), classifyCommand())
	assert.Contains(t, res.Response, "!qr")
	assert.Contains(t, res.Response, "!users")
}

func TestHandlerErrorBecomesInternalMessage(t *testing.T) {
	cfg := config.DefaultConfig()
	g, err := guard.New(cfg.Rate, nil)
	require.NoError(t, err)
	r := NewRegistry(func() *config.Config { return cfg }, g, nil)

	require.NoError(t, r.Register(&commandHandler{
		desc: Descriptor{Name: "boom"},
		exec: func(ctx context.Context, req *Request) Result {
			return Result{Err: errors.New("kaput")}
		},
	}))

	res, claimed := r.Dispatch(context.Background(), commandMsg("!boom"), admin(), classifyCommand())
	require.True(t, claimed)
	assert.Contains(t, res.Response, "error interno")
	assert.Error(t, res.Err)
}

func TestParseCommand(t *testing.T) {
	cmd, args, ok := ParseCommand("!users search juan", "!", "/")
	require.True(t, ok)
	assert.Equal(t, "users", cmd)
	assert.Equal(t, []string{"search", "juan"}, args)

	cmd, _, ok = ParseCommand("/STATUS", "!", "/")
	require.True(t, ok)
	assert.Equal(t, "status", cmd)

	_, _, ok = ParseCommand("hola", "!", "/")
	assert.False(t, ok)

	_, _, ok = ParseCommand("!   ", "!", "/")
	assert.False(t, ok)
}

func TestPerCommandCooldown(t *testing.T) {
	r, _, _ := setupRegistry(t)

	require.NoError(t, r.Register(&commandHandler{
		desc: Descriptor{Name: "slow", MinRole: store.RoleCustomer, Cooldown: time.Minute},
		exec: func(ctx context.Context, req *Request) Result {
			return Result{Success: true, Response: "ok", ShouldReply: true}
		},
	}))

	res, claimed := r.Dispatch(context.Background(), commandMsg("!slow"), customer(), classifyCommand())
	require.True(t, claimed)
	assert.True(t, res.Success)

	res, claimed = r.Dispatch(context.Background(), commandMsg("!slow"), customer(), classifyCommand())
	require.True(t, claimed)
	assert.True(t, res.Denied)
	assert.Contains(t, res.Response, "Límite de comandos")

	// Admins are exempt from per-command limits.
	res, claimed = r.Dispatch(context.Background(), commandMsg("!slow"), admin(), classifyCommand())
	require.True(t, claimed)
	assert.True(t, res.Success)
}

func TestDiagnosticTracksClassifierSwap(t *testing.T) {
	cfg := config.DefaultConfig()
	g, err := guard.New(cfg.Rate, nil)
	require.NoError(t, err)
	r := NewRegistry(func() *config.Config { return cfg }, g, nil)

	svc := config.NewService(t.TempDir(), nil)
	require.NoError(t, svc.Load())

	current := classify.New(cfg.Classifier)
	require.NoError(t, RegisterBuiltins(r, Deps{
		Config:     svc,
		Bridge:     bridge.NewMock(nil),
		Guard:      g,
		Classifier: func() *classify.Classifier { return current },
		MediaDir:   t.TempDir(),
	}))

	res, claimed := r.Dispatch(context.Background(),
		commandMsg("!diagnostic test zork"), admin(), classifyCommand())
	require.True(t, claimed)
	assert.Contains(t, res.Response, string(classify.KindUnknown))

	// A reloaded keyword table takes effect on the next invocation.
	swapped := cfg.Classifier
	swapped.Greetings = []string{"zork"}
	current = classify.New(swapped)

	res, claimed = r.Dispatch(context.Background(),
		commandMsg("!diagnostic test zork"), admin(), classifyCommand())
	require.True(t, claimed)
	assert.Contains(t, res.Response, string(classify.KindGreeting))
}
