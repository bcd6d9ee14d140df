package registration

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/config"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/store"
)

type fakeNotifier struct {
	updates    []string
	temporary  []bool
	sent       []string
	registered []string
}

func (f *fakeNotifier) UpdateName(_ context.Context, _ *store.User, name string, temporary bool) error {
	f.updates = append(f.updates, name)
	f.temporary = append(f.temporary, temporary)
	return nil
}

func (f *fakeNotifier) SendMessage(_ context.Context, _, text string) error {
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeNotifier) NotifyRegistered(_ context.Context, _, name string) error {
	f.registered = append(f.registered, name)
	return nil
}

func setupEngine(t *testing.T) (*Engine, *fakeNotifier) {
	t.Helper()
	cfg := config.DefaultConfig()
	n := &fakeNotifier{}
	e := NewEngine(cfg.Registration, cfg.Messages, n, nil)
	return e, n
}

func testUser() *store.User {
	return &store.User{
		Address: "34612345678@s.whatsapp.net",
		Phone:   "34612345678",
		Role:    store.RoleCustomer,
	}
}

func TestFirstMessageStartsFlow(t *testing.T) {
	e, n := setupEngine(t)
	u := testUser()

	require.NoError(t, e.Process(context.Background(), u, "hola"))

	assert.True(t, e.Pending(u.Address))
	require.Len(t, n.sent, 1)
	assert.Contains(t, n.sent[0], "¿Cuál es tu nombre?")
	// The new-user salutation precedes the question.
	assert.True(t, strings.HasPrefix(n.sent[0], "¡Hola!"))
}

func TestFirstContactUsesNewUserGreeting(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Messages.Greetings.New = []string{"Bienvenido, soy {bot}."}
	n := &fakeNotifier{}
	e := NewEngine(cfg.Registration, cfg.Messages, n, nil)
	e.SetBotName("DrasBot")

	require.NoError(t, e.Process(context.Background(), testUser(), "hola"))

	require.Len(t, n.sent, 1)
	assert.True(t, strings.HasPrefix(n.sent[0], "Bienvenido, soy DrasBot."))
}

func TestFirstContactFallsBackToTimeOfDay(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Messages.Greetings.New = nil
	n := &fakeNotifier{}
	e := NewEngine(cfg.Registration, cfg.Messages, n, nil)

	require.NoError(t, e.Process(context.Background(), testUser(), "hola"))

	require.Len(t, n.sent, 1)
	assert.True(t, strings.HasPrefix(n.sent[0], "¡Buen"))
}

func TestHappyPath(t *testing.T) {
	e, n := setupEngine(t)
	u := testUser()

	require.NoError(t, e.Process(context.Background(), u, "hola"))
	require.NoError(t, e.Process(context.Background(), u, "Juan Pérez"))

	assert.False(t, e.Pending(u.Address))
	require.Len(t, n.updates, 1)
	assert.Equal(t, "Juan Pérez", n.updates[0])
	assert.False(t, n.temporary[0])
	assert.Equal(t, []string{"Juan Pérez"}, n.registered)
	require.Len(t, n.sent, 2)
	assert.Contains(t, n.sent[1], "¡Perfecto, Juan Pérez!")
}

func TestFallbackAfterMaxAttempts(t *testing.T) {
	e, n := setupEngine(t)
	u := testUser()

	require.NoError(t, e.Process(context.Background(), u, "hola"))
	require.NoError(t, e.Process(context.Background(), u, "123456789"))
	require.NoError(t, e.Process(context.Background(), u, "123"))
	require.NoError(t, e.Process(context.Background(), u, "456"))

	assert.False(t, e.Pending(u.Address))
	require.Len(t, n.updates, 1)
	assert.Equal(t, "Usuario_5678", n.updates[0])
	assert.True(t, n.temporary[0])
	assert.Empty(t, n.registered)
	assert.Contains(t, n.sent[len(n.sent)-1], "Usuario_5678")
}

func TestTimeoutAssignsTempName(t *testing.T) {
	e, n := setupEngine(t)
	u := testUser()

	now := time.Now()
	e.now = func() time.Time { return now }
	require.NoError(t, e.Process(context.Background(), u, "hola"))

	e.now = func() time.Time { return now.Add(31 * time.Minute) }
	require.NoError(t, e.Process(context.Background(), u, "Juan"))

	assert.False(t, e.Pending(u.Address))
	require.Len(t, n.updates, 1)
	assert.Equal(t, "Usuario_5678", n.updates[0])
	assert.True(t, n.temporary[0])
}

func TestInvalidAttemptMessages(t *testing.T) {
	e, n := setupEngine(t)
	u := testUser()
	require.NoError(t, e.Process(context.Background(), u, "hola"))

	require.NoError(t, e.Process(context.Background(), u, "J"))
	assert.Contains(t, n.sent[len(n.sent)-1], "demasiado corto")

	require.NoError(t, e.Process(context.Background(), u, "Juan@Pérez"))
	assert.Contains(t, n.sent[len(n.sent)-1], "caracteres no válidos")

	assert.True(t, e.Pending(u.Address))
}

func TestSweepExpired(t *testing.T) {
	e, n := setupEngine(t)
	u := testUser()

	now := time.Now()
	e.now = func() time.Time { return now }
	require.NoError(t, e.Process(context.Background(), u, "hola"))

	e.now = func() time.Time { return now.Add(time.Hour) }
	e.SweepExpired(context.Background(), func(address string) (*store.User, error) {
		if address != u.Address {
			return nil, fmt.Errorf("unexpected address %s", address)
		}
		return u, nil
	})

	assert.False(t, e.Pending(u.Address))
	require.Len(t, n.updates, 1)
	assert.True(t, n.temporary[0])
}

func TestNeedsRegistration(t *testing.T) {
	e, _ := setupEngine(t)
	u := testUser()

	assert.True(t, e.NeedsRegistration(u))

	u.SetRegistration(store.RegistrationData{Step: store.StepCompleted})
	assert.False(t, e.NeedsRegistration(u))
}

func TestValidateName(t *testing.T) {
	const phone = "34612345678"
	tests := []struct {
		name   string
		input  string
		want   string
		reason Reason
	}{
		{"simple", "Juan", "Juan", ""},
		{"diacritics", "José María", "José María", ""},
		{"apostrophe", "O'Brien", "O'Brien", ""},
		{"hyphen", "Ana-Sofía", "Ana-Sofía", ""},
		{"whitespace collapsed", "  Juan   Pérez  ", "Juan Pérez", ""},
		{"empty", "   ", "", ReasonEmpty},
		{"all digits", "123456789", "", ReasonIsPhone},
		{"too short", "J", "", ReasonTooShort},
		{"too long", strings.Repeat("a", 51), "", ReasonTooLong},
		{"symbols", "Juan<script>", "", ReasonBadChars},
		{"forbidden bot", "chatbot", "", ReasonForbidden},
		{"forbidden admin", "Administrador", "", ReasonForbidden},
		{"forbidden case-insensitive", "SISTEMA", "", ReasonForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateName(tt.input, phone, 2, 50)
			if tt.reason == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.reason, ve.Reason)
		})
	}
}

func TestValidateNameBoundaries(t *testing.T) {
	// Exactly minLen valid, one shorter invalid.
	_, err := ValidateName("ab", "", 2, 50)
	require.NoError(t, err)
	_, err = ValidateName("a", "", 2, 50)
	require.Error(t, err)

	// Exactly maxLen valid, one longer invalid.
	_, err = ValidateName(strings.Repeat("a", 50), "", 2, 50)
	require.NoError(t, err)
	_, err = ValidateName(strings.Repeat("a", 51), "", 2, 50)
	require.Error(t, err)
}

func TestCleanNameIdempotent(t *testing.T) {
	inputs := []string{"  Juan  Pérez ", "Ana", "", "  ", "a\tb\nc"}
	for _, s := range inputs {
		once := CleanName(s)
		assert.Equal(t, once, CleanName(once))

		_, err1 := ValidateName(s, "", 2, 50)
		_, err2 := ValidateName(once, "", 2, 50)
		assert.Equal(t, err1 == nil, err2 == nil, "input %q", s)
	}
}
