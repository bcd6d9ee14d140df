package processor

import (
	"context"
	"log/slog"
	"time"

	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/bridge"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/registration"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/store"
)

// regNotifier carries the registration engine's side effects into the
// store and out through the bridge.
type regNotifier struct {
	users  store.UserRepo
	bridge bridge.API
	log    *slog.Logger
}

// NewRegistrationNotifier wires the engine's callbacks.
func NewRegistrationNotifier(users store.UserRepo, b bridge.API, log *slog.Logger) registration.Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &regNotifier{users: users, bridge: b, log: log}
}

func (n *regNotifier) UpdateName(ctx context.Context, user *store.User, name string, temporary bool) error {
	user.DisplayName = name
	user.SetRegistration(store.RegistrationData{
		Step:      store.StepCompleted,
		StartedAt: time.Now(),
	})
	if user.Metadata == nil {
		user.Metadata = map[string]any{}
	}
	user.Metadata["isTemporaryName"] = temporary
	return n.users.Update(ctx, user)
}

func (n *regNotifier) SendMessage(ctx context.Context, address, text string) error {
	_, err := n.bridge.Send(ctx, address, text)
	return err
}

func (n *regNotifier) NotifyRegistered(ctx context.Context, address, name string) error {
	n.log.Info("user registered", "address", address, "name", name)
	return nil
}
