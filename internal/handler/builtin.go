package handler

import (
	"log/slog"

	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/bridge"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/classify"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/config"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/guard"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/store"
)

// Deps wires the built-in handlers to the rest of the bot.
type Deps struct {
	Config       *config.Service
	Users        store.UserRepo
	Bridge       bridge.API
	Guard        *guard.Guard
	Stats        StatsProvider
	Registration interface{ PendingCount() int }
	Classifier   func() *classify.Classifier
	MediaDir     string
	Log          *slog.Logger
}

// RegisterBuiltins installs the full built-in command set.
func RegisterBuiltins(r *Registry, d Deps) error {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	handlers := []Handler{
		newHelpHandler(r, d),
		newStatusHandler(d),
		newAdminHandler(d),
		newAdminSystemHandler(d),
		newDiagnosticHandler(d),
		newUsersHandler(d),
		newQRHandler(d),
		newBridgeHandler(d),
		newChatsHandler(d),
		newHistoryHandler(d),
		newBridgeHealthHandler(d),
	}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}
