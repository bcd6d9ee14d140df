package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/config"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/store"
)

func newAdminHandler(d Deps) Handler {
	return &commandHandler{
		desc: Descriptor{
			Name:        "admin",
			Description: "Panel de administración",
			Usage:       "!admin",
			Category:    "admin",
			MinRole:     store.RoleAdmin,
			Sensitive:   true,
			Priority:    20,
		},
		exec: func(ctx context.Context, req *Request) Result {
			cfg := d.Config.Snapshot()

			var b strings.Builder
			fmt.Fprintf(&b, "🛠 Panel de administración de %s\n\n", cfg.Bot.Name)

			if d.Users != nil {
				if stats, err := d.Users.Stats(ctx); err == nil {
					fmt.Fprintf(&b, "Usuarios: %d en total\n", stats.Total)
					for role, n := range stats.ByRole {
						fmt.Fprintf(&b, "  %s: %d\n", role, n)
					}
					fmt.Fprintf(&b, "Activos 24h: %d\n", stats.Active24h)
				} else {
					return Result{Err: err}
				}
			}
			if d.Registration != nil {
				fmt.Fprintf(&b, "Registros pendientes: %d\n", d.Registration.PendingCount())
			}
			if d.Bridge != nil {
				h := d.Bridge.HealthCheck(ctx)
				fmt.Fprintf(&b, "Bridge: %s\n", statusEmoji(h.Status))
			}
			b.WriteString("\nSubcomandos: !admin-system, !users, !diagnostic, !bridge-health")
			return Result{Success: true, ShouldReply: true, Response: b.String()}
		},
	}
}

func newAdminSystemHandler(d Deps) Handler {
	return &commandHandler{
		desc: Descriptor{
			Name:        "admin-system",
			Aliases:     []string{"adminsystem"},
			Description: "Operaciones de sistema (stats, reload, toggle)",
			Usage:       "!admin-system [stats|reload|toggle|help]",
			Category:    "admin",
			MinRole:     store.RoleAdmin,
			Sensitive:   true,
			Priority:    20,
		},
		exec: func(ctx context.Context, req *Request) Result {
			sub := "help"
			if len(req.Args) > 0 {
				sub = strings.ToLower(req.Args[0])
			}
			switch sub {
			case "stats":
				return adminSystemStats(d)
			case "reload":
				if err := d.Config.Reload(); err != nil {
					return Result{
						Success:     false,
						ShouldReply: true,
						Response:    "❌ Recarga fallida, se mantiene la configuración anterior: " + err.Error(),
					}
				}
				return Result{Success: true, ShouldReply: true, Response: "✅ Configuración recargada."}
			case "toggle":
				enabled := d.Config.Snapshot().Bridge.Enabled
				if err := d.Config.Set("bridge.enabled", !enabled, config.SourceRuntime, req.User.Address); err != nil {
					return Result{Err: err}
				}
				if enabled {
					return Result{Success: true, ShouldReply: true, Response: "⏸ Integración con el bridge desactivada."}
				}
				return Result{Success: true, ShouldReply: true, Response: "▶️ Integración con el bridge activada."}
			case "help":
				return Result{
					Success:     true,
					ShouldReply: true,
					Response:    "Uso: !admin-system [stats|reload|toggle|help]",
				}
			default:
				return Result{
					Success:     false,
					ShouldReply: true,
					Response:    fmt.Sprintf("Subcomando desconocido %q. Uso: !admin-system [stats|reload|toggle|help]", sub),
				}
			}
		},
	}
}

func adminSystemStats(d Deps) Result {
	var b strings.Builder
	b.WriteString("📊 Estadísticas del sistema\n")
	if d.Stats != nil {
		s := d.Stats.StatsSnapshot()
		fmt.Fprintf(&b, "Tiempo activo: %s\n", formatDuration(time.Since(s.StartedAt)))
		fmt.Fprintf(&b, "Procesados: %d\n", s.Processed)
		fmt.Fprintf(&b, "Enviados: %d\n", s.Sent)
		fmt.Fprintf(&b, "Descartados: %d\n", s.Dropped)
		fmt.Fprintf(&b, "Fallidos: %d\n", s.Failed)
		if !s.LastMessageAt.IsZero() {
			fmt.Fprintf(&b, "Último mensaje: %s\n", s.LastMessageAt.Format(time.RFC3339))
		}
	}
	if w := d.Config.Warnings(); len(w) > 0 {
		b.WriteString("Avisos de configuración:\n")
		for _, msg := range w {
			fmt.Fprintf(&b, "  ⚠️ %s\n", msg)
		}
	}
	return Result{Success: true, ShouldReply: true, Response: strings.TrimRight(b.String(), "\n")}
}

func newDiagnosticHandler(d Deps) Handler {
	return &commandHandler{
		desc: Descriptor{
			Name:        "diagnostic",
			Aliases:     []string{"diag"},
			Description: "Diagnóstico del clasificador y del sistema",
			Usage:       "!diagnostic [stats|contextual|test <texto>|all]",
			Category:    "admin",
			MinRole:     store.RoleAdmin,
			Sensitive:   true,
			Priority:    20,
		},
		exec: func(ctx context.Context, req *Request) Result {
			sub := "all"
			if len(req.Args) > 0 {
				sub = strings.ToLower(req.Args[0])
			}
			switch sub {
			case "stats":
				return adminSystemStats(d)
			case "contextual":
				cfg := d.Config.Snapshot()
				return Result{
					Success:     true,
					ShouldReply: true,
					Response: "Palabras contextuales activas: " +
						strings.Join(cfg.Classifier.Contextual, ", "),
				}
			case "test":
				if len(req.Args) < 2 {
					return Result{Success: false, ShouldReply: true, Response: "Uso: !diagnostic test <texto>"}
				}
				if d.Classifier == nil {
					return Result{Success: false, ShouldReply: true, Response: "Clasificador no disponible."}
				}
				text := strings.Join(req.Args[1:], " ")
				cls := d.Classifier().Classify(text)
				return Result{
					Success:     true,
					ShouldReply: true,
					Response: fmt.Sprintf("Texto: %q\nPrimario: %s\nConfianza: %.2f\nSentimiento: %s",
						text, cls.Primary, cls.Confidence, cls.Sentiment),
					Data: map[string]any{"classification": cls},
				}
			case "all":
				stats := adminSystemStats(d)
				var b strings.Builder
				b.WriteString(stats.Response)
				if d.Bridge != nil {
					h := d.Bridge.HealthCheck(ctx)
					fmt.Fprintf(&b, "\nBridge: %s", statusEmoji(h.Status))
				}
				return Result{Success: true, ShouldReply: true, Response: b.String()}
			default:
				return Result{
					Success:     false,
					ShouldReply: true,
					Response:    "Uso: !diagnostic [stats|contextual|test <texto>|all]",
				}
			}
		},
	}
}
