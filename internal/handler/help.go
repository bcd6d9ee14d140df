package handler

import (
	"context"
	"fmt"
	"strings"
	"time"
)

func newHelpHandler(r *Registry, d Deps) Handler {
	return &commandHandler{
		desc: Descriptor{
			Name:        "help",
			Aliases:     []string{"ayuda"},
			Description: "Lista los comandos disponibles",
			Usage:       "!help",
			Category:    "general",
			Priority:    10,
		},
		exec: func(ctx context.Context, req *Request) Result {
			cfg := d.Config.Snapshot()
			prefix := cfg.Bot.CommandPrefix

			var b strings.Builder
			for _, line := range cfg.Messages.Help.General {
				b.WriteString(line)
				b.WriteString("\n")
			}
			b.WriteString("\nComandos disponibles:\n")
			for _, desc := range r.Descriptors() {
				// Only list what this user could actually run.
				if !req.User.Role.AtLeast(desc.MinRole) {
					continue
				}
				if desc.Sensitive && !req.User.IsAdmin() {
					continue
				}
				b.WriteString(fmt.Sprintf("• %s%s", prefix, desc.Name))
				if desc.Description != "" {
					b.WriteString(" – " + desc.Description)
				}
				b.WriteString("\n")
			}
			return Result{Success: true, ShouldReply: true, Response: strings.TrimRight(b.String(), "\n")}
		},
	}
}

func newStatusHandler(d Deps) Handler {
	return &commandHandler{
		desc: Descriptor{
			Name:        "status",
			Aliases:     []string{"ping", "estado"},
			Description: "Estado del bot",
			Usage:       "!status",
			Category:    "general",
			Priority:    10,
		},
		exec: func(ctx context.Context, req *Request) Result {
			cfg := d.Config.Snapshot()

			var b strings.Builder
			fmt.Fprintf(&b, "🤖 %s operativo\n", cfg.Bot.Name)
			if d.Stats != nil {
				s := d.Stats.StatsSnapshot()
				fmt.Fprintf(&b, "Tiempo activo: %s\n", formatDuration(time.Since(s.StartedAt)))
				fmt.Fprintf(&b, "Mensajes procesados: %d\n", s.Processed)
			}
			if d.Bridge != nil {
				h := d.Bridge.HealthCheck(ctx)
				fmt.Fprintf(&b, "WhatsApp: %s", statusEmoji(h.Status))
			}
			return Result{
				Success:     true,
				ShouldReply: true,
				Response:    strings.TrimRight(b.String(), "\n"),
			}
		},
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, h, m)
	}
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	return fmt.Sprintf("%dm %ds", m, (d-m*time.Minute)/time.Second)
}

func statusEmoji(status string) string {
	switch status {
	case "connected":
		return "✅ conectado"
	case "disconnected":
		return "⚠️ bridge activo, sesión caída"
	case "bridge_down":
		return "❌ bridge caído"
	default:
		return "❓ " + status
	}
}
