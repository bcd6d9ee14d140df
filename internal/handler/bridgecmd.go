package handler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mdp/qrterminal/v3"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/store"
)

func newQRHandler(d Deps) Handler {
	return &commandHandler{
		desc: Descriptor{
			Name:        "qr",
			Description: "Código QR de vinculación",
			Usage:       "!qr",
			Category:    "bridge",
			MinRole:     store.RoleAdmin,
			Sensitive:   true,
			Priority:    30,
			Cooldown:    30 * time.Second,
		},
		exec: func(ctx context.Context, req *Request) Result {
			code, err := d.Bridge.QR(ctx)
			if err != nil {
				return Result{Err: err}
			}
			if code == "" {
				return Result{Success: true, ShouldReply: true,
					Response: "No hay vinculación pendiente; la sesión ya está activa."}
			}

			var art strings.Builder
			qrterminal.GenerateWithConfig(code, qrterminal.Config{
				Writer:    &art,
				Level:     qrterminal.L,
				BlackChar: qrterminal.BLACK,
				WhiteChar: qrterminal.WHITE,
				QuietZone: 1,
			})

			resp := "📱 Escanea este código desde WhatsApp:\n```\n" + art.String() + "```"
			if d.MediaDir != "" {
				path := filepath.Join(d.MediaDir, fmt.Sprintf("qr-%d.png", time.Now().Unix()))
				if err := os.MkdirAll(d.MediaDir, 0o755); err == nil {
					if err := qrcode.WriteFile(code, qrcode.Medium, 512, path); err == nil {
						resp += "\nImagen guardada en " + path
					}
				}
			}
			return Result{Success: true, ShouldReply: true, Response: resp}
		},
	}
}

func newBridgeHandler(d Deps) Handler {
	return &commandHandler{
		desc: Descriptor{
			Name:        "bridge",
			Description: "Estado del bridge de WhatsApp",
			Usage:       "!bridge",
			Category:    "bridge",
			MinRole:     store.RoleEmployee,
			Priority:    30,
		},
		exec: func(ctx context.Context, req *Request) Result {
			h := d.Bridge.HealthCheck(ctx)
			var b strings.Builder
			fmt.Fprintf(&b, "🌉 Bridge: %s\n", statusEmoji(h.Status))
			fmt.Fprintf(&b, "Proceso activo: %v\n", h.BridgeAvailable)
			fmt.Fprintf(&b, "Sesión WhatsApp: %v", h.WhatsAppConnected)
			if h.Details != "" {
				fmt.Fprintf(&b, "\nDetalle: %s", h.Details)
			}
			return Result{Success: true, ShouldReply: true, Response: b.String()}
		},
	}
}

func newChatsHandler(d Deps) Handler {
	return &commandHandler{
		desc: Descriptor{
			Name:        "chats",
			Description: "Últimos chats",
			Usage:       "!chats [n]",
			Category:    "bridge",
			MinRole:     store.RoleEmployee,
			Priority:    30,
		},
		exec: func(ctx context.Context, req *Request) Result {
			limit := 10
			if len(req.Args) > 0 {
				if n, err := strconv.Atoi(req.Args[0]); err == nil && n > 0 && n <= 50 {
					limit = n
				}
			}
			chats, err := d.Bridge.Chats(ctx, limit)
			if err != nil {
				return Result{Err: err}
			}
			if len(chats) == 0 {
				return Result{Success: true, ShouldReply: true, Response: "No hay chats."}
			}
			var b strings.Builder
			fmt.Fprintf(&b, "💬 Chats (%d):\n", len(chats))
			for _, c := range chats {
				name := c.Name
				if name == "" {
					name = c.JID
				}
				fmt.Fprintf(&b, "• %s – %s\n", name, c.LastMessageTime.Format("2006-01-02 15:04"))
			}
			return Result{Success: true, ShouldReply: true, Response: strings.TrimRight(b.String(), "\n")}
		},
	}
}

func newHistoryHandler(d Deps) Handler {
	return &commandHandler{
		desc: Descriptor{
			Name:        "history",
			Aliases:     []string{"historial"},
			Description: "Historial de un chat",
			Usage:       "!history <jid> [n]",
			Category:    "bridge",
			MinRole:     store.RoleEmployee,
			Priority:    30,
		},
		exec: func(ctx context.Context, req *Request) Result {
			if len(req.Args) == 0 {
				return Result{Success: false, ShouldReply: true, Response: "Uso: !history <jid> [n]"}
			}
			jid := req.Args[0]
			if !strings.Contains(jid, "@") {
				jid += "@s.whatsapp.net"
			}
			limit := 10
			if len(req.Args) > 1 {
				if n, err := strconv.Atoi(req.Args[1]); err == nil && n > 0 && n <= 50 {
					limit = n
				}
			}
			msgs, err := d.Bridge.History(ctx, jid, limit)
			if err != nil {
				return Result{Err: err}
			}
			if len(msgs) == 0 {
				return Result{Success: true, ShouldReply: true, Response: "Sin mensajes para " + jid}
			}
			var b strings.Builder
			fmt.Fprintf(&b, "🗂 Historial de %s (%d):\n", jid, len(msgs))
			for _, m := range msgs {
				who := "↩️"
				if m.IsFromMe {
					who = "➡️"
				}
				text := m.Content
				if text == "" && m.MediaType != "" {
					text = "[" + m.MediaType + "]"
				}
				fmt.Fprintf(&b, "%s %s %s\n", who, m.Timestamp.Format("15:04"), truncate(text, 60))
			}
			return Result{Success: true, ShouldReply: true, Response: strings.TrimRight(b.String(), "\n")}
		},
	}
}

func newBridgeHealthHandler(d Deps) Handler {
	return &commandHandler{
		desc: Descriptor{
			Name:        "bridge-health",
			Aliases:     []string{"bridgehealth"},
			Description: "Salud detallada del bridge",
			Usage:       "!bridge-health",
			Category:    "bridge",
			MinRole:     store.RoleAdmin,
			Sensitive:   true,
			Priority:    30,
		},
		exec: func(ctx context.Context, req *Request) Result {
			cfg := d.Config.Snapshot()
			h := d.Bridge.HealthCheck(ctx)

			var b strings.Builder
			b.WriteString("🏥 Salud del bridge\n")
			fmt.Fprintf(&b, "URL: %s\n", cfg.Bridge.URL)
			fmt.Fprintf(&b, "Estado: %s\n", statusEmoji(h.Status))
			fmt.Fprintf(&b, "Proceso activo: %v\n", h.BridgeAvailable)
			fmt.Fprintf(&b, "Sesión WhatsApp: %v\n", h.WhatsAppConnected)
			if h.Details != "" {
				fmt.Fprintf(&b, "Detalle: %s\n", h.Details)
			}
			if info, err := d.Bridge.Status(ctx); err == nil && len(info.UserInfo) > 0 {
				fmt.Fprintf(&b, "Sesión: %v\n", info.UserInfo)
			}
			return Result{Success: true, ShouldReply: true, Response: strings.TrimRight(b.String(), "\n")}
		},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
