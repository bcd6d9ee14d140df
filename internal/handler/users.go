package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/store"
)

const usersUsage = "Uso: !users list [n]|search <término>|info <teléfono>|update <teléfono> role|name <valor>|delete <teléfono> confirm|stats"

func newUsersHandler(d Deps) Handler {
	return &commandHandler{
		desc: Descriptor{
			Name:        "users",
			Aliases:     []string{"usuarios"},
			Description: "Gestión de usuarios",
			Usage:       usersUsage,
			Category:    "admin",
			MinRole:     store.RoleAdmin,
			Sensitive:   true,
			Priority:    20,
		},
		exec: func(ctx context.Context, req *Request) Result {
			if len(req.Args) == 0 {
				return Result{Success: false, ShouldReply: true, Response: usersUsage}
			}
			sub := strings.ToLower(req.Args[0])
			args := req.Args[1:]
			switch sub {
			case "list":
				return usersList(ctx, d, args)
			case "search":
				return usersSearch(ctx, d, args)
			case "info":
				return usersInfo(ctx, d, args)
			case "update":
				return usersUpdate(ctx, d, args)
			case "delete":
				return usersDelete(ctx, d, args)
			case "stats":
				return usersStats(ctx, d)
			default:
				return Result{Success: false, ShouldReply: true, Response: usersUsage}
			}
		},
	}
}

// resolveUser finds a user by phone number or full address.
func resolveUser(ctx context.Context, d Deps, key string) (*store.User, error) {
	if strings.Contains(key, "@") {
		return d.Users.GetByAddress(ctx, key)
	}
	return d.Users.GetByPhone(ctx, strings.TrimPrefix(key, "+"))
}

func usersList(ctx context.Context, d Deps, args []string) Result {
	limit := 10
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 && n <= 50 {
			limit = n
		}
	}
	users, err := d.Users.List(ctx, limit, 0)
	if err != nil {
		return Result{Err: err}
	}
	if len(users) == 0 {
		return Result{Success: true, ShouldReply: true, Response: "No hay usuarios registrados."}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "👥 Usuarios (%d):\n", len(users))
	for _, u := range users {
		fmt.Fprintf(&b, "• %s (%s) – %s\n", displayName(&u), u.Phone, u.Role)
	}
	return Result{Success: true, ShouldReply: true, Response: strings.TrimRight(b.String(), "\n")}
}

func usersSearch(ctx context.Context, d Deps, args []string) Result {
	if len(args) == 0 {
		return Result{Success: false, ShouldReply: true, Response: "Uso: !users search <término>"}
	}
	users, err := d.Users.Search(ctx, strings.Join(args, " "), 10)
	if err != nil {
		return Result{Err: err}
	}
	if len(users) == 0 {
		return Result{Success: true, ShouldReply: true, Response: "Sin resultados."}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🔍 Resultados (%d):\n", len(users))
	for _, u := range users {
		fmt.Fprintf(&b, "• %s (%s) – %s\n", displayName(&u), u.Phone, u.Role)
	}
	return Result{Success: true, ShouldReply: true, Response: strings.TrimRight(b.String(), "\n")}
}

func usersInfo(ctx context.Context, d Deps, args []string) Result {
	if len(args) == 0 {
		return Result{Success: false, ShouldReply: true, Response: "Uso: !users info <teléfono>"}
	}
	u, err := resolveUser(ctx, d, args[0])
	if errors.Is(err, store.ErrNotFound) {
		return Result{Success: false, ShouldReply: true, Response: "Usuario no encontrado."}
	}
	if err != nil {
		return Result{Err: err}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "👤 %s\n", displayName(u))
	fmt.Fprintf(&b, "Teléfono: %s\n", u.Phone)
	fmt.Fprintf(&b, "Dirección: %s\n", u.Address)
	fmt.Fprintf(&b, "Rol: %s\n", u.Role)
	fmt.Fprintf(&b, "Mensajes: %d\n", u.MessageCount)
	if d.Guard != nil {
		fmt.Fprintf(&b, "Respuestas última hora: %d\n", d.Guard.RecentResponses(u.Address))
	}
	fmt.Fprintf(&b, "Alta: %s\n", u.CreatedAt.Format("2006-01-02"))
	if !u.LastActivity.IsZero() {
		fmt.Fprintf(&b, "Última actividad: %s", u.LastActivity.Format(time.RFC3339))
	}
	return Result{Success: true, ShouldReply: true, Response: strings.TrimRight(b.String(), "\n")}
}

func usersUpdate(ctx context.Context, d Deps, args []string) Result {
	if len(args) < 3 {
		return Result{Success: false, ShouldReply: true, Response: "Uso: !users update <teléfono> role|name <valor>"}
	}
	u, err := resolveUser(ctx, d, args[0])
	if errors.Is(err, store.ErrNotFound) {
		return Result{Success: false, ShouldReply: true, Response: "Usuario no encontrado."}
	}
	if err != nil {
		return Result{Err: err}
	}

	field := strings.ToLower(args[1])
	value := strings.Join(args[2:], " ")
	switch field {
	case "role":
		role := store.Role(strings.ToLower(value))
		if !role.Valid() {
			return Result{Success: false, ShouldReply: true,
				Response: "Rol no válido. Roles: admin, employee, provider, friend, familiar, customer, block."}
		}
		u.Role = role
	case "name":
		u.DisplayName = value
	default:
		return Result{Success: false, ShouldReply: true, Response: "Campo no válido. Campos: role, name."}
	}

	if err := d.Users.Update(ctx, u); err != nil {
		return Result{Err: err}
	}
	return Result{Success: true, ShouldReply: true,
		Response: fmt.Sprintf("✅ Usuario %s actualizado: %s = %s", displayName(u), field, value)}
}

func usersDelete(ctx context.Context, d Deps, args []string) Result {
	if len(args) == 0 {
		return Result{Success: false, ShouldReply: true, Response: "Uso: !users delete <teléfono> confirm"}
	}
	// The confirm token is required; deletion cascades to interactions.
	if len(args) < 2 || strings.ToLower(args[1]) != "confirm" {
		return Result{Success: false, ShouldReply: true,
			Response: "⚠️ Eliminar es irreversible. Repite el comando añadiendo `confirm`."}
	}
	u, err := resolveUser(ctx, d, args[0])
	if errors.Is(err, store.ErrNotFound) {
		return Result{Success: false, ShouldReply: true, Response: "Usuario no encontrado."}
	}
	if err != nil {
		return Result{Err: err}
	}
	if err := d.Users.Delete(ctx, u.Address); err != nil {
		return Result{Err: err}
	}
	return Result{Success: true, ShouldReply: true,
		Response: fmt.Sprintf("🗑 Usuario %s eliminado.", displayName(u))}
}

func usersStats(ctx context.Context, d Deps) Result {
	stats, err := d.Users.Stats(ctx)
	if err != nil {
		return Result{Err: err}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📈 Estadísticas de usuarios\nTotal: %d\n", stats.Total)
	for role, n := range stats.ByRole {
		fmt.Fprintf(&b, "  %s: %d\n", role, n)
	}
	fmt.Fprintf(&b, "Activos 24h: %d\nActivos 7d: %d\nActivos 30d: %d\n",
		stats.Active24h, stats.ActiveWeek, stats.ActiveMonth)
	fmt.Fprintf(&b, "Mensajes totales: %d\n", stats.TotalMessages)
	if len(stats.TopSenders) > 0 {
		b.WriteString("Más activos:\n")
		for _, s := range stats.TopSenders {
			fmt.Fprintf(&b, "  %s: %d\n", s.DisplayName, s.MessageCount)
		}
	}
	return Result{Success: true, ShouldReply: true, Response: strings.TrimRight(b.String(), "\n")}
}

func displayName(u *store.User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.Phone != "" {
		return u.Phone
	}
	return u.Address
}
