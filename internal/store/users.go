package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLiteUserRepo persists User records.
type SQLiteUserRepo struct {
	db *sql.DB
}

const userColumns = `id, address, phone, display_name, role, language, active, created_at, updated_at, last_activity, message_count, metadata`

func (r *SQLiteUserRepo) GetByAddress(ctx context.Context, address string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE address = ?`, address)
	return scanUser(row)
}

func (r *SQLiteUserRepo) GetByPhone(ctx context.Context, phone string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE phone = ?`, phone)
	return scanUser(row)
}

// Search matches address, phone or display_name against the term.
func (r *SQLiteUserRepo) Search(ctx context.Context, term string, limit int) ([]User, error) {
	pattern := "%" + term + "%"
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE address LIKE ? OR phone LIKE ? OR display_name LIKE ?
		ORDER BY last_activity DESC
		LIMIT ?`, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (r *SQLiteUserRepo) List(ctx context.Context, limit, offset int) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		ORDER BY created_at ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (r *SQLiteUserRepo) Create(ctx context.Context, u *User) error {
	if !u.Role.Valid() {
		return fmt.Errorf("invalid role: %s", u.Role)
	}
	meta, err := marshalMetadata(u.Metadata)
	if err != nil {
		return err
	}
	now := time.Now()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO users (address, phone, display_name, role, language, active, created_at, updated_at, last_activity, message_count, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.Address, u.Phone, u.DisplayName, string(u.Role), u.Language, u.Active,
		now, now, now, u.MessageCount, meta,
	)
	if err != nil {
		return err
	}
	u.ID, _ = res.LastInsertId()
	u.CreatedAt = now
	u.UpdatedAt = now
	u.LastActivity = now
	return nil
}

func (r *SQLiteUserRepo) Update(ctx context.Context, u *User) error {
	if !u.Role.Valid() {
		return fmt.Errorf("invalid role: %s", u.Role)
	}
	meta, err := marshalMetadata(u.Metadata)
	if err != nil {
		return err
	}
	now := time.Now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET phone = ?, display_name = ?, role = ?, language = ?, active = ?, updated_at = ?, last_activity = ?, message_count = ?, metadata = ?
		WHERE address = ?`,
		u.Phone, u.DisplayName, string(u.Role), u.Language, u.Active,
		now, u.LastActivity, u.MessageCount, meta, u.Address,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	u.UpdatedAt = now
	return nil
}

// Delete removes a user. Interactions cascade via foreign key; the
// conversation state row is removed explicitly (it is keyed by address,
// not user id).
func (r *SQLiteUserRepo) Delete(ctx context.Context, address string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE address = ?`, address)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_states WHERE address = ?`, address); err != nil {
		return err
	}
	return tx.Commit()
}

// RegisterUser creates or updates a user from an inbound registration.
// Two protections apply on update: the role never downgrades (the
// greater of prior and proposed wins), and an existing display name is
// preserved unless it still equals the phone-number form. A routine
// auto-ingest can therefore never overwrite a privileged role or a real
// name.
func (r *SQLiteUserRepo) RegisterUser(ctx context.Context, proposed *User) (*User, error) {
	existing, err := r.GetByAddress(ctx, proposed.Address)
	if err == ErrNotFound {
		if err := r.Create(ctx, proposed); err != nil {
			return nil, err
		}
		return proposed, nil
	}
	if err != nil {
		return nil, err
	}

	existing.Role = MaxRole(existing.Role, proposed.Role)
	if existing.DisplayName == "" || existing.DisplayName == existing.Phone {
		existing.DisplayName = proposed.DisplayName
	}
	if proposed.Phone != "" {
		existing.Phone = proposed.Phone
	}
	if proposed.Language != "" {
		existing.Language = proposed.Language
	}
	for k, v := range proposed.Metadata {
		if existing.Metadata == nil {
			existing.Metadata = map[string]any{}
		}
		existing.Metadata[k] = v
	}
	if err := r.Update(ctx, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// RecordInteraction appends an interaction row and bumps the user's
// message counter and last-activity timestamp.
func (r *SQLiteUserRepo) RecordInteraction(ctx context.Context, userID int64, kind string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_interactions (user_id, kind, created_at) VALUES (?, ?, ?)`,
		userID, kind, now,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET message_count = message_count + 1, last_activity = ?, updated_at = ? WHERE id = ?`,
		now, now, userID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Stats aggregates the user table: totals, role distribution, activity
// windows (via interactions), and message counts.
func (r *SQLiteUserRepo) Stats(ctx context.Context) (*UserStats, error) {
	stats := &UserStats{ByRole: map[Role]int{}}

	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(message_count), 0) FROM users`).
		Scan(&stats.Total, &stats.TotalMessages); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `SELECT role, COUNT(*) FROM users GROUP BY role`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		var count int
		if err := rows.Scan(&role, &count); err != nil {
			return nil, err
		}
		stats.ByRole[Role(role)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now()
	windows := []struct {
		since time.Time
		dst   *int
	}{
		{now.Add(-24 * time.Hour), &stats.Active24h},
		{now.Add(-7 * 24 * time.Hour), &stats.ActiveWeek},
		{now.Add(-30 * 24 * time.Hour), &stats.ActiveMonth},
	}
	for _, w := range windows {
		if err := r.db.QueryRowContext(ctx,
			`SELECT COUNT(DISTINCT user_id) FROM user_interactions WHERE created_at > ?`, w.since,
		).Scan(w.dst); err != nil {
			return nil, err
		}
	}

	top, err := r.db.QueryContext(ctx, `
		SELECT address, display_name, message_count FROM users
		WHERE message_count > 0
		ORDER BY message_count DESC
		LIMIT 5`)
	if err != nil {
		return nil, err
	}
	defer top.Close()
	for top.Next() {
		var sc SenderCount
		if err := top.Scan(&sc.Address, &sc.DisplayName, &sc.MessageCount); err != nil {
			return nil, err
		}
		stats.TopSenders = append(stats.TopSenders, sc)
	}
	return stats, top.Err()
}

func marshalMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUserFields(row rowScanner) (*User, error) {
	var u User
	var role, meta string
	var lastActivity sql.NullTime
	err := row.Scan(&u.ID, &u.Address, &u.Phone, &u.DisplayName, &role, &u.Language,
		&u.Active, &u.CreatedAt, &u.UpdatedAt, &lastActivity, &u.MessageCount, &meta)
	if err != nil {
		return nil, err
	}
	u.Role = Role(role)
	if lastActivity.Valid {
		u.LastActivity = lastActivity.Time
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &u.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for %s: %w", u.Address, err)
		}
	}
	return &u, nil
}

func scanUser(row *sql.Row) (*User, error) {
	u, err := scanUserFields(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return u, err
}

func scanUsers(rows *sql.Rows) ([]User, error) {
	var users []User
	for rows.Next() {
		u, err := scanUserFields(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// SQLiteConversationRepo persists per-address conversation state.
type SQLiteConversationRepo struct {
	db *sql.DB
}

func (r *SQLiteConversationRepo) Get(ctx context.Context, address string) (*ConversationState, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT address, state, data, updated_at FROM conversation_states WHERE address = ?`, address)
	var cs ConversationState
	err := row.Scan(&cs.Address, &cs.State, &cs.Data, &cs.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

func (r *SQLiteConversationRepo) Set(ctx context.Context, cs *ConversationState) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conversation_states (address, state, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			state = excluded.state,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		cs.Address, cs.State, cs.Data, time.Now(),
	)
	return err
}

func (r *SQLiteConversationRepo) Delete(ctx context.Context, address string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM conversation_states WHERE address = ?`, address)
	return err
}

// SQLiteIntegrationRepo persists external integration records.
type SQLiteIntegrationRepo struct {
	db *sql.DB
}

func (r *SQLiteIntegrationRepo) List(ctx context.Context) ([]ExternalIntegration, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, kind, config, enabled, created_at FROM external_integrations ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExternalIntegration
	for rows.Next() {
		var ei ExternalIntegration
		if err := rows.Scan(&ei.ID, &ei.Name, &ei.Kind, &ei.Config, &ei.Enabled, &ei.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ei)
	}
	return out, rows.Err()
}

func (r *SQLiteIntegrationRepo) Upsert(ctx context.Context, ei *ExternalIntegration) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO external_integrations (name, kind, config, enabled, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			kind = excluded.kind,
			config = excluded.config,
			enabled = excluded.enabled`,
		ei.Name, ei.Kind, ei.Config, ei.Enabled, time.Now(),
	)
	return err
}

func (r *SQLiteIntegrationRepo) SetEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE external_integrations SET enabled = ? WHERE name = ?`, enabled, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
