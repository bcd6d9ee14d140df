package store

import "context"

// UserRepo is the persistence surface for bot users.
type UserRepo interface {
	GetByAddress(ctx context.Context, address string) (*User, error)
	GetByPhone(ctx context.Context, phone string) (*User, error)
	Search(ctx context.Context, term string, limit int) ([]User, error)
	List(ctx context.Context, limit, offset int) ([]User, error)
	Create(ctx context.Context, u *User) error
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, address string) error
	RegisterUser(ctx context.Context, proposed *User) (*User, error)
	RecordInteraction(ctx context.Context, userID int64, kind string) error
	Stats(ctx context.Context) (*UserStats, error)
}

// ConversationRepo persists per-address conversation state.
type ConversationRepo interface {
	Get(ctx context.Context, address string) (*ConversationState, error)
	Set(ctx context.Context, cs *ConversationState) error
	Delete(ctx context.Context, address string) error
}

// IntegrationRepo manages configured third-party hooks.
type IntegrationRepo interface {
	List(ctx context.Context) ([]ExternalIntegration, error)
	Upsert(ctx context.Context, ei *ExternalIntegration) error
	SetEnabled(ctx context.Context, name string, enabled bool) error
}

var (
	_ UserRepo         = (*SQLiteUserRepo)(nil)
	_ ConversationRepo = (*SQLiteConversationRepo)(nil)
	_ IntegrationRepo  = (*SQLiteIntegrationRepo)(nil)
)
