package auth

import (
	"context"

	"github.com/covenant-hub/covenant/portal/internal/store"
)

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	MemberID   string // portal member id; set once the member row is known
	ExternalID string // hosted IdP subject, empty for builtin
	Username   string
	Role       string
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support username/password login.
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, req Registration) (*store.Member, error)
}

// Registration is a self-service sign-up.
type Registration struct {
	Username    string
	Password    string
	DisplayName string
	Email       string
}
