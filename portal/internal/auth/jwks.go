package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/covenant-hub/covenant/portal/internal/access"
	"github.com/covenant-hub/covenant/portal/internal/store"
)

// JWKSProvider validates tokens issued by a hosted identity provider and
// provisions a free-tier member the first time a subject is seen.
type JWKSProvider struct {
	issuer string
	jwks   keyfunc.Keyfunc
	store  store.Store
	cancel context.CancelFunc
}

// NewJWKSProvider fetches the issuer's JWKS and keeps it refreshed until Close.
func NewJWKSProvider(ctx context.Context, issuer string, s store.Store) (*JWKSProvider, error) {
	if issuer == "" {
		return nil, fmt.Errorf("jwks issuer URL is required")
	}
	issuer = strings.TrimRight(issuer, "/")

	ctx, cancel := context.WithCancel(ctx)
	jwksURL := issuer + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	p := newJWKSProvider(issuer, jwks, s)
	p.cancel = cancel
	return p, nil
}

func newJWKSProvider(issuer string, jwks keyfunc.Keyfunc, s store.Store) *JWKSProvider {
	return &JWKSProvider{issuer: issuer, jwks: jwks, store: s}
}

// ValidateToken parses the JWT and returns the Identity of the matching member.
func (p *JWKSProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, p.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub := claimStr(claims, "sub")
	if sub == "" {
		return nil, ErrUnauthorized
	}

	m, err := p.store.GetMemberByExternalID(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("lookup member: %w", err)
	}
	if m == nil {
		m, err = p.provision(ctx, sub, claims)
		if err != nil {
			return nil, err
		}
	}

	return &Identity{
		MemberID:   m.ID,
		ExternalID: sub,
		Username:   m.Username,
		Role:       m.Role,
	}, nil
}

func (p *JWKSProvider) provision(ctx context.Context, sub string, claims jwt.MapClaims) (*store.Member, error) {
	role := access.RoleMember
	if r := claimStr(claims, "org_role"); r == "org:admin" || r == access.RoleAdmin {
		role = access.RoleAdmin
	}

	// Build a human-readable display name from available claims.
	name := sub
	switch {
	case claimStr(claims, "name") != "":
		name = claimStr(claims, "name")
	case claimStr(claims, "first_name") != "" || claimStr(claims, "last_name") != "":
		name = strings.TrimSpace(claimStr(claims, "first_name") + " " + claimStr(claims, "last_name"))
	case claimStr(claims, "email") != "":
		name = claimStr(claims, "email")
	}

	m := &store.Member{
		ID:          uuid.New().String(),
		ExternalID:  sub,
		Username:    sub,
		DisplayName: name,
		Email:       claimStr(claims, "email"),
		Tier:        access.TierFree.String(),
		Role:        role,
		CreatedAt:   time.Now().UTC(),
	}
	if err := p.store.CreateMember(ctx, m); err != nil {
		// A concurrent request may have provisioned the same subject.
		if existing, lookupErr := p.store.GetMemberByExternalID(ctx, sub); lookupErr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("provision member: %w", err)
	}
	return m, nil
}

// Bootstrap is a no-op; members are managed by the identity provider.
func (p *JWKSProvider) Bootstrap(context.Context) error {
	return nil
}

// Name returns the provider name.
func (p *JWKSProvider) Name() string { return "jwks" }

// Close stops the background JWKS refresh.
func (p *JWKSProvider) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
