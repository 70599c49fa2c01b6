// Package access decides whether a requester may see the protected payload of
// tier-gated content.
package access

import (
	"fmt"
	"strings"
)

// Tier is a membership level. Tiers are totally ordered by declaration.
type Tier int

const (
	TierFree Tier = iota
	TierMember
	TierPartner
	TierCovenant
)

var tierNames = [...]string{"free", "member", "partner", "covenant"}

func (t Tier) String() string {
	if t < TierFree || t > TierCovenant {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// ParseTier maps a stored tier string to a Tier. ok is false for empty or
// unrecognized values; callers choose the fallback.
func ParseTier(s string) (Tier, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range tierNames {
		if s == name {
			return Tier(i), true
		}
	}
	return TierFree, false
}

// Tiers returns every tier from lowest to highest.
func Tiers() []Tier {
	return []Tier{TierFree, TierMember, TierPartner, TierCovenant}
}

// AtLeast returns the names of t and every tier above it.
func AtLeast(t Tier) []string {
	var names []string
	for _, candidate := range Tiers() {
		if candidate >= t {
			names = append(names, candidate.String())
		}
	}
	return names
}

// Role values. RoleMember is the default and carries no override.
const (
	RoleMember = "member"
	RoleStaff  = "staff"
	RoleAdmin  = "admin"
)

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	switch role {
	case RoleMember, RoleStaff, RoleAdmin:
		return true
	}
	return false
}

// UnknownTierPolicy controls how a resource whose tier_required is not a
// recognized tier is treated.
type UnknownTierPolicy int

const (
	// FailClosed grants an unrecognized requirement to admins only.
	FailClosed UnknownTierPolicy = iota
	// FailOpen ranks an unrecognized requirement as free, so everyone sees it.
	FailOpen
)

// ParsePolicy maps the config value to a policy. Empty means FailClosed.
func ParsePolicy(s string) (UnknownTierPolicy, error) {
	switch strings.ToLower(s) {
	case "", "closed":
		return FailClosed, nil
	case "open":
		return FailOpen, nil
	}
	return FailClosed, fmt.Errorf("unknown tier policy %q (want \"open\" or \"closed\")", s)
}

func (p UnknownTierPolicy) String() string {
	if p == FailOpen {
		return "open"
	}
	return "closed"
}

// Requester is the subject of an access decision. A zero Requester is an
// anonymous visitor.
type Requester struct {
	Tier string
	Role string
}

// Decision is the outcome of Resolve.
type Decision struct {
	HasAccess bool
	// UnknownRequirement is set when the resource's tier_required was not
	// recognized and the policy decided the outcome.
	UnknownRequirement bool
}

// Resolver applies tier gating. It is stateless and safe for concurrent use.
type Resolver struct {
	policy UnknownTierPolicy
}

// NewResolver returns a Resolver using the given policy for unrecognized
// tier_required values.
func NewResolver(policy UnknownTierPolicy) *Resolver {
	return &Resolver{policy: policy}
}

// Policy returns the configured unknown-tier policy.
func (r *Resolver) Policy() UnknownTierPolicy {
	return r.policy
}

// Resolve decides whether req may see the payload of a resource requiring
// tierRequired. An unrecognized requester tier ranks as free.
func (r *Resolver) Resolve(req Requester, tierRequired string) Decision {
	required, known := ParseTier(tierRequired)

	if req.Role == RoleAdmin {
		return Decision{HasAccess: true, UnknownRequirement: !known}
	}
	if !known {
		return Decision{HasAccess: r.policy == FailOpen, UnknownRequirement: true}
	}

	have, _ := ParseTier(req.Tier)
	return Decision{HasAccess: have >= required}
}

// HasAccess is shorthand for Resolve(...).HasAccess.
func (r *Resolver) HasAccess(req Requester, tierRequired string) bool {
	return r.Resolve(req, tierRequired).HasAccess
}

// Redact returns payload when the decision grants access and nil otherwise.
// Response types carry the protected field as a pointer so that a denied
// response encodes it as null.
func Redact(d Decision, payload string) *string {
	if !d.HasAccess {
		return nil
	}
	return &payload
}
