package models

import (
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Capability is a named permission granted to a caller. Capabilities are
// computed at authentication time and travel as an explicit value with
// every service call, never through ambient state.
type Capability string

const (
	CapAuthorizationsManage Capability = "authorizations:manage"
	CapDispensationsManage  Capability = "dispensations:manage"
	CapExpiryFeedRead       Capability = "expiry:read"
	CapUnitsManage          Capability = "units:manage"
	CapCronRun              Capability = "cron:run"
)

// CapabilitySet is an immutable set of capabilities.
type CapabilitySet struct {
	caps map[Capability]struct{}
}

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	m := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		m[c] = struct{}{}
	}
	return CapabilitySet{caps: m}
}

// ParseCapabilities builds a set from raw claim strings.
func ParseCapabilities(raw []string) CapabilitySet {
	caps := make([]Capability, 0, len(raw))
	for _, r := range raw {
		caps = append(caps, Capability(r))
	}
	return NewCapabilitySet(caps...)
}

// Has reports whether the set grants the capability.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s.caps[c]
	return ok
}

// List returns the capabilities in stable order.
func (s CapabilitySet) List() []string {
	out := make([]string, 0, len(s.caps))
	for c := range s.caps {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

// Identity is the authenticated caller handed to every service call. It
// drives both the capability gate and audit attribution.
type Identity struct {
	UserID       string
	Sciper       string
	Email        string
	Capabilities CapabilitySet
}

// JWTClaims is the token payload issued by the auth service.
type JWTClaims struct {
	UserID       string   `json:"user_id"`
	Sciper       string   `json:"sciper"`
	Email        string   `json:"email"`
	Capabilities []string `json:"capabilities"`
	jwt.RegisteredClaims
}

// Identity converts claims into the explicit caller identity.
func (c *JWTClaims) Identity() Identity {
	if c == nil {
		return Identity{Capabilities: NewCapabilitySet()}
	}
	return Identity{
		UserID:       c.UserID,
		Sciper:       c.Sciper,
		Email:        c.Email,
		Capabilities: ParseCapabilities(c.Capabilities),
	}
}

// User is an account able to authenticate against the API.
type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Sciper       string    `db:"sciper" json:"sciper"`
	Capabilities []string  `db:"-" json:"capabilities"`
	Active       bool      `db:"active" json:"active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	LastLoginAt  *time.Time `db:"last_login_at" json:"last_login_at,omitempty"`
}

// LoginRequest is the credential payload for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

// LoginResponse carries the issued token pair.
type LoginResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         *User     `json:"user"`
}

// RefreshToken is a persisted refresh token row.
type RefreshToken struct {
	ID        string     `db:"id" json:"id"`
	UserID    string     `db:"user_id" json:"user_id"`
	Token     string     `db:"token" json:"-"`
	ExpiresAt time.Time  `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	RevokedAt *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
}

// Pagination describes list slicing in response envelopes.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
