// Package auth resolves bearer tokens to identities and answers the
// may-edit policy question the session handler asks before admitting
// writes.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/colabtext/collabtext/internal/store"
)

// ErrAuthFailure is returned for any unauthenticated/unauthorized
// connect attempt.
var ErrAuthFailure = errors.New("auth: authentication failed")

// Role is the access level carried in a token's role claim.
type Role string

const (
	RoleOwner Role = "owner"
	RoleEdit  Role = "edit"
	RoleView  Role = "view"
)

// Principal is the resolved identity of a bearer token.
type Principal struct {
	UserID string
	Role   Role
}

// Resolver resolves a bearer token to a Principal. nil, nil means the
// token was absent or empty — a valid case for anonymous access to a
// publicly shared document.
type Resolver interface {
	Identity(token string) (*Principal, error)
}

type claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// JWTResolver verifies HMAC-signed bearer tokens.
type JWTResolver struct {
	secret []byte
}

// NewJWTResolver constructs a resolver keyed by secret.
func NewJWTResolver(secret []byte) *JWTResolver {
	return &JWTResolver{secret: secret}
}

// Identity parses and verifies token, returning the resolved
// Principal. An empty token returns (nil, nil) — no identity, not an
// error — so callers can fall through to public-share checks.
func (r *JWTResolver) Identity(token string) (*Principal, error) {
	if token == "" {
		return nil, nil
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrAuthFailure, t.Method)
		}
		return r.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}

	c := parsed.Claims.(*claims)
	return &Principal{UserID: c.Subject, Role: Role(c.Role)}, nil
}

// MayEdit decides whether a session may submit edits: a session is
// read-only unless the identity is known (authenticated) or the
// document's share role is EDIT.
func MayEdit(principal *Principal, doc *store.Document) bool {
	if principal != nil {
		return true
	}
	return doc != nil && doc.ShareRole == store.ShareEdit
}
