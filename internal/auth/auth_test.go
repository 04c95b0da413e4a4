package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/colabtext/collabtext/internal/store"
)

func signedToken(t *testing.T, secret []byte, sub, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Subject: sub,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := tok.SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestJWTResolverEmptyTokenIsNotAnError(t *testing.T) {
	r := NewJWTResolver([]byte("secret"))
	p, err := r.Identity("")
	if err != nil {
		t.Fatalf("empty token should not error: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil principal for empty token, got %+v", p)
	}
}

func TestJWTResolverAcceptsValidToken(t *testing.T) {
	secret := []byte("secret")
	r := NewJWTResolver(secret)
	tok := signedToken(t, secret, "user-1", "edit")

	p, err := r.Identity(tok)
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.UserID != "user-1" || p.Role != RoleEdit {
		t.Fatalf("got %+v", p)
	}
}

func TestJWTResolverRejectsWrongSecret(t *testing.T) {
	r := NewJWTResolver([]byte("secret"))
	tok := signedToken(t, []byte("other-secret"), "user-1", "edit")

	if _, err := r.Identity(tok); err == nil {
		t.Fatal("expected rejection of a token signed with a different secret")
	}
}

func TestMayEdit(t *testing.T) {
	if !MayEdit(&Principal{UserID: "u"}, nil) {
		t.Fatal("an authenticated principal may always edit")
	}
	if MayEdit(nil, &store.Document{ShareRole: store.ShareView}) {
		t.Fatal("anonymous viewer on a VIEW-shared document must not edit")
	}
	if !MayEdit(nil, &store.Document{ShareRole: store.ShareEdit}) {
		t.Fatal("anonymous session on an EDIT-shared document may edit")
	}
}
