package session

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Identity issues and recognizes the opaque session token carried in a cookie.
// The token scopes a transcript; it is not an authentication assertion.
type Identity struct {
	CookieName string
	TTL        time.Duration
	Secure     bool
}

func NewIdentity(cookieName string, ttl time.Duration, secure bool) Identity {
	if strings.TrimSpace(cookieName) == "" {
		cookieName = "parlance_session"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return Identity{CookieName: cookieName, TTL: ttl, Secure: secure}
}

// Resolve returns the token for credential and whether a new credential must be issued.
// It cannot fail: a missing or malformed credential is replaced by a fresh random token.
func (id Identity) Resolve(credential string) (token string, issued bool) {
	if ValidToken(credential) {
		return strings.TrimSpace(credential), false
	}
	return uuid.NewString(), true
}

// FromRequest resolves the request cookie. The returned cookie is nil when the client
// already holds a valid token.
func (id Identity) FromRequest(r *http.Request) (string, *http.Cookie) {
	var credential string
	if c, err := r.Cookie(id.CookieName); err == nil {
		credential = c.Value
	}
	token, issued := id.Resolve(credential)
	if !issued {
		return token, nil
	}
	return token, id.Cookie(token, time.Now())
}

// Cookie builds the credential the client should persist for token.
func (id Identity) Cookie(token string, now time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     id.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  now.Add(id.TTL),
		MaxAge:   int(id.TTL.Seconds()),
		HttpOnly: true,
		Secure:   id.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ValidToken reports whether v looks like a token this service issued.
func ValidToken(v string) bool {
	v = strings.TrimSpace(v)
	if len(v) != 36 {
		return false
	}
	u, err := uuid.Parse(v)
	if err != nil {
		return false
	}
	return u.Version() == 4
}

// Redact shortens a token for logs.
func Redact(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:8] + "…"
}
