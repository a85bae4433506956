package api

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	SessionCookieName = "sync_trainer_session"
	SessionDuration   = 12 * time.Hour
)

var errBadCookie = errors.New("invalid session cookie")

// AdminAuth guards the mutating endpoints. A request is authorized by an
// "Authorization: Bearer <token>" header or by a session cookie obtained
// from POST /api/login with the same token.
type AdminAuth struct {
	token     []byte
	secretKey []byte

	mu       sync.Mutex
	sessions map[string]time.Time // id -> expiry
	now      func() time.Time
}

// NewAdminAuth returns nil when token is empty, which disables auth
func NewAdminAuth(token string) *AdminAuth {
	if token == "" {
		return nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		log.Printf("⚠️ Failed to generate session key: %v", err)
	}
	return &AdminAuth{
		token:     []byte(token),
		secretKey: key,
		sessions:  make(map[string]time.Time),
		now:       time.Now,
	}
}

// CheckToken compares in constant time
func (a *AdminAuth) CheckToken(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), a.token) == 1
}

// Authorized reports whether r carries a valid token or session
func (a *AdminAuth) Authorized(r *http.Request) bool {
	if a == nil {
		return true
	}
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return a.CheckToken(bearer)
	}
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return false
	}
	id, err := a.decodeCookie(cookie.Value)
	if err != nil {
		return false
	}
	return a.validSession(id)
}

// Middleware rejects unauthorized requests with 401
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Authorized(r) {
			writeError(w, "admin authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Login starts a session and sets its cookie
func (a *AdminAuth) Login(w http.ResponseWriter) {
	b := make([]byte, 32)
	rand.Read(b)
	id := hex.EncodeToString(b)

	a.mu.Lock()
	a.pruneLocked()
	a.sessions[id] = a.now().Add(SessionDuration)
	a.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    a.encodeCookie(id),
		Path:     "/",
		MaxAge:   int(SessionDuration.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

// Logout ends the request's session, if any, and clears the cookie
func (a *AdminAuth) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		if id, err := a.decodeCookie(cookie.Value); err == nil {
			a.mu.Lock()
			delete(a.sessions, id)
			a.mu.Unlock()
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *AdminAuth) validSession(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	exp, ok := a.sessions[id]
	if !ok {
		return false
	}
	if a.now().After(exp) {
		delete(a.sessions, id)
		return false
	}
	return true
}

// pruneLocked drops expired sessions
func (a *AdminAuth) pruneLocked() {
	now := a.now()
	for id, exp := range a.sessions {
		if now.After(exp) {
			delete(a.sessions, id)
		}
	}
}

// encodeCookie signs the session id: base64(id "." hmac(id))
func (a *AdminAuth) encodeCookie(id string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(id))
	return base64.URLEncoding.EncodeToString([]byte(id + "." + hex.EncodeToString(mac.Sum(nil))))
}

func (a *AdminAuth) decodeCookie(value string) (string, error) {
	decoded, err := base64.URLEncoding.DecodeString(value)
	if err != nil {
		return "", errBadCookie
	}
	id, sig, ok := strings.Cut(string(decoded), ".")
	if !ok {
		return "", errBadCookie
	}

	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(id))
	if !hmac.Equal([]byte(sig), []byte(hex.EncodeToString(mac.Sum(nil)))) {
		return "", errBadCookie
	}
	return id, nil
}
