// Package middleware содержит HTTP middleware сервиса подарочных карт.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type contextKey string

const sessionKey contextKey = "adminSession"

const (
	sessionCookieName = "admin_session"
	sessionTTL        = 12 * time.Hour
)

// Session описывает явный контекст административной сессии, передаваемый
// обработчикам через контекст запроса.
type Session struct {
	IssuedAt time.Time
}

// AdminAuth выполняет проверку административной сессии по подписанному cookie.
type AdminAuth struct {
	secretKey []byte
}

// NewAdminAuth создаёт новый экземпляр AdminAuth с указанным секретным ключом.
func NewAdminAuth(secret string) *AdminAuth {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AdminAuth{
		secretKey: key,
	}
}

// Middleware проверяет cookie сессии и добавляет сессию в контекст запроса.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		session, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetSessionCookie устанавливает cookie административной сессии.
func (a *AdminAuth) SetSessionCookie(w http.ResponseWriter) {
	issuedAt := time.Now()
	value := a.sign(strconv.FormatInt(issuedAt.Unix(), 10))

	cookie := &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		Expires:  issuedAt.Add(sessionTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

// CheckSecret сравнивает предъявленный секрет с ключом сессии без утечки
// времени сравнения.
func (a *AdminAuth) CheckSecret(secret string) bool {
	return hmac.Equal([]byte(secret), a.secretKey)
}

func (a *AdminAuth) sign(issuedAt string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(issuedAt))
	signature := mac.Sum(nil)
	return issuedAt + "." + hex.EncodeToString(signature)
}

func (a *AdminAuth) parseCookie(cookieValue string) (Session, bool) {
	parts := strings.Split(cookieValue, ".")
	if len(parts) != 2 {
		return Session{}, false
	}

	issuedAtStr := parts[0]
	signature := parts[1]

	expected := a.sign(issuedAtStr)
	expectedParts := strings.Split(expected, ".")
	if len(expectedParts) != 2 {
		return Session{}, false
	}

	if !hmac.Equal([]byte(signature), []byte(expectedParts[1])) {
		return Session{}, false
	}

	unix, err := strconv.ParseInt(issuedAtStr, 10, 64)
	if err != nil {
		return Session{}, false
	}

	issuedAt := time.Unix(unix, 0)
	if time.Since(issuedAt) > sessionTTL {
		return Session{}, false
	}

	return Session{IssuedAt: issuedAt}, true
}

// GetSessionFromContext извлекает административную сессию из контекста запроса.
func GetSessionFromContext(ctx context.Context) (Session, bool) {
	session, ok := ctx.Value(sessionKey).(Session)
	return session, ok
}
