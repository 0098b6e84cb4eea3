// Package middleware содержит HTTP middleware для сервиса оптовых закупок.
package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"net/http"
	"strings"
)

const authHeaderPrefix = "Bearer "

// AuthMiddleware выполняет проверку авторизации запросов по токену API.
type AuthMiddleware struct {
	tokenDigest [32]byte
}

// NewAuthMiddleware создаёт AuthMiddleware для указанного токена. Пустой токен
// заменяется случайным: сервис без настроенного токена не принимает запросы.
func NewAuthMiddleware(token string) *AuthMiddleware {
	key := []byte(token)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		tokenDigest: sha256.Sum256(key),
	}
}

// Middleware проверяет заголовок Authorization и отклоняет запросы с
// отсутствующим или неверным токеном.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, authHeaderPrefix) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		presented := sha256.Sum256([]byte(strings.TrimPrefix(header, authHeaderPrefix)))
		if !hmac.Equal(presented[:], a.tokenDigest[:]) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
