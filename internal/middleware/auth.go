// Package middleware содержит HTTP middleware движка начисления баллов.
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
)

type contextKey string

const tenantIDKey contextKey = "tenantID"

const bearerPrefix = "Bearer "

// ServiceAuth проверяет подписанный сервисный токен вызывающего сервиса.
// Токен несёт идентификатор арендатора: конечные пользователи движок не
// вызывают, аутентификация людей живёт во внешних сервисах.
type ServiceAuth struct {
	secretKey []byte
}

// NewServiceAuth создаёт новый экземпляр ServiceAuth с указанным секретным ключом.
func NewServiceAuth(secret string) *ServiceAuth {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &ServiceAuth{
		secretKey: key,
	}
}

// Middleware проверяет сервисный токен и добавляет идентификатор арендатора
// в контекст запроса.
func (a *ServiceAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		tenantID, ok := a.parseToken(strings.TrimPrefix(header, bearerPrefix))
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), tenantIDKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Token выпускает подписанный сервисный токен для указанного арендатора.
func (a *ServiceAuth) Token(tenantID int64) string {
	idStr := strconv.FormatInt(tenantID, 10)
	return idStr + "." + a.sign(idStr)
}

func (a *ServiceAuth) sign(idStr string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(idStr))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *ServiceAuth) parseToken(token string) (int64, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return 0, false
	}

	idStr := parts[0]
	signature := parts[1]

	if !hmac.Equal([]byte(signature), []byte(a.sign(idStr))) {
		return 0, false
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, false
	}

	return id, true
}

// GetTenantIDFromContext извлекает идентификатор арендатора из контекста запроса.
func GetTenantIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(tenantIDKey).(int64)
	return id, ok
}
