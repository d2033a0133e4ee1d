// Package middleware содержит HTTP middleware сервиса сверки.
package middleware

import (
	"context"
	"crypto/hmac"
	"net/http"
	"strings"
)

type contextKey string

const operatorKey contextKey = "operator"

const (
	operatorHeader  = "X-Operator"
	defaultOperator = "operator"
)

// OperatorAuth пропускает к операторским маршрутам только запросы с токеном оператора.
type OperatorAuth struct {
	token []byte
}

// NewOperatorAuth создаёт проверку с указанным токеном. Пустой токен отключает проверку.
func NewOperatorAuth(token string) *OperatorAuth {
	return &OperatorAuth{token: []byte(token)}
}

// Enabled сообщает, требуется ли токен.
func (a *OperatorAuth) Enabled() bool {
	return len(a.token) > 0
}

// Middleware проверяет заголовок Authorization: Bearer <token> и добавляет имя оператора
// из X-Operator в контекст запроса.
func (a *OperatorAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Enabled() {
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok || !hmac.Equal([]byte(token), a.token) {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
		}

		operator := strings.TrimSpace(r.Header.Get(operatorHeader))
		if operator == "" {
			operator = defaultOperator
		}

		ctx := context.WithValue(r.Context(), operatorKey, operator)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// GetOperatorFromContext извлекает имя оператора из контекста запроса.
func GetOperatorFromContext(ctx context.Context) (string, bool) {
	op, ok := ctx.Value(operatorKey).(string)
	return op, ok
}
