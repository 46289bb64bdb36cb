package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	adminRole   = "admin"
	adminLeeway = 30 * time.Second
)

// AdminClaims - набор утверждений токена администратора.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminAuth допускает к операциям администратора только запросы с JWT (HS256) и ролью admin.
type AdminAuth struct {
	secret []byte
	parser *jwt.Parser
	logger *zap.Logger
}

// NewAdminAuth создаёт AdminAuth. При пустом секрете все запросы отклоняются.
func NewAdminAuth(secret string, logger *zap.Logger) *AdminAuth {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AdminAuth{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
			jwt.WithLeeway(adminLeeway),
			jwt.WithExpirationRequired(),
		),
		logger: logger,
	}
}

// Middleware проверяет заголовок Authorization: Bearer <token>.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.secret) == 0 {
			a.logger.Warn("admin auth failure: secret is not configured", zap.String("path", r.URL.Path))
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		token, ok := extractBearerToken(r.Header.Get("Authorization"))
		if !ok {
			a.logger.Info("admin auth failure: missing bearer token", zap.String("path", r.URL.Path))
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		claims, err := a.verify(token)
		if err != nil {
			a.logger.Info("admin auth failure: invalid token", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		if claims.Role != adminRole {
			a.logger.Info("admin auth failure: insufficient role",
				zap.String("path", r.URL.Path),
				zap.String("subject", claims.Subject),
				zap.String("role", claims.Role),
			)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *AdminAuth) verify(tokenString string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	token, err := a.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// IssueAdminToken подписывает токен администратора. Используется для выдачи токенов операторам.
func IssueAdminToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AdminClaims{
		Role: adminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}
