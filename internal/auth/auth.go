package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/nkkko/alarmd/internal/api/errors"
	"github.com/nkkko/alarmd/internal/api/response"
	"github.com/nkkko/alarmd/internal/storage"
)

const (
	// RecipientHeader names the recipient when token auth is disabled
	RecipientHeader = "X-Recipient-ID"

	// InternalTokenHeader guards the dispatch trigger endpoints
	InternalTokenHeader = "X-Internal-Token"

	// TokenQuery carries the bearer token for clients that cannot set
	// headers, e.g. a browser EventSource
	TokenQuery = "access_token"

	// RecipientLocal is the fiber local holding the resolved recipient
	RecipientLocal = "recipient_id"

	issuer = "alarmd"
)

var (
	// ErrMissingCredentials means the request carries no identity at all
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrInvalidToken means the bearer token failed verification
	ErrInvalidToken = errors.New("invalid token")
)

// Config contains authentication settings
type Config struct {
	// Verify bearer tokens; otherwise trust RecipientHeader
	Enabled bool

	// HMAC secret for HS256 tokens
	JWTSecret string

	// Shared secret for internal endpoints; empty disables the check
	InternalToken string
}

// Claims is the payload of an alarmd access token
type Claims struct {
	jwt.RegisteredClaims
	RecipientID string `json:"recipient_id"`
}

// GenerateToken issues a signed token for recipientID valid for ttl
func GenerateToken(secret, recipientID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   recipientID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		RecipientID: recipientID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Authenticator resolves the recipient of a request
type Authenticator struct {
	config Config
}

// New creates an authenticator
func New(config Config) *Authenticator {
	return &Authenticator{config: config}
}

// Resolve returns the recipient identified by the Authorization header,
// the access_token query value or, with auth disabled, RecipientHeader
func (a *Authenticator) Resolve(authorization, queryToken, recipientHeader string) (string, error) {
	if !a.config.Enabled {
		if strings.TrimSpace(recipientHeader) == "" {
			return "", ErrMissingCredentials
		}
		if err := storage.ValidateRecipient(recipientHeader); err != nil {
			return "", err
		}
		return recipientHeader, nil
	}

	raw, found := strings.CutPrefix(authorization, "Bearer ")
	if !found {
		raw = queryToken
	}
	if raw == "" {
		return "", ErrMissingCredentials
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(a.config.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	recipientID := claims.RecipientID
	if recipientID == "" {
		recipientID = claims.Subject
	}
	if err := storage.ValidateRecipient(recipientID); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return recipientID, nil
}

// Internal reports whether token may call the internal endpoints
func (a *Authenticator) Internal(token string) bool {
	if a.config.InternalToken == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.config.InternalToken)) == 1
}

type contextKey struct{}

// WithRecipient stores the resolved recipient in ctx
func WithRecipient(ctx context.Context, recipientID string) context.Context {
	return context.WithValue(ctx, contextKey{}, recipientID)
}

// RecipientFromContext returns the recipient stored by Middleware
func RecipientFromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

func unauthorized(err error) error {
	return apierrors.UnauthorizedError("unauthorized", err.Error())
}

// Middleware rejects requests without a recipient identity
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recipientID, err := a.Resolve(
				r.Header.Get("Authorization"),
				r.URL.Query().Get(TokenQuery),
				r.Header.Get(RecipientHeader),
			)
			if err != nil {
				response.Error(w, r, unauthorized(err))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithRecipient(r.Context(), recipientID)))
		})
	}
}

// InternalOnly rejects requests without the internal token
func (a *Authenticator) InternalOnly() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Internal(r.Header.Get(InternalTokenHeader)) {
				response.Error(w, r, apierrors.ForbiddenError("forbidden", "internal token required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// FiberMiddleware is Middleware for fiber; the recipient is stored in the
// RecipientLocal local
func (a *Authenticator) FiberMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		recipientID, err := a.Resolve(c.Get("Authorization"), c.Query(TokenQuery), c.Get(RecipientHeader))
		if err != nil {
			return response.FiberError(c, unauthorized(err))
		}
		c.Locals(RecipientLocal, recipientID)
		return c.Next()
	}
}

// FiberInternalOnly is InternalOnly for fiber
func (a *Authenticator) FiberInternalOnly() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !a.Internal(c.Get(InternalTokenHeader)) {
			return response.FiberError(c, apierrors.ForbiddenError("forbidden", "internal token required"))
		}
		return c.Next()
	}
}

// FiberRecipient returns the recipient stored by FiberMiddleware
func FiberRecipient(c *fiber.Ctx) string {
	id, _ := c.Locals(RecipientLocal).(string)
	return id
}
