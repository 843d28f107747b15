package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Two token classes guard the API: service tokens move money on behalf of
// agents, admin tokens additionally mint credits, approve payouts and change
// distribution rules. Each class signs with its own secret and carries its
// own audience claim, so a leaked service token can never be replayed
// against an admin route.
const (
	AudienceService = "lantern-service"
	AudienceAdmin   = "lantern-admin"

	defaultTokenTTL = 24 * time.Hour
)

// AuthConfig holds the signing secrets for both token classes.
type AuthConfig struct {
	ServiceSecret []byte
	AdminSecret   []byte
	Issuer        string
	Now           func() time.Time
}

// Auth verifies bearer tokens and stamps the caller identity on the request
// context.
type Auth struct {
	cfg AuthConfig
}

// NewAuth creates the token verifier.
func NewAuth(cfg AuthConfig) (*Auth, error) {
	if len(cfg.ServiceSecret) == 0 || len(cfg.AdminSecret) == 0 {
		return nil, errors.New("auth: both service and admin secrets are required")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "lantern"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Auth{cfg: cfg}, nil
}

type apiClaims struct {
	jwt.RegisteredClaims
	AccountID string `json:"account_id,omitempty"`
}

// Caller is the verified identity attached to authenticated requests.
type Caller struct {
	Subject   string
	AccountID string
	Admin     bool
}

type callerKey struct{}

// CallerFrom returns the verified caller, if the request passed auth.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// MintToken signs a token of the given class. Used by the CLI and tests;
// production issuance normally lives with the identity service.
func (a *Auth) MintToken(subject, accountID, audience string, ttl time.Duration) (string, error) {
	secret, err := a.secretFor(audience)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := a.cfg.Now().UTC()
	claims := apiClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.cfg.Issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		AccountID: accountID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (a *Auth) secretFor(audience string) ([]byte, error) {
	switch audience {
	case AudienceService:
		return a.cfg.ServiceSecret, nil
	case AudienceAdmin:
		return a.cfg.AdminSecret, nil
	default:
		return nil, errors.New("auth: unknown audience")
	}
}

// verify parses and validates a bearer token against one audience class.
func (a *Auth) verify(tokenString, audience string) (Caller, error) {
	secret, err := a.secretFor(audience)
	if err != nil {
		return Caller{}, err
	}
	var claims apiClaims
	_, err = jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.cfg.Now),
	)
	if err != nil {
		return Caller{}, err
	}
	return Caller{
		Subject:   claims.Subject,
		AccountID: claims.AccountID,
		Admin:     audience == AudienceAdmin,
	}, nil
}

// RequireService admits service or admin tokens.
func (a *Auth) RequireService(next http.Handler) http.Handler {
	return a.middleware(next, false)
}

// RequireAdmin admits admin tokens only.
func (a *Auth) RequireAdmin(next http.Handler) http.Handler {
	return a.middleware(next, true)
}

func (a *Auth) middleware(next http.Handler, adminOnly bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		caller, err := a.verify(tokenString, AudienceAdmin)
		if err != nil && !adminOnly {
			caller, err = a.verify(tokenString, AudienceService)
		}
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), callerKey{}, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	return token, token != ""
}
