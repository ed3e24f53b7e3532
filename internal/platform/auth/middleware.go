package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/platform/requestctx"
)

const defaultVerifyTimeout = 5 * time.Second

var (
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// UserGetter loads Firebase user records.
type UserGetter interface {
	GetUser(ctx context.Context, uid string) (*firebaseauth.UserRecord, error)
}

// Authenticator turns bearer tokens into buyer identities.
type Authenticator struct {
	verifier       TokenVerifier
	users          UserGetter
	allowAnonymous bool
	timeout        time.Duration
}

type Option func(*Authenticator)

// WithUserGetter lets Identity.Contact complete missing claims from the user record.
func WithUserGetter(getter UserGetter) Option {
	return func(a *Authenticator) { a.users = getter }
}

// WithAnonymousBuyers accepts tokens from Firebase anonymous sign-in.
func WithAnonymousBuyers(allow bool) Option {
	return func(a *Authenticator) { a.allowAnonymous = allow }
}

// WithVerificationTimeout bounds token verification and user lookups.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{verifier: verifier, timeout: defaultVerifyTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireBuyer rejects requests without a valid buyer token with 401 and stores the Identity
// otherwise.
func (a *Authenticator) RequireBuyer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			identity, code, message := a.authenticate(ctx, r.Header.Get("Authorization"))
			if identity == nil {
				httpx.WriteError(ctx, w, httpx.NewError(code, message, http.StatusUnauthorized))
				return
			}
			requestctx.Annotate(ctx, "buyer_id", identity.UID)
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func (a *Authenticator) authenticate(ctx context.Context, header string) (*Identity, string, string) {
	raw, ok := bearer(header)
	if !ok {
		return nil, "unauthenticated", "authorization header missing or invalid"
	}
	if a == nil || a.verifier == nil {
		return nil, "unauthenticated", "authorization service unavailable"
	}

	verifyCtx, cancel := context.WithTimeout(ctx, a.timeout)
	token, err := a.verifier.VerifyIDToken(verifyCtx, raw)
	cancel()
	switch {
	case errors.Is(err, ErrTokenExpired):
		return nil, "token_expired", "firebase id token expired"
	case errors.Is(err, ErrTokenInvalid):
		return nil, "invalid_token", "firebase id token invalid"
	case err != nil:
		return nil, "invalid_token", "firebase id token verification failed"
	case token == nil || strings.TrimSpace(token.UID) == "":
		return nil, "invalid_token", "firebase id token has no subject"
	}

	identity := &Identity{
		UID:       strings.TrimSpace(token.UID),
		Email:     claim(token.Claims, "email"),
		Name:      claim(token.Claims, "name"),
		Phone:     claim(token.Claims, "phone_number"),
		Anonymous: strings.EqualFold(token.Firebase.SignInProvider, "anonymous"),
	}
	if identity.Anonymous && !a.allowAnonymous {
		return nil, "anonymous_not_allowed", "sign in to check out"
	}
	if a.users != nil {
		uid := identity.UID
		identity.profile = sync.OnceValues(func() (*firebaseauth.UserRecord, error) {
			lookupCtx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			return a.users.GetUser(lookupCtx, uid)
		})
	}
	return identity, "", ""
}

func claim(claims map[string]any, key string) string {
	v, _ := claims[key].(string)
	return strings.TrimSpace(v)
}

func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	token = strings.TrimSpace(token)
	return token, ok && strings.EqualFold(scheme, "Bearer") && token != ""
}
