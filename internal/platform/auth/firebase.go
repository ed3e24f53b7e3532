package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/hanko-field/storefront/internal/platform/config"
)

// ErrBuyerNotFound is returned by GetUser when the Firebase account no longer exists.
var ErrBuyerNotFound = errors.New("auth: buyer account not found")

var errVerifierNotInitialised = errors.New("auth: firebase verifier not initialised")

// firebaseAuthClient is the subset of *firebaseauth.Client used for buyer verification.
type firebaseAuthClient interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
	VerifyIDTokenAndCheckRevoked(ctx context.Context, idToken string) (*firebaseauth.Token, error)
	GetUser(ctx context.Context, uid string) (*firebaseauth.UserRecord, error)
}

// FirebaseVerifier verifies buyer ID tokens and loads contact details through the Admin SDK.
// It satisfies both TokenVerifier and UserGetter.
type FirebaseVerifier struct {
	client       firebaseAuthClient
	timeout      time.Duration
	checkRevoked bool
	clientOpts   []option.ClientOption
}

// FirebaseOption customises FirebaseVerifier instances.
type FirebaseOption func(*FirebaseVerifier)

// WithFirebaseTimeout bounds each Admin SDK call.
func WithFirebaseTimeout(d time.Duration) FirebaseOption {
	return func(v *FirebaseVerifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithRevocationCheck makes verification also reject tokens revoked after issue. This costs a
// user lookup per request.
func WithRevocationCheck(enabled bool) FirebaseOption {
	return func(v *FirebaseVerifier) {
		v.checkRevoked = enabled
	}
}

// WithFirebaseClientOptions appends Google API client options used when building the app.
func WithFirebaseClientOptions(opts ...option.ClientOption) FirebaseOption {
	return func(v *FirebaseVerifier) {
		v.clientOpts = append(v.clientOpts, opts...)
	}
}

// NewFirebaseVerifier builds the Admin SDK auth client for cfg.ProjectID. The SDK honours
// FIREBASE_AUTH_EMULATOR_HOST for local runs.
func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig, opts ...FirebaseOption) (*FirebaseVerifier, error) {
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		return nil, errors.New("auth: firebase project id is required")
	}

	v := &FirebaseVerifier{timeout: defaultVerifyTimeout}
	if cfg.CredentialsFile != "" {
		v.clientOpts = append(v.clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, v.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("auth: firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: firebase auth client: %w", err)
	}
	v.client = client
	return v, nil
}

// VerifyIDToken verifies the token. Expired tokens wrap ErrTokenExpired; malformed, revoked or
// foreign tokens wrap ErrTokenInvalid.
func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if v == nil || v.client == nil {
		return nil, errVerifierNotInitialised
	}
	ctx, cancel := v.bound(ctx)
	defer cancel()

	verify := v.client.VerifyIDToken
	if v.checkRevoked {
		verify = v.client.VerifyIDTokenAndCheckRevoked
	}
	token, err := verify(ctx, idToken)
	switch {
	case err == nil:
		return token, nil
	case firebaseauth.IsIDTokenExpired(err):
		return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case firebaseauth.IsIDTokenInvalid(err), firebaseauth.IsIDTokenRevoked(err), firebaseauth.IsUserDisabled(err):
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	default:
		return nil, err
	}
}

// GetUser loads the buyer's Firebase user record.
func (v *FirebaseVerifier) GetUser(ctx context.Context, uid string) (*firebaseauth.UserRecord, error) {
	if v == nil || v.client == nil {
		return nil, errVerifierNotInitialised
	}
	ctx, cancel := v.bound(ctx)
	defer cancel()

	record, err := v.client.GetUser(ctx, uid)
	if err != nil && firebaseauth.IsUserNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrBuyerNotFound, uid)
	}
	return record, err
}

func (v *FirebaseVerifier) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if v.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, v.timeout)
}
