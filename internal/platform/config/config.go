package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultShutdownTimeout      = 20 * time.Second
	defaultBackendTimeout       = 10 * time.Second
	defaultBackendReadRetries   = 3
	defaultCurrency             = "INR"
	defaultStepTimeout          = 30 * time.Second
	defaultCleanupTimeout       = 15 * time.Second
	defaultSessionTTL           = 30 * time.Minute
	defaultHandoffTTL           = 2 * time.Hour
	defaultSweepInterval        = time.Minute
	defaultAddressQuietPeriod   = 300 * time.Millisecond
	defaultSubmitPerMinute      = 12
	defaultSubmitBurst          = 3
	defaultSecurityEnvironment  = "local"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Storage backends for checkout persistence.
const (
	StorageFirestore = "firestore"
	StorageMemory    = "memory"
)

// Config is the storefront runtime configuration, grouped by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Backend     BackendConfig
	Payments    PaymentsConfig
	PubSub      PubSubConfig
	Checkout    CheckoutConfig
	RateLimits  RateLimitConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// BackendConfig points at the storefront backend (orders, payments, carts, catalog).
type BackendConfig struct {
	BaseURL      string
	ServiceToken string
	Timeout      time.Duration
	ReadRetries  int
}

// PaymentsConfig selects payment providers. CurrencyRoutes maps lowercase ISO currency to provider.
type PaymentsConfig struct {
	DefaultProvider      string
	PreferredProvider    string
	CurrencyRoutes       map[string]string
	StripeAPIKey         string
	StripePublishableKey string
	StripeAccountID      string
	GatewaySigningSecret string
}

// PubSubConfig configures reconciliation marker fan-out. An empty topic disables publishing.
type PubSubConfig struct {
	ProjectID           string
	ReconciliationTopic string
}

type CheckoutConfig struct {
	Currency           string
	StepTimeout        time.Duration
	CleanupTimeout     time.Duration
	SessionTTL         time.Duration
	HandoffTTL         time.Duration
	SweepInterval      time.Duration
	AddressQuietPeriod time.Duration
	Storage            string
	AllowAnonymous     bool
}

type RateLimitConfig struct {
	SubmitPerMinute int
	SubmitBurst     int
}

type SecurityConfig struct {
	Environment string
}

type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves secret:// references.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists every field that is missing or out of range.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return "config: invalid fields [" + strings.Join(e.fields, ", ") + "]"
}

// Fields returns the offending field paths, e.g. "Backend.BaseURL".
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError wraps a failed secret:// resolution.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("config: resolve %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError reports required secret fields that resolved to empty values.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return "config: missing required secrets [" + strings.Join(e.names, ", ") + "]"
}

// Names returns the missing field paths, sorted.
func (e *MissingSecretsError) Names() []string {
	return append([]string(nil), e.names...)
}

var errSecretResolverNotConfigured = errors.New("config: secret resolver not configured")

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

func newLoaderOptions(opts []Option) loaderOptions {
	o := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithEnvFile overrides the dotenv path. An empty path disables dotenv loading.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets names secret fields (e.g. "Payments.GatewaySigningSecret") that must resolve to
// a non-empty value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// EnvironmentValues returns the merged environment Load would see. It lets callers configure the
// secret fetcher before Load resolves references.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	src, err := newSource(newLoaderOptions(opts))
	if err != nil {
		return nil, err
	}
	return src.snapshot(), nil
}

// Load reads configuration from the layered environment, resolves secret references and validates
// the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	o := newLoaderOptions(opts)
	src, err := newSource(o)
	if err != nil {
		return Config{}, err
	}

	cfg := fromSource(src)

	secretFields := map[string]*string{
		"Backend.ServiceToken":          &cfg.Backend.ServiceToken,
		"Payments.StripeAPIKey":         &cfg.Payments.StripeAPIKey,
		"Payments.GatewaySigningSecret": &cfg.Payments.GatewaySigningSecret,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, o.secret)
		if err != nil {
			return Config{}, err
		}
		*field = strings.TrimSpace(resolved)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	var missing []string
	seen := map[string]bool{}
	for _, name := range o.requiredSecrets {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if field, ok := secretFields[name]; !ok || *field == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Config{}, &MissingSecretsError{names: missing}
	}
	return cfg, nil
}

func fromSource(src source) Config {
	cfg := Config{
		Server: ServerConfig{
			Port:            src.str("STOREFRONT_SERVER_PORT", defaultPort),
			ReadTimeout:     src.duration("STOREFRONT_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    src.duration("STOREFRONT_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     src.duration("STOREFRONT_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: src.duration("STOREFRONT_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       src.str("STOREFRONT_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: src.str("STOREFRONT_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    src.str("STOREFRONT_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: src.str("STOREFRONT_FIRESTORE_EMULATOR_HOST", ""),
		},
		Backend: BackendConfig{
			BaseURL:      src.str("STOREFRONT_BACKEND_BASE_URL", ""),
			ServiceToken: src.str("STOREFRONT_BACKEND_SERVICE_TOKEN", ""),
			Timeout:      src.duration("STOREFRONT_BACKEND_TIMEOUT", defaultBackendTimeout),
			ReadRetries:  src.integer("STOREFRONT_BACKEND_READ_RETRIES", defaultBackendReadRetries),
		},
		Payments: PaymentsConfig{
			DefaultProvider:      src.lower("STOREFRONT_PAYMENTS_DEFAULT_PROVIDER", ""),
			PreferredProvider:    src.lower("STOREFRONT_PAYMENTS_PREFERRED_PROVIDER", ""),
			CurrencyRoutes:       src.pairs("STOREFRONT_PAYMENTS_CURRENCY_ROUTES"),
			StripeAPIKey:         src.str("STOREFRONT_PAYMENTS_STRIPE_API_KEY", ""),
			StripePublishableKey: src.str("STOREFRONT_PAYMENTS_STRIPE_PUBLISHABLE_KEY", ""),
			StripeAccountID:      src.str("STOREFRONT_PAYMENTS_STRIPE_ACCOUNT_ID", ""),
			GatewaySigningSecret: src.str("STOREFRONT_PAYMENTS_GATEWAY_SIGNING_SECRET", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:           src.str("STOREFRONT_PUBSUB_PROJECT_ID", ""),
			ReconciliationTopic: src.str("STOREFRONT_PUBSUB_RECONCILIATION_TOPIC", ""),
		},
		Checkout: CheckoutConfig{
			Currency:           strings.ToUpper(src.str("STOREFRONT_CHECKOUT_CURRENCY", defaultCurrency)),
			StepTimeout:        src.duration("STOREFRONT_CHECKOUT_STEP_TIMEOUT", defaultStepTimeout),
			CleanupTimeout:     src.duration("STOREFRONT_CHECKOUT_CLEANUP_TIMEOUT", defaultCleanupTimeout),
			SessionTTL:         src.duration("STOREFRONT_CHECKOUT_SESSION_TTL", defaultSessionTTL),
			HandoffTTL:         src.duration("STOREFRONT_CHECKOUT_HANDOFF_TTL", defaultHandoffTTL),
			SweepInterval:      src.duration("STOREFRONT_CHECKOUT_SWEEP_INTERVAL", defaultSweepInterval),
			AddressQuietPeriod: src.duration("STOREFRONT_CHECKOUT_ADDRESS_QUIET_PERIOD", defaultAddressQuietPeriod),
			Storage:            src.lower("STOREFRONT_CHECKOUT_STORAGE", StorageFirestore),
			AllowAnonymous:     src.flag("STOREFRONT_CHECKOUT_ALLOW_ANONYMOUS", false),
		},
		RateLimits: RateLimitConfig{
			SubmitPerMinute: src.integer("STOREFRONT_RATELIMIT_SUBMIT_PER_MIN", defaultSubmitPerMinute),
			SubmitBurst:     src.integer("STOREFRONT_RATELIMIT_SUBMIT_BURST", defaultSubmitBurst),
		},
		Security: SecurityConfig{
			Environment: src.lower("STOREFRONT_SECURITY_ENVIRONMENT", defaultSecurityEnvironment),
		},
		Idempotency: IdempotencyConfig{
			Header:           src.str("STOREFRONT_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              src.duration("STOREFRONT_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  src.duration("STOREFRONT_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: src.integer("STOREFRONT_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	return cfg
}

func (cfg Config) validate() error {
	rules := []struct {
		field string
		ok    bool
	}{
		{"Server.Port", cfg.Server.Port != ""},
		{"Firebase.ProjectID", cfg.Firebase.ProjectID != ""},
		{"Backend.BaseURL", cfg.Backend.BaseURL != ""},
		{"Backend.Timeout", cfg.Backend.Timeout > 0},
		{"Backend.ReadRetries", cfg.Backend.ReadRetries >= 1},
		{"Checkout.Currency", len(cfg.Checkout.Currency) == 3},
		{"Checkout.StepTimeout", cfg.Checkout.StepTimeout > 0},
		{"Checkout.SessionTTL", cfg.Checkout.SessionTTL > 0},
		{"Checkout.HandoffTTL", cfg.Checkout.HandoffTTL >= cfg.Checkout.SessionTTL},
		{"Checkout.Storage", cfg.Checkout.Storage == StorageFirestore || cfg.Checkout.Storage == StorageMemory},
		{"Firestore.ProjectID", cfg.Checkout.Storage != StorageFirestore || cfg.Firestore.ProjectID != ""},
		{"RateLimits.SubmitPerMinute", cfg.RateLimits.SubmitPerMinute > 0},
		{"RateLimits.SubmitBurst", cfg.RateLimits.SubmitBurst > 0},
		{"Idempotency.Header", cfg.Idempotency.Header != ""},
		{"Idempotency.TTL", cfg.Idempotency.TTL > 0},
		{"Idempotency.CleanupInterval", cfg.Idempotency.CleanupInterval > 0},
		{"Idempotency.CleanupBatchSize", cfg.Idempotency.CleanupBatchSize > 0},
	}
	var bad []string
	for _, r := range rules {
		if !r.ok {
			bad = append(bad, r.field)
		}
	}
	if len(bad) > 0 {
		return &ValidationError{fields: bad}
	}
	return nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	var ref string
	switch {
	case strings.HasPrefix(value, "secret://"):
		ref = value
	case strings.HasPrefix(value, "sm://"):
		ref = "secret://" + strings.TrimPrefix(value, "sm://")
	default:
		return value, nil
	}
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}
