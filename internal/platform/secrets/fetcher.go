package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	defaultCacheTTL     = 15 * time.Minute
	latestVersion       = "latest"
	metricNamespace     = "github.com/hanko-field/storefront/internal/platform/secrets"
)

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references through Google Secret Manager. Values are cached for a
// bounded time; when Secret Manager is unreachable or denies access, a local fallback file is used.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger
	now        func() time.Time

	env            string
	defaultProject string
	projects       map[string]string
	pins           map[string]string
	cacheTTL       time.Duration

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string
	fallbackErr  error

	mu    sync.Mutex
	cache map[string]cached

	latency metric.Float64Histogram
	hits    metric.Int64Counter
}

type cached struct {
	value     string
	expiresAt time.Time
}

type settings struct {
	logger         *zap.Logger
	env            string
	defaultProject string
	projects       map[string]string
	pins           map[string]string
	fallbackPath   string
	cacheTTL       time.Duration
	meter          metric.Meter
	client         secretManagerClient
	clientOpts     []option.ClientOption
	now            func() time.Time
}

// Option customises Fetcher construction.
type Option func(*settings)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithEnvironment selects the environment key used for per-environment project ids and pins.
func WithEnvironment(env string) Option {
	return func(s *settings) { s.env = strings.ToLower(strings.TrimSpace(env)) }
}

// WithDefaultProject sets the project used when no environment mapping matches.
func WithDefaultProject(projectID string) Option {
	return func(s *settings) { s.defaultProject = strings.TrimSpace(projectID) }
}

// WithProjectMap supplies environment to project id mappings.
func WithProjectMap(m map[string]string) Option {
	return func(s *settings) {
		for env, project := range m {
			s.projects[strings.ToLower(strings.TrimSpace(env))] = strings.TrimSpace(project)
		}
	}
}

// WithVersionPins pins secret versions by canonical reference, optionally prefixed with "env:".
func WithVersionPins(pins map[string]string) Option {
	return func(s *settings) {
		for ref, version := range pins {
			s.pins[strings.TrimSpace(ref)] = strings.TrimSpace(version)
		}
	}
}

// WithFallbackFile overrides the local fallback secrets file.
func WithFallbackFile(path string) Option {
	return func(s *settings) { s.fallbackPath = strings.TrimSpace(path) }
}

// WithCacheTTL bounds how long a resolved value is reused. Zero or less caches for the process lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *settings) { s.cacheTTL = ttl }
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(s *settings) { s.meter = m }
}

// WithSecretManagerClient injects a preconfigured Secret Manager client.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(s *settings) { s.client = client }
}

// WithClientOptions forwards Cloud client options when constructing the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

// WithClock overrides the clock used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// OptionsFromEnv derives fetcher options from STOREFRONT_SECRET_* keys in an environment snapshot
// such as the one returned by config.EnvironmentValues.
func OptionsFromEnv(env map[string]string) []Option {
	get := func(key string) string { return strings.TrimSpace(env[key]) }

	opts := []Option{
		WithEnvironment(get("STOREFRONT_SECURITY_ENVIRONMENT")),
		WithProjectMap(parsePairs(get("STOREFRONT_SECRET_PROJECT_IDS"))),
		WithVersionPins(parsePairs(get("STOREFRONT_SECRET_VERSION_PINS"))),
	}
	project := get("STOREFRONT_SECRET_DEFAULT_PROJECT_ID")
	if project == "" {
		project = get("STOREFRONT_FIREBASE_PROJECT_ID")
	}
	if project != "" {
		opts = append(opts, WithDefaultProject(project))
	}
	if path := get("STOREFRONT_SECRET_FALLBACK_FILE"); path != "" {
		opts = append(opts, WithFallbackFile(path))
	}
	if raw := get("STOREFRONT_SECRET_CACHE_TTL"); raw != "" {
		if ttl, err := time.ParseDuration(raw); err == nil {
			opts = append(opts, WithCacheTTL(ttl))
		}
	}
	if creds := get("STOREFRONT_FIREBASE_CREDENTIALS_FILE"); creds != "" {
		opts = append(opts, WithClientOptions(option.WithCredentialsFile(creds)))
	}
	return opts
}

// NewFetcher builds a Fetcher. A Secret Manager client that cannot be created leaves the fetcher
// in fallback-only mode.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	s := settings{
		logger:       zap.NewNop(),
		projects:     map[string]string{},
		pins:         map[string]string{},
		fallbackPath: defaultFallbackPath,
		cacheTTL:     defaultCacheTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.env == "" {
		s.env = defaultEnvironment
	}
	if s.meter == nil {
		s.meter = otel.GetMeterProvider().Meter(metricNamespace)
	}

	f := &Fetcher{
		logger:         s.logger,
		now:            s.now,
		env:            s.env,
		defaultProject: s.defaultProject,
		projects:       s.projects,
		pins:           s.pins,
		cacheTTL:       s.cacheTTL,
		fallbackPath:   s.fallbackPath,
		cache:          make(map[string]cached),
	}

	var err error
	if f.latency, err = s.meter.Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of secret resolution attempts"),
	); err != nil {
		s.logger.Warn("secrets: latency metric unavailable", zap.Error(err))
	}
	if f.hits, err = s.meter.Int64Counter("secrets.fetch.cache_hits",
		metric.WithDescription("Secret resolutions served from cache"),
	); err != nil {
		s.logger.Warn("secrets: cache hit metric unavailable", zap.Error(err))
	}

	switch {
	case s.client != nil:
		f.client = s.client
	default:
		client, err := secretManagerClientFactory(ctx, s.clientOpts...)
		if err != nil {
			s.logger.Warn("secrets: secret manager unavailable, using local fallback only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the secret value for ref, consulting the cache, Secret Manager and the local
// fallback file in that order.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	start := f.now()
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	version := f.version(parsed)
	key := parsed.canonical + "#" + version

	if value, ok := f.cached(key); ok {
		if f.hits != nil {
			f.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", mask(parsed.canonical))))
		}
		f.observe(ctx, start, "cache", nil)
		return value, nil
	}

	if project := f.project(parsed); project != "" && f.client != nil {
		value, err := f.fetchRemote(ctx, project, parsed.name, version)
		if err == nil {
			f.store(key, value)
			f.observe(ctx, start, "remote", nil)
			return value, nil
		}
		if !fallbackAllowed(err) {
			f.observe(ctx, start, "error", err)
			return "", fmt.Errorf("secrets: fetch %s: %w", parsed.canonical, err)
		}
		f.logger.Debug("secrets: using local fallback", zap.String("ref", parsed.canonical), zap.Error(err))
	}

	value, err := f.lookupFallback(parsed.canonical, version)
	if err != nil {
		f.observe(ctx, start, "error", err)
		return "", err
	}
	f.store(key, value)
	f.observe(ctx, start, "fallback", nil)
	return value, nil
}

// Invalidate drops every cached version of ref so the next Resolve refetches it.
func (f *Fetcher) Invalidate(ref string) {
	parsed, err := parseReference(ref)
	if err != nil {
		return
	}
	prefix := parsed.canonical + "#"
	f.mu.Lock()
	for key := range f.cache {
		if strings.HasPrefix(key, prefix) {
			delete(f.cache, key)
		}
	}
	f.mu.Unlock()
}

func (f *Fetcher) cached(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.cache[key]
	if !ok {
		return "", false
	}
	if !entry.expiresAt.IsZero() && !f.now().Before(entry.expiresAt) {
		delete(f.cache, key)
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) store(key, value string) {
	entry := cached{value: value}
	if f.cacheTTL > 0 {
		entry.expiresAt = f.now().Add(f.cacheTTL)
	}
	f.mu.Lock()
	f.cache[key] = entry
	f.mu.Unlock()
}

func (f *Fetcher) fetchRemote(ctx context.Context, project, name, version string) (string, error) {
	resource := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secrets: empty payload for %s", resource)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) project(ref reference) string {
	if ref.project != "" {
		return ref.project
	}
	if id := f.projects[f.env]; id != "" {
		return id
	}
	return f.defaultProject
}

func (f *Fetcher) version(ref reference) string {
	if ref.version != "" {
		return ref.version
	}
	if pin := f.pins[f.env+":"+ref.canonical]; pin != "" {
		return pin
	}
	if pin := f.pins[ref.canonical]; pin != "" {
		return pin
	}
	return latestVersion
}

func (f *Fetcher) lookupFallback(canonical, version string) (string, error) {
	f.fallbackOnce.Do(f.loadFallback)
	if f.fallbackErr != nil {
		return "", f.fallbackErr
	}
	if value, ok := f.fallback[canonical+"#"+version]; ok {
		return value, nil
	}
	if value, ok := f.fallback[canonical]; ok {
		return value, nil
	}
	return "", fmt.Errorf("secrets: no fallback value for %s", canonical)
}

// loadFallback reads KEY=VALUE lines where KEY is a secret reference, optionally with ?version=.
func (f *Fetcher) loadFallback() {
	f.fallback = map[string]string{}
	if f.fallbackPath == "" {
		return
	}
	path, err := filepath.Abs(f.fallbackPath)
	if err != nil {
		path = f.fallbackPath
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		f.fallbackErr = fmt.Errorf("secrets: open fallback %s: %w", path, err)
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if strings.HasPrefix(key, "sm://") {
			key = "secret://" + strings.TrimPrefix(key, "sm://")
		}
		value = strings.TrimSpace(value)
		parsed, err := parseReference(key)
		if err != nil {
			continue
		}
		version := parsed.version
		if version == "" {
			version = latestVersion
		}
		f.fallback[parsed.canonical] = value
		f.fallback[parsed.canonical+"#"+version] = value
	}
	if err := scanner.Err(); err != nil {
		f.fallbackErr = fmt.Errorf("secrets: read fallback %s: %w", path, err)
	}
}

func (f *Fetcher) observe(ctx context.Context, start time.Time, source string, err error) {
	if f.latency == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	if err != nil {
		attrs = append(attrs, attribute.String("error", status.Code(err).String()))
	}
	elapsed := f.now().Sub(start)
	f.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

type reference struct {
	canonical string
	name      string
	version   string
	project   string
}

// parseReference accepts secret://name[?version=N&project=P].
func parseReference(ref string) (reference, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return reference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}
	query := u.Query()
	return reference{
		canonical: "secret://" + name,
		name:      name,
		version:   strings.TrimSpace(query.Get("version")),
		project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

func fallbackAllowed(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

func parsePairs(raw string) map[string]string {
	out := map[string]string{}
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if ok && key != "" && value != "" {
			out[key] = value
		}
	}
	return out
}

func mask(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:8])
}
