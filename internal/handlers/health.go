package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/repositories"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// HealthHandlers serves the liveness and readiness probes.
type HealthHandlers struct {
	repo  repositories.HealthRepository
	build BuildInfo
	now   func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthRepository sets the dependency probes used by /readyz.
func WithHealthRepository(repo repositories.HealthRepository) HealthOption {
	return func(h *HealthHandlers) {
		h.repo = repo
	}
}

// WithHealthBuildInfo sets the build metadata reported by both probes.
func WithHealthBuildInfo(info BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthClock overrides the clock.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.now = clock
		}
	}
}

// NewHealthHandlers constructs the probe handlers. Without a repository /readyz always reports ok.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.now()
	}
	return h
}

type healthResponse struct {
	Status      string                        `json:"status"`
	Version     string                        `json:"version,omitempty"`
	CommitSHA   string                        `json:"commitSha,omitempty"`
	Environment string                        `json:"environment,omitempty"`
	Uptime      string                        `json:"uptime"`
	Checks      map[string]domain.HealthCheck `json:"checks,omitempty"`
	Details     []string                      `json:"details,omitempty"`
	Timestamp   string                        `json:"timestamp"`
}

// Healthz reports liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.base(domain.HealthStatusOK))
}

// Readyz runs the dependency probes. Only a failed critical probe answers 503; degraded
// dependencies are listed in details.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		httpx.WriteJSON(w, http.StatusOK, h.base(domain.HealthStatusOK))
		return
	}
	report, err := h.repo.Collect(r.Context())
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("health_unavailable", "unable to collect health report", http.StatusServiceUnavailable))
		return
	}

	resp := h.base(report.Status)
	resp.Checks = report.Checks
	for name, check := range report.Checks {
		if check.Status != domain.HealthStatusOK {
			resp.Details = append(resp.Details, name+": "+check.Error)
		}
	}
	sort.Strings(resp.Details)

	status := http.StatusOK
	if report.Status == domain.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, resp)
}

func (h *HealthHandlers) base(status string) healthResponse {
	now := h.now()
	return healthResponse{
		Status:      status,
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).Round(time.Second).String(),
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
}
