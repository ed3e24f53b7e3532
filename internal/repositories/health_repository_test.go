package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hanko-field/storefront/internal/domain"
)

func TestDependencyHealthRepositoryCollectSuccess(t *testing.T) {
	checks := []DependencyCheck{
		{Name: "firestore", Critical: true, Check: func(ctx context.Context) error {
			select {
			case <-time.After(5 * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
		{Name: "backend", Check: func(context.Context) error { return nil }},
	}

	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	repo, err := NewDependencyHealthRepository(checks, WithDependencyClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected status ok, got %s", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(report.Checks))
	}
	for name, check := range report.Checks {
		if check.Status != domain.HealthStatusOK || check.CheckedAt != now {
			t.Fatalf("unexpected check %s: %+v", name, check)
		}
	}
	if report.GeneratedAt != now {
		t.Fatalf("expected generatedAt %s, got %s", now, report.GeneratedAt)
	}
}

func TestDependencyHealthRepositoryNonCriticalFailureDegrades(t *testing.T) {
	repo, err := NewDependencyHealthRepository([]DependencyCheck{
		{Name: "firestore", Critical: true, Check: func(context.Context) error { return nil }},
		{Name: "pubsub", Check: func(context.Context) error { return errors.New("topic missing") }},
	})
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	check := report.Checks["pubsub"]
	if check.Status != domain.HealthStatusDegraded || check.Error != "topic missing" || check.Detail != "unavailable" {
		t.Fatalf("unexpected pubsub check %+v", check)
	}
}

func TestDependencyHealthRepositoryCriticalTimeoutIsError(t *testing.T) {
	repo, err := NewDependencyHealthRepository([]DependencyCheck{
		{Name: "backend", Critical: true, Timeout: 5 * time.Millisecond, Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
		{Name: "pubsub", Check: func(context.Context) error { return errors.New("down") }},
	})
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected error status, got %s", report.Status)
	}
	if check := report.Checks["backend"]; check.Status != domain.HealthStatusError || check.Detail != "timeout" {
		t.Fatalf("unexpected backend check %+v", check)
	}
}

func TestNewDependencyHealthRepositoryValidatesChecks(t *testing.T) {
	ok := func(context.Context) error { return nil }
	cases := map[string][]DependencyCheck{
		"empty":     nil,
		"no name":   {{Name: " ", Check: ok}},
		"no func":   {{Name: "firestore"}},
		"duplicate": {{Name: "a", Check: ok}, {Name: "a", Check: ok}},
	}
	for name, checks := range cases {
		if _, err := NewDependencyHealthRepository(checks); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
