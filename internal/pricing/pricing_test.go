package pricing

import (
	"testing"

	"github.com/vidfab/vidfab-accounting/internal/models"
)

func TestCostKnownCombinations(t *testing.T) {
	table := NewDefaultCostTable()
	cases := []struct {
		model      string
		resolution string
		duration   string
		want       int64
	}{
		{"seedance-v1-pro-t2v", "480p", "5s", 10},
		{"seedance-v1-pro-t2v", "1080p", "10s", 80},
		{"veo3-fast", "720p", "5s", 70},
		{"veo3-fast", "1080p", "10s", 170},
		{"video-effects", "", "4s", 30},
		// Front-end aliases resolve to billing models.
		{"vidfab-q1", "720p", "10s", 40},
		{"vidfab-pro", "720p", "8s", 100},
		{"vidu-q1-i2v", "480p", "10s", 20},
		// Bare durations get normalized.
		{"seedance-v1-pro-t2v", "720p", "5", 20},
	}
	for _, tc := range cases {
		got, errCost := table.Cost(tc.model, tc.resolution, tc.duration)
		if errCost != nil {
			t.Fatalf("cost(%s,%s,%s): %v", tc.model, tc.resolution, tc.duration, errCost)
		}
		if got != tc.want {
			t.Fatalf("cost(%s,%s,%s) = %d, want %d", tc.model, tc.resolution, tc.duration, got, tc.want)
		}
	}
}

func TestCostRejectsUnknown(t *testing.T) {
	table := NewDefaultCostTable()
	if _, errCost := table.Cost("sora-2", "720p", "5s"); errCost == nil {
		t.Fatal("unknown model must not price to zero")
	}
	if _, errCost := table.Cost("seedance-v1-pro-t2v", "4k", "5s"); errCost == nil {
		t.Fatal("unknown rate must not price to zero")
	}
}

func TestPlanForTierFallsBackToFree(t *testing.T) {
	if plan := PlanForTier(models.Tier("enterprise")); plan.Tier != models.TierFree {
		t.Fatalf("unknown tier mapped to %s, want free", plan.Tier)
	}
	if plan := PlanForTier(models.TierPremium); plan.MonthlyCredits != 2000 || plan.RetentionDays != 365 {
		t.Fatalf("premium plan = %+v", plan)
	}
}

func TestCanAccessModel(t *testing.T) {
	if ok, _ := CanAccessModel(models.TierFree, "vidfab-q1", "720p"); !ok {
		t.Fatal("free should access seedance at 720p")
	}
	if ok, reason := CanAccessModel(models.TierFree, "vidfab-q1", "1080p"); ok || reason == "" {
		t.Fatal("free must not access seedance at 1080p")
	}
	if ok, _ := CanAccessModel(models.TierFree, "veo3-fast", "720p"); ok {
		t.Fatal("free must not access veo3-fast")
	}
	if ok, _ := CanAccessModel(models.TierLite, "veo3-fast", "720p"); !ok {
		t.Fatal("paid tiers access veo3-fast")
	}
	if ok, _ := CanAccessModel(models.TierFree, "video-effects", ""); !ok {
		t.Fatal("video-effects is open to all tiers")
	}
}
