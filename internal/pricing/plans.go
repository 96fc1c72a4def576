package pricing

import "github.com/vidfab/vidfab-accounting/internal/models"

// Plan describes the accounting-relevant limits of a subscription tier.
type Plan struct {
	Tier           models.Tier // Plan identifier.
	MonthlyCredits int64       // Credits granted per billing period.
	ConcurrentJobs int         // Simultaneous generation jobs allowed.
	RetentionDays  int         // Asset retention window in days.
	Models         []string    // Generation models the plan may use.
}

// plans is the fixed plan table. Credits are granted additively on renewal;
// the table never overwrites an existing balance.
var plans = map[models.Tier]Plan{
	models.TierFree: {
		Tier:           models.TierFree,
		MonthlyCredits: 50,
		ConcurrentJobs: 1,
		RetentionDays:  1,
		Models:         []string{"seedance-v1-pro-t2v-480p", "seedance-v1-pro-t2v-720p", "video-effects"},
	},
	models.TierLite: {
		Tier:           models.TierLite,
		MonthlyCredits: 300,
		ConcurrentJobs: 4,
		RetentionDays:  30,
		Models:         []string{"seedance-v1-pro-t2v", "video-effects"},
	},
	models.TierPro: {
		Tier:           models.TierPro,
		MonthlyCredits: 1000,
		ConcurrentJobs: 4,
		RetentionDays:  90,
		Models:         []string{"seedance-v1-pro-t2v", "video-effects", "veo3-fast"},
	},
	models.TierPremium: {
		Tier:           models.TierPremium,
		MonthlyCredits: 2000,
		ConcurrentJobs: 4,
		RetentionDays:  365,
		Models:         []string{"seedance-v1-pro-t2v", "video-effects", "veo3-fast"},
	},
}

// PlanForTier returns the plan for a tier, falling back to the free plan for
// unknown tiers so a bad row never grants paid limits.
func PlanForTier(tier models.Tier) Plan {
	if plan, ok := plans[tier]; ok {
		return plan
	}
	return plans[models.TierFree]
}

// ConcurrentLimit returns the simultaneous-job ceiling for a tier.
func ConcurrentLimit(tier models.Tier) int {
	return PlanForTier(tier).ConcurrentJobs
}

// CanAccessModel reports whether a tier may use a generation model at the
// given resolution.
func CanAccessModel(tier models.Tier, model, resolution string) (bool, string) {
	switch CanonicalModel(model) {
	case "seedance-v1-pro-t2v":
		if tier == models.TierFree {
			if resolution == "" || resolution == "480p" || resolution == "720p" {
				return true, ""
			}
			return false, "free accounts can only use 480p/720p resolution"
		}
		return true, ""
	case "veo3-fast":
		if tier.Paid() {
			return true, ""
		}
		return false, "veo3-fast requires a paid subscription"
	case "video-effects":
		return true, ""
	default:
		return false, "unknown model"
	}
}
