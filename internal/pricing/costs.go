package pricing

import (
	"fmt"
	"strings"
)

// CostTable maps a generation request to its credit cost. The accounting core
// treats this as an injected dependency; DefaultCostTable carries the shipped
// rates.
type CostTable interface {
	Cost(model, resolution, duration string) (int64, error)
}

// modelAliases maps front-end model names (including historical ones) onto
// the billing model names the cost table is keyed by.
var modelAliases = map[string]string{
	"vidfab-q1":     "seedance-v1-pro-t2v",
	"vidfab-pro":    "veo3-fast",
	"veo3-fast-t2v": "veo3-fast",
	"default":       "seedance-v1-pro-t2v",

	"vidfab-q1-i2v":  "seedance-v1-pro-t2v",
	"vidfab-pro-i2v": "veo3-fast",
	"veo3-fast-i2v":  "veo3-fast",

	// Historical names still present in old job rows.
	"vidu-q1":     "seedance-v1-pro-t2v",
	"vidu-q1-i2v": "seedance-v1-pro-t2v",

	"seedance-v1-pro-t2v": "seedance-v1-pro-t2v",
	"veo3-fast":           "veo3-fast",
	"video-effects":       "video-effects",
}

// CanonicalModel resolves a front-end model name to its billing name. Unknown
// names pass through unchanged so the cost lookup rejects them explicitly.
func CanonicalModel(model string) string {
	trimmed := strings.TrimSpace(model)
	if mapped, ok := modelAliases[trimmed]; ok {
		return mapped
	}
	return trimmed
}

// creditCosts is the per-model consumption matrix, keyed by
// "resolution-duration".
var creditCosts = map[string]map[string]int64{
	"seedance-v1-pro-t2v": {
		"480p-5s":   10,
		"480p-10s":  20,
		"720p-5s":   20,
		"720p-10s":  40,
		"1080p-5s":  40,
		"1080p-10s": 80,
	},
	"veo3-fast": {
		"720p-5s":   70,
		"720p-8s":   100,
		"720p-10s":  130,
		"1080p-5s":  90,
		"1080p-8s":  130,
		"1080p-10s": 170,
	},
	"video-effects": {
		"4s": 30,
	},
}

// DefaultCostTable implements CostTable with the shipped consumption matrix.
type DefaultCostTable struct{}

// NewDefaultCostTable constructs the shipped cost table.
func NewDefaultCostTable() *DefaultCostTable { return &DefaultCostTable{} }

// Cost returns the credit cost for a generation request. Unknown model or
// rate combinations are an error, never a zero cost.
func (DefaultCostTable) Cost(model, resolution, duration string) (int64, error) {
	canonical := CanonicalModel(model)
	rates, ok := creditCosts[canonical]
	if !ok {
		return 0, fmt.Errorf("pricing: unknown model %q", model)
	}

	normalizedDuration := strings.TrimSpace(duration)
	if normalizedDuration != "" && !strings.HasSuffix(normalizedDuration, "s") {
		normalizedDuration += "s"
	}

	key := normalizedDuration
	if canonical != "video-effects" {
		key = strings.TrimSpace(resolution) + "-" + normalizedDuration
	}

	credits, ok := rates[key]
	if !ok {
		return 0, fmt.Errorf("pricing: no rate for model %q at %s/%s", canonical, resolution, duration)
	}
	return credits, nil
}

var _ CostTable = (*DefaultCostTable)(nil)
