package entitlements

import (
	"strings"

	"github.com/ManuelReschke/quotaledger/app/models"
)

// Unlimited marks a feature without a cap.
const Unlimited int64 = -1

// Limits maps each feature to its per-period cap.
type Limits map[models.Feature]int64

var planLimits = map[string]Limits{
	models.PlanFree: {
		models.FeatureArticles:        5,
		models.FeatureImages:          25,
		models.FeatureVideos:          2,
		models.FeatureResearchQueries: 10,
		models.FeaturePublications:    5,
	},
	models.PlanPro: {
		models.FeatureArticles:        100,
		models.FeatureImages:          500,
		models.FeatureVideos:          50,
		models.FeatureResearchQueries: 200,
		models.FeaturePublications:    100,
	},
	models.PlanEnterprise: {
		models.FeatureArticles:        Unlimited,
		models.FeatureImages:          Unlimited,
		models.FeatureVideos:          Unlimited,
		models.FeatureResearchQueries: Unlimited,
		models.FeaturePublications:    Unlimited,
	},
}

// NormalizePlan maps free-form plan names onto the internal set. Unknown
// names become FREE.
func NormalizePlan(plan string) string {
	switch strings.ToLower(strings.TrimSpace(plan)) {
	case models.PlanPro, "premium", "professional":
		return models.PlanPro
	case models.PlanEnterprise, "business":
		return models.PlanEnterprise
	default:
		return models.PlanFree
	}
}

// IsKnownPlan reports whether plan is one of the internal plans verbatim.
func IsKnownPlan(plan string) bool {
	_, ok := planLimits[strings.ToLower(strings.TrimSpace(plan))]
	return ok
}

func PlanRank(plan string) int {
	switch NormalizePlan(plan) {
	case models.PlanEnterprise:
		return 2
	case models.PlanPro:
		return 1
	default:
		return 0
	}
}

// IsDowngrade reports whether moving from -> to lowers the plan rank.
func IsDowngrade(from, to string) bool {
	return PlanRank(to) < PlanRank(from)
}

// LimitFor returns the cap for a feature on a plan. Unknown features are
// denied with a zero cap.
func LimitFor(plan string, feature models.Feature) int64 {
	limits := planLimits[NormalizePlan(plan)]
	if v, ok := limits[feature]; ok {
		return v
	}
	return 0
}

// ForPlan returns a copy of the plan's limits.
func ForPlan(plan string) Limits {
	out := make(Limits, len(models.Features))
	for k, v := range planLimits[NormalizePlan(plan)] {
		out[k] = v
	}
	return out
}
