package billing

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/ManuelReschke/quotaledger/internal/pkg/entitlements"
)

// ResolvePlan maps a provider price, product or tier reference onto an
// internal plan. Stored mappings win over the configured fallback map. An
// empty result means the reference is unmapped.
func (s *Service) ResolvePlan(ctx context.Context, provider, providerPlanRef string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(provider))
	ref := strings.TrimSpace(providerPlanRef)
	if p == "" || ref == "" {
		return "", nil
	}

	m, err := s.repo.FindActivePlanMapping(ctx, p, ref)
	if err == nil {
		return entitlements.NormalizePlan(m.Plan), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	if s.cfg != nil {
		if plan, ok := s.cfg.PlanRefs(p)[ref]; ok && entitlements.IsKnownPlan(plan) {
			return entitlements.NormalizePlan(plan), nil
		}
	}
	return "", nil
}

// ResolveBestPlan selects the highest mapped plan from several references,
// e.g. multiple entitled Patreon tiers. It returns the winning reference.
func (s *Service) ResolveBestPlan(ctx context.Context, provider string, refs []string) (string, string, error) {
	bestRef, bestPlan := "", ""
	seen := make(map[string]struct{}, len(refs))
	for _, raw := range refs {
		ref := strings.TrimSpace(raw)
		if ref == "" {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}

		plan, err := s.ResolvePlan(ctx, provider, ref)
		if err != nil {
			return "", "", err
		}
		if plan == "" {
			continue
		}
		if bestPlan == "" || entitlements.PlanRank(plan) > entitlements.PlanRank(bestPlan) {
			bestRef, bestPlan = ref, plan
		}
	}
	return bestRef, bestPlan, nil
}
