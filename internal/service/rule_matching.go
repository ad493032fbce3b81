package service

import (
	"math"

	"github.com/atlasops/be-pm-approvals/internal/repository"
)

// MatchRules returns the enabled rules applicable to a proposed change.
// Rules gate on exact change-kind equality; budget and timeline rules
// may additionally require a minimum change magnitude. A rule with a
// threshold never matches when the before/after pair cannot establish
// the magnitude.
func MatchRules(
	rules []*repository.ApprovalRule,
	kind repository.ChangeKind,
	before, after *repository.ChangeValue,
) []*repository.ApprovalRule {
	var matched []*repository.ApprovalRule
	for _, rule := range rules {
		if ruleMatches(rule, kind, before, after) {
			matched = append(matched, rule)
		}
	}
	return matched
}

func ruleMatches(
	rule *repository.ApprovalRule,
	kind repository.ChangeKind,
	before, after *repository.ChangeValue,
) bool {
	if !rule.Enabled || rule.ChangeKind != kind {
		return false
	}

	switch kind {
	case repository.ChangeKindBudget:
		if rule.AmountThreshold != nil {
			delta, ok := amountDelta(before, after)
			if !ok || delta < *rule.AmountThreshold {
				return false
			}
		}
	case repository.ChangeKindTimeline:
		if rule.DayThreshold != nil {
			days, ok := dayDelta(before, after)
			if !ok || days < float64(*rule.DayThreshold) {
				return false
			}
		}
	}
	return true
}

func amountDelta(before, after *repository.ChangeValue) (float64, bool) {
	if before == nil || after == nil || before.Amount == nil || after.Amount == nil {
		return 0, false
	}
	return math.Abs(*after.Amount - *before.Amount), true
}

func dayDelta(before, after *repository.ChangeValue) (float64, bool) {
	if before == nil || after == nil || before.Date == nil || after.Date == nil {
		return 0, false
	}
	return math.Abs(after.Date.Sub(*before.Date).Hours()) / 24, true
}
