package service

import (
	"context"

	"github.com/atlasops/be-pm-approvals/internal/repository"
)

// resolveApprovers turns matched rules into the concrete, deduplicated
// approver set for a new request. Only Required=true rule entries
// contribute; optional entries are informational and non-binding.
//
// Directory lookup failures for one role are logged and skipped so a
// partially unavailable identity service does not block other roles;
// the caller rejects an entirely empty result.
func (s *ApprovalService) resolveApprovers(
	ctx context.Context,
	rules []*repository.ApprovalRule,
) []repository.Approver {
	rolesDone := make(map[string]struct{})
	seen := make(map[string]struct{})
	var approvers []repository.Approver

	for _, rule := range rules {
		for _, ra := range rule.Approvers {
			if !ra.Required {
				continue
			}
			if _, ok := rolesDone[ra.Role]; ok {
				continue
			}
			rolesDone[ra.Role] = struct{}{}

			users, err := s.directory.UsersWithRole(ctx, ra.Role)
			if err != nil {
				s.log.Warn().Err(err).
					Str("role", ra.Role).
					Str("rule_id", rule.ID).
					Msg("Could not resolve users for role; skipping")
				continue
			}
			for _, u := range users {
				if _, ok := seen[u.ID]; ok {
					continue
				}
				seen[u.ID] = struct{}{}
				approvers = append(approvers, u)
			}
		}
	}
	return approvers
}
