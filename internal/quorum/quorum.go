// Package quorum computes vote thresholds and pass/fail outcomes. All
// functions are pure: same inputs, same result, no mutation of arguments.
package quorum

import (
	"fmt"

	"plenario/internal/config"
	"plenario/internal/domain"
)

// Result is the outcome of evaluating one tally against one policy.
type Result struct {
	Approved bool   `json:"approved"`
	Required int    `json:"required_votes"`
	Base     int    `json:"base"`
	Detail   string `json:"detail"`
}

// RequiredVotes returns the minimum yes votes for approval over the given
// base. SIMPLE_MAJORITY shares the absolute-majority formula here; its
// pass rule in Evaluate compares cast votes instead of this threshold.
func RequiredVotes(t domain.QuorumType, base int) int {
	switch t {
	case domain.SimpleMajority, domain.AbsoluteMajority:
		return base/2 + 1
	case domain.TwoThirds:
		return ceilDiv(base*2, 3)
	case domain.ThreeFifths:
		return ceilDiv(base*3, 5)
	case domain.Unanimity:
		return base
	}
	return base
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Evaluate resolves a tally against a quorum policy.
func Evaluate(policy config.QuorumPolicy, tally domain.VoteTally, totalMembers, presentMembers int) Result {
	base := totalMembers
	if policy.Base == domain.BasePresentMembers {
		base = presentMembers
	}
	required := RequiredVotes(policy.Type, base)

	effectiveNo := tally.No
	if policy.AbstentionAsAgainst {
		effectiveNo += tally.Abstain
	}

	var approved bool
	switch policy.Type {
	case domain.SimpleMajority:
		approved = tally.Yes > effectiveNo
	case domain.AbsoluteMajority, domain.TwoThirds, domain.ThreeFifths:
		approved = tally.Yes >= required
	case domain.Unanimity:
		approved = tally.Yes == presentMembers && tally.No == 0 && tally.Abstain == 0
	}

	detail := fmt.Sprintf("%s sobre base %d: %d sim, %d não, %d abstenções (mínimo %d)",
		policy.Type, base, tally.Yes, tally.No, tally.Abstain, required)
	return Result{
		Approved: approved,
		Required: required,
		Base:     base,
		Detail:   detail,
	}
}
