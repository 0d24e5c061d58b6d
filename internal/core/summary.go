package core

import (
	"math/bits"
	"time"
)

// GroupSummary is a compact read model for a group dashboard.
type GroupSummary struct {
	Group        SavingsGroup `json:"group"`
	Progress     float64      `json:"progress"`
	Remaining    Money        `json:"remaining"`
	MemberCount  int          `json:"member_count"`
	PendingCount int          `json:"pending_contributions"`
	Overdue      bool         `json:"overdue"`
	GeneratedAt  time.Time    `json:"generated_at"`
}

// Progress returns min(100, current/target*100) truncated to two decimals.
// Over-funding is allowed, so the cap matters.
func Progress(current, target Money) float64 {
	if target.Cents <= 0 {
		return 0
	}
	if current.Cents >= target.Cents {
		return 100
	}
	if current.Cents <= 0 {
		return 0
	}
	// 128-bit product: current*10000 does not fit int64 for large goals.
	// The quotient is below 10000 because current < target.
	hi, lo := bits.Mul64(uint64(current.Cents), 10000)
	basisPoints, _ := bits.Div64(hi, lo, uint64(target.Cents))
	return float64(basisPoints) / 100
}

// NewGroupSummary derives the summary fields from a group snapshot.
func NewGroupSummary(g SavingsGroup, members, pending int, now time.Time) GroupSummary {
	return GroupSummary{
		Group:        g,
		Progress:     Progress(g.CurrentAmount, g.TargetAmount),
		Remaining:    g.Remaining(),
		MemberCount:  members,
		PendingCount: pending,
		Overdue:      g.Overdue(now),
		GeneratedAt:  now,
	}
}
