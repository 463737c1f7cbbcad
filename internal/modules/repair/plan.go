package repair

import "github.com/mkosta/autopilot/internal/domain"

// BuildMovePlan describes how funds travel from one pool to another. When
// both vaults are ERC-4626 the move collapses into a single
// redeem-and-deposit transaction; otherwise it is a withdraw followed by a
// deposit. A nil destination is an exit to the wallet.
func BuildMovePlan(from, to *domain.Pool, level domain.AutonomyLevel) *domain.ExecutionPlan {
	plan := &domain.ExecutionPlan{
		RequiresWalletApproval: level != domain.AutonomyAutoSpend,
	}

	if to == nil {
		plan.Steps = []domain.ExecutionStep{{Action: "withdraw", PoolID: from.ID}}
		plan.SingleTransaction = true
		return plan
	}

	if from.ERC4626 && to.ERC4626 {
		plan.Steps = []domain.ExecutionStep{{Action: "redeem_deposit", PoolID: to.ID}}
		plan.SingleTransaction = true
		return plan
	}

	plan.Steps = []domain.ExecutionStep{
		{Action: "withdraw", PoolID: from.ID},
		{Action: "deposit", PoolID: to.ID},
	}
	return plan
}

// BuildHarvestPlan claims accrued rewards in place.
func BuildHarvestPlan(pool *domain.Pool, level domain.AutonomyLevel) *domain.ExecutionPlan {
	return &domain.ExecutionPlan{
		Steps:                  []domain.ExecutionStep{{Action: "harvest", PoolID: pool.ID}},
		SingleTransaction:      true,
		RequiresWalletApproval: level != domain.AutonomyAutoSpend,
	}
}
