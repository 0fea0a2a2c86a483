package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ─── Reward Details ─────────────────────────────────────────────────────────
// A conversion earns either an on-chain token amount or off-chain XP points,
// never both. The two variants share one struct discriminated by Kind so the
// ledger can persist them uniformly.

// RewardKind discriminates the reward variant.
type RewardKind string

const (
	RewardToken RewardKind = "token"
	RewardXP    RewardKind = "xp"
)

// RewardDetails is the tagged reward record attached to a conversion log.
// TokenAddress and ChainID are only meaningful for the token variant.
type RewardDetails struct {
	Kind         RewardKind `json:"type"`
	Amount       float64    `json:"amount"`
	Unit         string     `json:"unit"`
	TokenAddress string     `json:"tokenAddress,omitempty"`
	ChainID      int64      `json:"chainId,omitempty"`
}

// NewTokenReward builds a token-denominated reward.
func NewTokenReward(amount float64, unit, tokenAddress string, chainID int64) RewardDetails {
	return RewardDetails{
		Kind:         RewardToken,
		Amount:       amount,
		Unit:         unit,
		TokenAddress: tokenAddress,
		ChainID:      chainID,
	}
}

// NewXPReward builds an XP-denominated reward. XP rewards never carry a
// token address, regardless of the project's configured token.
func NewXPReward(amount float64) RewardDetails {
	return RewardDetails{Kind: RewardXP, Amount: amount, Unit: "XP"}
}

// RewardFor assembles the reward details a project grants for amount.
func (p Project) RewardFor(amount float64) RewardDetails {
	if p.IsUsingXPReward {
		return NewXPReward(amount)
	}
	return NewTokenReward(amount, "token", p.SelectedTokenAddress, p.SelectedChainID)
}

// ─── Reward Policy Evaluator ────────────────────────────────────────────────

// EvaluateReward computes the reward amount a conversion point grants.
//
// revenue is required for RevenueShare points and ignored otherwise.
// priorConversions is the number of conversions already logged against this
// exact point for the converting affiliate; it is required for Tiered points
// and ignored otherwise. The conversion being processed counts toward the
// tier selection, so a point with 4 prior conversions is evaluated at 5.
func EvaluateReward(cp ConversionPoint, revenue *float64, priorConversions int64) (float64, error) {
	switch cp.PaymentType {
	case PaymentFixedAmount:
		return cp.RewardAmount, nil

	case PaymentRevenueShare:
		if revenue == nil {
			return 0, ErrInvalidRevenue
		}
		return revenueShare(*revenue, cp.Percentage), nil

	case PaymentTiered:
		count := priorConversions + 1
		// Scan from the highest threshold down; first tier at or below the
		// count wins.
		for i := len(cp.Tiers) - 1; i >= 0; i-- {
			if cp.Tiers[i].ConversionsRequired <= count {
				return cp.Tiers[i].RewardAmount, nil
			}
		}
		return 0, ErrNoAppropriateTier

	default:
		return 0, ErrInvalidConversionPoint
	}
}

// revenueShare computes revenue * percentage / 100 rounded half-up to one
// decimal place. Decimal arithmetic keeps sub-cent float drift out of the
// ledger.
func revenueShare(revenue, percentage float64) float64 {
	amount := decimal.NewFromFloat(revenue).
		Mul(decimal.NewFromFloat(percentage)).
		Div(decimal.NewFromInt(100)).
		Round(1)
	f, _ := amount.Float64()
	return f
}

// ─── Payout Types ───────────────────────────────────────────────────────────

// PayoutResult summarizes one settled conversion log.
type PayoutResult struct {
	ConversionLogID string     `json:"conversionLogId"`
	TxHash          string     `json:"txHash,omitempty"`
	Amount          float64    `json:"amount"`
	Kind            RewardKind `json:"kind"`
	SettledAt       time.Time  `json:"settledAt"`
}
