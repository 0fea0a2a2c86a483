// Package payout settles unpaid conversion logs. Token rewards are paid as
// ERC-20 transfers from the treasury; XP rewards are settled in the ledger
// with no chain transaction.
package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qube-labs/qube/internal/domain"
	"github.com/qube-labs/qube/internal/infra/observability"
	"github.com/qube-labs/qube/internal/infra/sqlite"
)

// Payer submits a token transfer and returns the transaction hash.
type Payer interface {
	Transfer(ctx context.Context, tokenAddress, recipient string, amount float64, decimals int32) (string, error)
}

// Service walks a project's unpaid conversion logs and settles each one.
// A failed chain transfer leaves the log unpaid for the next run; the
// settlement write itself is idempotent, so a log can never be paid twice.
type Service struct {
	db            *sqlite.DB
	payer         Payer
	tokenDecimals int32
	logger        *zap.Logger
	now           func() time.Time
}

// New wires a payout service. tokenDecimals applies to every project token
// (18 for standard ERC-20s).
func New(db *sqlite.DB, payer Payer, tokenDecimals int32, logger *zap.Logger) *Service {
	if tokenDecimals <= 0 {
		tokenDecimals = 18
	}
	return &Service{
		db:            db,
		payer:         payer,
		tokenDecimals: tokenDecimals,
		logger:        logger.Named("payout"),
		now:           time.Now,
	}
}

// Run settles up to limit unpaid conversion logs for the project. Individual
// failures are journaled and skipped; the returned slice holds only the logs
// actually settled in this run.
func (s *Service) Run(ctx context.Context, projectID string, limit int) ([]domain.PayoutResult, error) {
	if limit <= 0 {
		limit = 100
	}
	logs, err := s.db.UnpaidConversionLogs(projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unpaid logs: %w", err)
	}

	results := make([]domain.PayoutResult, 0, len(logs))
	for _, log := range logs {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		result, err := s.settle(ctx, log)
		if err != nil {
			observability.PayoutsTotal.WithLabelValues("failed").Inc()
			s.logger.Error("settlement failed",
				zap.String("log", log.ID),
				zap.Error(err))
			if jerr := s.db.RecordError("payout", err.Error(), log.ID); jerr != nil {
				s.logger.Error("error journal write failed", zap.Error(jerr))
			}
			continue
		}
		observability.PayoutsTotal.WithLabelValues("settled").Inc()
		observability.PayoutAmount.Add(result.Amount)
		results = append(results, result)
	}

	s.logger.Info("payout run complete",
		zap.String("project", projectID),
		zap.Int("unpaid", len(logs)),
		zap.Int("settled", len(results)))
	return results, nil
}

func (s *Service) settle(ctx context.Context, log domain.ConversionLog) (domain.PayoutResult, error) {
	recipient, err := s.recipient(log)
	if err != nil {
		return domain.PayoutResult{}, err
	}

	var txHash string
	if log.Reward.Kind == domain.RewardToken {
		if s.payer == nil {
			return domain.PayoutResult{}, errors.New("no chain payer configured")
		}
		txHash, err = s.payer.Transfer(ctx, log.Reward.TokenAddress, recipient, log.Reward.Amount, s.tokenDecimals)
		if err != nil {
			return domain.PayoutResult{}, fmt.Errorf("token transfer: %w", err)
		}
	}

	now := s.now()
	payment := domain.PaymentTransaction{
		ID:              uuid.NewString(),
		ConversionLogID: log.ID,
		TxHashAffiliate: txHash,
		Amount:          log.Reward.Amount,
		CreatedAt:       now,
	}
	if err := s.db.SettlePayment(log, payment, now); err != nil {
		// A transfer that succeeded but failed to settle is surfaced loudly:
		// the next run would double-pay without operator intervention.
		if txHash != "" {
			s.logger.Error("transfer sent but settlement write failed",
				zap.String("log", log.ID),
				zap.String("tx", txHash),
				zap.Error(err))
		}
		return domain.PayoutResult{}, fmt.Errorf("settle payment: %w", err)
	}

	return domain.PayoutResult{
		ConversionLogID: log.ID,
		TxHash:          txHash,
		Amount:          log.Reward.Amount,
		Kind:            log.Reward.Kind,
		SettledAt:       now,
	}, nil
}

// recipient resolves the wallet that receives the reward. Token payouts
// require a referral with a wallet; XP settlements do not move funds, so a
// missing referral is fine.
func (s *Service) recipient(log domain.ConversionLog) (string, error) {
	if log.Reward.Kind != domain.RewardToken {
		return "", nil
	}
	if log.ReferralID == "" {
		return "", errors.New("token reward without referral attribution")
	}
	referral, err := s.db.GetReferral(log.ReferralID)
	if err != nil {
		return "", fmt.Errorf("resolve referral: %w", err)
	}
	if referral.AffiliateWallet == "" {
		return "", fmt.Errorf("referral %s has no wallet", referral.ID)
	}
	return referral.AffiliateWallet, nil
}
