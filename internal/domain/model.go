// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture — it depends on nothing.
package domain

import (
	"strings"
	"time"
)

// ─── Payment Policy Types ───────────────────────────────────────────────────

// PaymentType selects the reward policy of a conversion point.
type PaymentType string

const (
	PaymentFixedAmount  PaymentType = "FixedAmount"
	PaymentRevenueShare PaymentType = "RevenueShare"
	PaymentTiered       PaymentType = "Tiered"
)

// Tier is a reward bracket keyed by cumulative conversion count.
// Tiers are stored sorted ascending by ConversionsRequired.
type Tier struct {
	ConversionsRequired int64   `json:"conversionsRequired"`
	RewardAmount        float64 `json:"rewardAmount"`
}

// ConversionPoint is a named, configurable event (e.g. "purchase") with an
// associated reward policy. Exactly one of RewardAmount, Percentage, or Tiers
// is populated depending on PaymentType.
type ConversionPoint struct {
	ID           string      `json:"id"`
	ProjectID    string      `json:"projectId"`
	Title        string      `json:"title"`
	PaymentType  PaymentType `json:"paymentType"`
	RewardAmount float64     `json:"rewardAmount,omitempty"`
	Percentage   float64     `json:"percentage,omitempty"`
	Tiers        []Tier      `json:"tiers,omitempty"`
	IsActive     bool        `json:"isActive"`
}

// Validate checks that the point's reward fields match its payment type.
func (cp ConversionPoint) Validate() error {
	if cp.ID == "" || cp.Title == "" {
		return ErrInvalidConversionPoint
	}
	switch cp.PaymentType {
	case PaymentFixedAmount:
		if cp.RewardAmount <= 0 || cp.Percentage != 0 || len(cp.Tiers) != 0 {
			return ErrInvalidConversionPoint
		}
	case PaymentRevenueShare:
		if cp.Percentage <= 0 || cp.Percentage > 100 || cp.RewardAmount != 0 || len(cp.Tiers) != 0 {
			return ErrInvalidConversionPoint
		}
	case PaymentTiered:
		if len(cp.Tiers) == 0 || cp.RewardAmount != 0 || cp.Percentage != 0 {
			return ErrInvalidConversionPoint
		}
		var prev int64
		for _, t := range cp.Tiers {
			if t.ConversionsRequired <= prev || t.RewardAmount <= 0 {
				return ErrInvalidConversionPoint
			}
			prev = t.ConversionsRequired
		}
	default:
		return ErrInvalidConversionPoint
	}
	return nil
}

// ─── Project Types ──────────────────────────────────────────────────────────

// Project is a reward campaign configured by a project owner.
// Token, chain, and redirect URL are fixed after creation.
type Project struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	OwnerAddresses       []string          `json:"ownerAddresses"`
	SelectedTokenAddress string            `json:"selectedTokenAddress"`
	SelectedChainID      int64             `json:"selectedChainId"`
	RedirectURL          string            `json:"redirectUrl"`
	ConversionPoints     []ConversionPoint `json:"conversionPoints"`
	IsReferralEnabled    bool              `json:"isReferralEnabled"`
	IsUsingXPReward      bool              `json:"isUsingXpReward"`
	TotalPaidOut         float64           `json:"totalPaidOut"`
	LastPaymentAt        time.Time         `json:"lastPaymentDate"`
	CreatedAt            time.Time         `json:"createdAt"`
}

// Validate checks the project configuration, including the rule that
// Tiered conversion points cannot coexist with referral-enabled projects.
func (p Project) Validate() error {
	if p.Name == "" || len(p.OwnerAddresses) == 0 {
		return ErrInvalidProject
	}
	for _, cp := range p.ConversionPoints {
		if err := cp.Validate(); err != nil {
			return err
		}
		if cp.PaymentType == PaymentTiered && p.IsReferralEnabled {
			return ErrTieredWithReferral
		}
	}
	return nil
}

// FindConversionPoint returns the conversion point with the given id.
func (p Project) FindConversionPoint(id string) (ConversionPoint, bool) {
	for _, cp := range p.ConversionPoints {
		if cp.ID == id {
			return cp, true
		}
	}
	return ConversionPoint{}, false
}

// ─── Referral Types ─────────────────────────────────────────────────────────

// Referral records an affiliate's membership in a project. Conversion and
// earning counters are bumped by the ledger on every successful conversion.
type Referral struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"projectId"`
	AffiliateWallet  string    `json:"affiliateWallet"`
	Conversions      int64     `json:"conversions"`
	Earnings         float64   `json:"earnings"`
	CreatedAt        time.Time `json:"createdAt"`
	LastConversionAt time.Time `json:"lastConversionDate"`
}

// ─── Click & Tracking Types ─────────────────────────────────────────────────

// ClickSource identifies how a click entered the system.
type ClickSource string

const (
	SourceIndividual ClickSource = "individual"
	SourceASP        ClickSource = "asp"
)

// CampaignLink is the durable record a click or conversion is attributed to.
type CampaignLink struct {
	ID             string      `json:"id"`
	ProjectID      string      `json:"projectId"`
	ReferralID     string      `json:"referralId,omitempty"`
	ASPID          string      `json:"aspId,omitempty"`
	Source         ClickSource `json:"source"`
	DestinationURL string      `json:"destinationUrl"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// ClickLog is the per-click correlation record. ConversionLogID is back-filled
// when the click's tracking token is converted.
type ClickLog struct {
	ID              string            `json:"id"`
	LinkID          string            `json:"linkId"`
	Country         string            `json:"country"`
	QueryParams     map[string]string `json:"queryParams,omitempty"`
	ConversionLogID string            `json:"conversionLogId,omitempty"`
	ClickedAt       time.Time         `json:"clickedAt"`
}

// TrackingToken is a single-use token correlating a click to its eventual
// conversion. It is deleted the moment its paired conversion is recorded.
type TrackingToken struct {
	Token      string    `json:"token"`
	LinkID     string    `json:"linkId"`
	ClickLogID string    `json:"clickLogId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ─── Conversion Ledger Types ────────────────────────────────────────────────

// ConversionLog is created exactly once per conversion event.
// PaidAt and IsPaid are mutated later by the payout flow.
type ConversionLog struct {
	ID                string        `json:"id"`
	ProjectID         string        `json:"projectId"`
	TrackingToken     string        `json:"trackingId,omitempty"`
	ConversionPointID string        `json:"conversionId"`
	ReferralID        string        `json:"referralId,omitempty"`
	LinkID            string        `json:"linkId,omitempty"`
	Reward            RewardDetails `json:"rewardDetails"`
	Country           string        `json:"country"`
	UserWalletAddress string        `json:"userWalletAddress,omitempty"`
	IsPaid            bool          `json:"isPaid"`
	CreatedAt         time.Time     `json:"createdAt"`
	PaidAt            time.Time     `json:"paidAt,omitempty"`
}

// PaymentTransaction is the append-only record of a payout settlement.
// TxHashAffiliate is empty for XP rewards (no chain transaction).
type PaymentTransaction struct {
	ID              string    `json:"id"`
	ConversionLogID string    `json:"conversionLogId"`
	TxHashAffiliate string    `json:"transactionHashAffiliate,omitempty"`
	TxHashUser      string    `json:"transactionHashUser,omitempty"`
	Amount          float64   `json:"amount"`
	CreatedAt       time.Time `json:"timestamp"`
}

// ─── ASP Types ──────────────────────────────────────────────────────────────

// ParamMapping maps one of the partner's postback parameters to the internal
// query parameter captured at click time, with a fallback default.
type ParamMapping struct {
	External string `json:"external"`
	Internal string `json:"internal"`
	Default  string `json:"default"`
}

// ASP is an external affiliate network whose clicks route through this
// system. Postback URLs are keyed by environment name.
type ASP struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	PostbackURLs map[string]string `json:"postbackUrls"`
	Mappings     []ParamMapping    `json:"paramMappings"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// PostbackURL returns the partner callback URL configured for env,
// or "" when none is set.
func (a ASP) PostbackURL(env string) string {
	return a.PostbackURLs[env]
}

// ASPConversion is a conversion event reported by a partner network through
// the postback receiver.
type ASPConversion struct {
	ID           int64     `json:"id"`
	ASPID        string    `json:"aspId"`
	CampaignID   string    `json:"campaignId"`
	ClickID      string    `json:"clickId"`
	ConversionID string    `json:"conversionId"`
	Source       string    `json:"source"`
	EventName    string    `json:"eventName"`
	EventValue   float64   `json:"eventValue"`
	Currency     string    `json:"currency"`
	AffiliateID  string    `json:"affiliateId"`
	OccurredAt   time.Time `json:"timestamp"`
	ReceivedAt   time.Time `json:"receivedAt"`
}

// ─── API Key Types ──────────────────────────────────────────────────────────

// APIKey authorizes partner calls for a single project and accumulates
// usage accounting.
type APIKey struct {
	Key        string    `json:"key"`
	ProjectID  string    `json:"projectId"`
	UsageCount int64     `json:"usageCount"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ─── Utilities ──────────────────────────────────────────────────────────────

// NormalizeCountry lowercases nothing but collapses unknown/empty lookups to
// a single sentinel value so aggregate keys stay stable.
func NormalizeCountry(c string) string {
	c = strings.TrimSpace(c)
	if c == "" {
		return "unknown"
	}
	return c
}
