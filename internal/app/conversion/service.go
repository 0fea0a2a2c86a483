// Package conversion implements the conversion pipeline: validate the
// request, resolve referral/project/conversion-point, evaluate the reward
// policy, commit the ledger transaction, and notify the partner network.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qube-labs/qube/internal/domain"
	"github.com/qube-labs/qube/internal/infra/dsa"
	"github.com/qube-labs/qube/internal/infra/evm"
	"github.com/qube-labs/qube/internal/infra/geo"
	"github.com/qube-labs/qube/internal/infra/observability"
	"github.com/qube-labs/qube/internal/infra/sqlite"
)

// Notifier delivers best-effort conversion postbacks to partner networks.
type Notifier interface {
	Notify(ctx context.Context, asp domain.ASP, click domain.ClickLog) error
}

// Config tunes the pipeline's request validation.
type Config struct {
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// DefaultConfig returns production validation defaults.
func DefaultConfig() Config {
	return Config{
		RateLimitWindow: time.Minute,
		RateLimitMax:    300,
	}
}

// Service orchestrates the pipeline. All collaborators are injected; the
// service holds no mutable state of its own beyond the consumed-token
// filter.
type Service struct {
	db       *sqlite.DB
	notifier Notifier
	geo      geo.Resolver
	consumed *dsa.TokenFilter
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// New wires a pipeline service.
func New(db *sqlite.DB, notifier Notifier, resolver geo.Resolver, cfg Config, logger *zap.Logger) *Service {
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 300
	}
	return &Service{
		db:       db,
		notifier: notifier,
		geo:      resolver,
		consumed: dsa.NewTokenFilter(dsa.DefaultTokenFilterConfig()),
		cfg:      cfg,
		logger:   logger.Named("conversion"),
		now:      time.Now,
	}
}

// Outcome is the pipeline's terminal state for one conversion request.
type Outcome struct {
	Committed  bool
	Inactive   bool
	ReferralID string
	Log        domain.ConversionLog
}

// ─── v1: Referral-Attributed Conversions ────────────────────────────────────

// V1Request is the body of POST /api/v1/conversion.
type V1Request struct {
	ReferralID        string   `json:"referralId"`
	ConversionID      string   `json:"conversionId"`
	Revenue           *float64 `json:"revenue,omitempty"`
	UserWalletAddress string   `json:"userWalletAddress,omitempty"`
}

// ProcessV1 runs the pipeline for a referral-attributed conversion.
// v1 has no tracking token, so repeated submissions of the same event are
// not deduplicated; callers own their retry semantics.
func (s *Service) ProcessV1(ctx context.Context, apiKey string, req V1Request) (Outcome, error) {
	if apiKey == "" {
		return Outcome{}, domain.ErrMissingAPIKey
	}
	if req.ReferralID == "" || req.ConversionID == "" {
		return Outcome{}, domain.ErrInvalidRequest
	}
	if req.UserWalletAddress != "" && !evm.IsWalletAddress(req.UserWalletAddress) {
		return Outcome{}, domain.ErrInvalidRequest
	}
	if err := s.checkRateLimit(apiKey); err != nil {
		return Outcome{}, err
	}

	referral, err := s.db.GetReferral(req.ReferralID)
	if err != nil {
		return Outcome{}, err
	}
	project, err := s.db.GetProject(referral.ProjectID)
	if err != nil {
		return Outcome{}, err
	}
	if err := s.authorize(apiKey, project.ID); err != nil {
		return Outcome{}, err
	}

	cp, ok := project.FindConversionPoint(req.ConversionID)
	if !ok {
		return Outcome{}, domain.ErrConversionPointNotFound
	}
	if !cp.IsActive {
		observability.ConversionsTotal.WithLabelValues("v1", "inactive").Inc()
		return Outcome{Inactive: true, ReferralID: referral.ID}, nil
	}

	var prior int64
	if cp.PaymentType == domain.PaymentTiered {
		prior, err = s.db.CountReferralPointConversions(referral.ID, cp.ID)
		if err != nil {
			return Outcome{}, err
		}
	}

	amount, err := domain.EvaluateReward(cp, req.Revenue, prior)
	if err != nil {
		return Outcome{}, err
	}

	log := domain.ConversionLog{
		ID:                uuid.NewString(),
		ProjectID:         project.ID,
		ConversionPointID: cp.ID,
		ReferralID:        referral.ID,
		Reward:            project.RewardFor(amount),
		UserWalletAddress: req.UserWalletAddress,
	}

	start := s.now()
	if err := s.db.RecordReferralConversion(log, start); err != nil {
		observability.ConversionsTotal.WithLabelValues("v1", "failed").Inc()
		return Outcome{}, fmt.Errorf("transaction failed: %w", err)
	}
	observability.LedgerTxDuration.Observe(time.Since(start).Seconds())
	observability.ConversionsTotal.WithLabelValues("v1", "committed").Inc()
	observability.RewardAmount.WithLabelValues(string(log.Reward.Kind)).Add(log.Reward.Amount)

	s.logger.Info("conversion committed",
		zap.String("version", "v1"),
		zap.String("referral", referral.ID),
		zap.String("point", cp.ID),
		zap.Float64("reward", log.Reward.Amount))
	return Outcome{Committed: true, ReferralID: referral.ID, Log: log}, nil
}

// ─── v2: Tracking-Token Conversions ─────────────────────────────────────────

// ProcessV2 runs the pipeline for a tracking-token conversion. The token is
// single-use: the ledger transaction consumes it, so a second submission of
// the same token resolves to not-found.
func (s *Service) ProcessV2(ctx context.Context, apiKey, trackingToken, conversionID string) (Outcome, error) {
	if apiKey == "" {
		return Outcome{}, domain.ErrMissingAPIKey
	}
	if trackingToken == "" || conversionID == "" {
		return Outcome{}, domain.ErrInvalidRequest
	}
	if err := s.checkRateLimit(apiKey); err != nil {
		return Outcome{}, err
	}

	// Probable duplicates (retry storms) are confirmed with a point read
	// before any heavier work; the filter never rejects on its own.
	if s.consumed.Contains(trackingToken) {
		exists, err := s.db.TrackingTokenExists(trackingToken)
		if err != nil {
			return Outcome{}, err
		}
		if !exists {
			observability.ConversionsTotal.WithLabelValues("v2", "rejected").Inc()
			return Outcome{}, domain.ErrTrackingNotFound
		}
	}

	token, err := s.db.GetTrackingToken(trackingToken)
	if err != nil {
		return Outcome{}, err
	}
	link, err := s.db.GetCampaignLink(token.LinkID)
	if err != nil {
		return Outcome{}, err
	}
	project, err := s.db.GetProject(link.ProjectID)
	if err != nil {
		return Outcome{}, err
	}
	if err := s.authorize(apiKey, project.ID); err != nil {
		return Outcome{}, err
	}

	cp, ok := project.FindConversionPoint(conversionID)
	if !ok {
		return Outcome{}, domain.ErrConversionPointNotFound
	}
	if !cp.IsActive {
		observability.ConversionsTotal.WithLabelValues("v2", "inactive").Inc()
		return Outcome{Inactive: true}, nil
	}

	var prior int64
	if cp.PaymentType == domain.PaymentTiered {
		prior, err = s.db.CountLinkPointConversions(link.ID, cp.ID)
		if err != nil {
			return Outcome{}, err
		}
	}

	amount, err := domain.EvaluateReward(cp, nil, prior)
	if err != nil {
		return Outcome{}, err
	}

	log := domain.ConversionLog{
		ID:                uuid.NewString(),
		ProjectID:         project.ID,
		TrackingToken:     trackingToken,
		ConversionPointID: cp.ID,
		ReferralID:        link.ReferralID,
		LinkID:            link.ID,
		Reward:            project.RewardFor(amount),
	}

	start := s.now()
	committed, err := s.db.RecordConversion(log, start)
	if err != nil {
		if errors.Is(err, domain.ErrTrackingNotFound) {
			observability.ConversionsTotal.WithLabelValues("v2", "rejected").Inc()
			return Outcome{}, err
		}
		observability.ConversionsTotal.WithLabelValues("v2", "failed").Inc()
		return Outcome{}, fmt.Errorf("transaction failed: %w", err)
	}
	observability.LedgerTxDuration.Observe(time.Since(start).Seconds())
	observability.ConversionsTotal.WithLabelValues("v2", "committed").Inc()
	observability.RewardAmount.WithLabelValues(string(committed.Reward.Kind)).Add(committed.Reward.Amount)
	s.consumed.Add(trackingToken)

	s.logger.Info("conversion committed",
		zap.String("version", "v2"),
		zap.String("link", link.ID),
		zap.String("point", cp.ID),
		zap.Float64("reward", committed.Reward.Amount))

	// The conversion is durable; partner notification is best-effort.
	if link.Source == domain.SourceASP && link.ASPID != "" {
		s.notifyASP(ctx, link.ASPID, token.ClickLogID)
	}

	return Outcome{Committed: true, ReferralID: link.ReferralID, Log: committed}, nil
}

func (s *Service) notifyASP(ctx context.Context, aspID, clickLogID string) {
	asp, err := s.db.GetASP(aspID)
	if err != nil {
		s.logger.Warn("postback skipped: asp lookup failed", zap.String("asp", aspID), zap.Error(err))
		return
	}
	click, err := s.db.GetClickLog(clickLogID)
	if err != nil {
		s.logger.Warn("postback skipped: click lookup failed", zap.String("click", clickLogID), zap.Error(err))
		return
	}
	if err := s.notifier.Notify(ctx, asp, click); err != nil {
		s.logger.Error("postback delivery failed", zap.String("asp", aspID), zap.Error(err))
	}
}

// ─── Shared Validation ──────────────────────────────────────────────────────

func (s *Service) checkRateLimit(apiKey string) error {
	allowed, err := s.db.AllowRequest(apiKey, s.now(), s.cfg.RateLimitWindow, s.cfg.RateLimitMax)
	if err != nil {
		return err
	}
	if !allowed {
		observability.RateLimitedTotal.Inc()
		return domain.ErrRateLimited
	}
	return nil
}

// authorize confirms the key belongs to the resolved project and bumps its
// usage accounting.
func (s *Service) authorize(apiKey, projectID string) error {
	key, err := s.db.GetAPIKey(apiKey)
	if err != nil {
		return err
	}
	if key.ProjectID != projectID {
		return domain.ErrInvalidAPIKey
	}
	return s.db.RecordAPIKeyUse(apiKey, s.now())
}

// ─── ASP Click Tracking ─────────────────────────────────────────────────────

// RecordASPClick records a click on a campaign link: resolves the client's
// country (best-effort), stores the click log with a fresh single-use
// tracking token, and returns the destination URL with the token appended.
func (s *Service) RecordASPClick(ctx context.Context, linkID, clientIP string, query url.Values) (string, error) {
	if linkID == "" {
		return "", domain.ErrInvalidRequest
	}
	link, err := s.db.GetCampaignLink(linkID)
	if err != nil {
		return "", err
	}

	destination := link.DestinationURL
	if destination == "" {
		project, err := s.db.GetProject(link.ProjectID)
		if err != nil {
			return "", err
		}
		destination = project.RedirectURL
	}
	// Parse before any write: a bad destination must not leave an orphaned
	// click log and token behind.
	redirect, err := url.Parse(destination)
	if err != nil {
		return "", fmt.Errorf("parse destination url: %w", err)
	}

	country := "unknown"
	if s.geo != nil && clientIP != "" {
		c, err := s.geo.Country(ctx, clientIP)
		if err != nil {
			observability.GeoLookupFailures.Inc()
			s.logger.Warn("geo lookup failed", zap.String("ip", clientIP), zap.Error(err))
			if jerr := s.db.RecordError("geo", err.Error(), clientIP); jerr != nil {
				s.logger.Error("error journal write failed", zap.Error(jerr))
			}
		} else {
			country = c
		}
	}

	params := make(map[string]string, len(query))
	for k := range query {
		params[k] = query.Get(k)
	}

	click := domain.ClickLog{
		ID:          uuid.NewString(),
		LinkID:      link.ID,
		Country:     country,
		QueryParams: params,
	}
	token := domain.TrackingToken{
		Token:      uuid.NewString(),
		LinkID:     link.ID,
		ClickLogID: click.ID,
	}
	if err := s.db.RecordClick(click, token); err != nil {
		return "", fmt.Errorf("record click: %w", err)
	}
	observability.ClicksTotal.WithLabelValues(string(link.Source)).Inc()

	q := redirect.Query()
	q.Set("trackingId", token.Token)
	redirect.RawQuery = q.Encode()
	return redirect.String(), nil
}

// ─── ASP Postback Receiver ──────────────────────────────────────────────────

// PostbackRequest is the fixed field set a partner network reports.
type PostbackRequest struct {
	ClickID      string `json:"click_id"`
	ConversionID string `json:"conversion_id"`
	Source       string `json:"source"`
	EventName    string `json:"event_name"`
	EventValue   string `json:"event_value"`
	Currency     string `json:"currency"`
	CampaignID   string `json:"campaign_id"`
	AffiliateID  string `json:"affiliate_id"`
	Timestamp    string `json:"timestamp"`
}

func (r PostbackRequest) complete() bool {
	return r.ClickID != "" && r.ConversionID != "" && r.Source != "" &&
		r.EventName != "" && r.EventValue != "" && r.Currency != "" &&
		r.CampaignID != "" && r.AffiliateID != "" && r.Timestamp != ""
}

// ReceivePostback validates and records a conversion reported by a partner
// network. Returns the partner's conversion id on success.
func (s *Service) ReceivePostback(ctx context.Context, apiKey string, req PostbackRequest) (string, error) {
	if apiKey == "" {
		return "", domain.ErrMissingAPIKey
	}
	if _, err := s.db.GetAPIKey(apiKey); err != nil {
		return "", err
	}
	if !req.complete() {
		return "", domain.ErrInvalidRequest
	}

	value, err := strconv.ParseFloat(req.EventValue, 64)
	if err != nil {
		return "", domain.ErrInvalidRequest
	}
	occurred, err := time.Parse(time.RFC3339, req.Timestamp)
	if err != nil {
		return "", domain.ErrInvalidRequest
	}

	_, err = s.db.InsertASPConversion(domain.ASPConversion{
		CampaignID:   req.CampaignID,
		ClickID:      req.ClickID,
		ConversionID: req.ConversionID,
		Source:       req.Source,
		EventName:    req.EventName,
		EventValue:   value,
		Currency:     req.Currency,
		AffiliateID:  req.AffiliateID,
		OccurredAt:   occurred,
	})
	if err != nil {
		return "", fmt.Errorf("record asp conversion: %w", err)
	}
	return req.ConversionID, nil
}

// ─── Project & Referral Management ──────────────────────────────────────────

// CreateProject validates and stores a new project, returning it with its
// generated ids and API key. The Tiered/referral-enabled exclusion is
// enforced here, not just in the owner UI.
func (s *Service) CreateProject(p domain.Project) (domain.Project, string, error) {
	p.ID = uuid.NewString()
	for i := range p.ConversionPoints {
		if p.ConversionPoints[i].ID == "" {
			p.ConversionPoints[i].ID = uuid.NewString()
		}
		p.ConversionPoints[i].ProjectID = p.ID
	}
	if err := p.Validate(); err != nil {
		return domain.Project{}, "", err
	}

	apiKey := uuid.NewString()
	if err := s.db.InsertProject(p, apiKey); err != nil {
		return domain.Project{}, "", fmt.Errorf("insert project: %w", err)
	}
	s.logger.Info("project created", zap.String("project", p.ID))
	return p, apiKey, nil
}

// CreateReferral registers an affiliate in a referral-enabled project.
func (s *Service) CreateReferral(projectID, affiliateWallet string) (domain.Referral, error) {
	if projectID == "" || !evm.IsWalletAddress(affiliateWallet) {
		return domain.Referral{}, domain.ErrInvalidRequest
	}
	project, err := s.db.GetProject(projectID)
	if err != nil {
		return domain.Referral{}, err
	}
	if !project.IsReferralEnabled {
		return domain.Referral{}, domain.ErrInvalidRequest
	}

	r := domain.Referral{
		ID:              uuid.NewString(),
		ProjectID:       project.ID,
		AffiliateWallet: affiliateWallet,
	}
	if err := s.db.InsertReferral(r); err != nil {
		return domain.Referral{}, fmt.Errorf("insert referral: %w", err)
	}
	return r, nil
}

// CreateCampaignLink registers a campaign link for click tracking.
func (s *Service) CreateCampaignLink(l domain.CampaignLink) (domain.CampaignLink, error) {
	if l.ProjectID == "" {
		return domain.CampaignLink{}, domain.ErrInvalidRequest
	}
	if l.Source != domain.SourceASP && l.Source != domain.SourceIndividual {
		return domain.CampaignLink{}, domain.ErrInvalidRequest
	}
	if _, err := s.db.GetProject(l.ProjectID); err != nil {
		return domain.CampaignLink{}, err
	}
	if l.ASPID != "" {
		if _, err := s.db.GetASP(l.ASPID); err != nil {
			return domain.CampaignLink{}, err
		}
	}
	if l.ReferralID != "" {
		if _, err := s.db.GetReferral(l.ReferralID); err != nil {
			return domain.CampaignLink{}, err
		}
	}

	l.ID = uuid.NewString()
	if err := s.db.InsertCampaignLink(l); err != nil {
		return domain.CampaignLink{}, fmt.Errorf("insert campaign link: %w", err)
	}
	return l, nil
}
