package sqlite

import (
	"errors"
	"testing"
	"time"

	"github.com/qube-labs/qube/internal/domain"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// seedProject inserts a project with one fixed-amount conversion point and
// returns it with its API key.
func seedProject(t *testing.T, db *DB) (domain.Project, string) {
	t.Helper()
	p := domain.Project{
		ID:                   "proj-1",
		Name:                 "demo",
		OwnerAddresses:       []string{"0x00000000000000000000000000000000000000aa"},
		SelectedTokenAddress: "0x00000000000000000000000000000000000000bb",
		SelectedChainID:      137,
		RedirectURL:          "https://shop.example/landing",
		ConversionPoints: []domain.ConversionPoint{
			{
				ID:           "cp-1",
				ProjectID:    "proj-1",
				Title:        "purchase",
				PaymentType:  domain.PaymentFixedAmount,
				RewardAmount: 10,
				IsActive:     true,
			},
		},
		IsReferralEnabled: true,
	}
	const apiKey = "key-1"
	if err := db.InsertProject(p, apiKey); err != nil {
		t.Fatalf("InsertProject() error = %v", err)
	}
	return p, apiKey
}

func seedClick(t *testing.T, db *DB, linkID, country string) (domain.ClickLog, domain.TrackingToken) {
	t.Helper()
	click := domain.ClickLog{
		ID:      "click-" + linkID,
		LinkID:  linkID,
		Country: country,
		QueryParams: map[string]string{
			"click_id": "asp-click-9",
		},
	}
	token := domain.TrackingToken{
		Token:      "tok-" + linkID,
		LinkID:     linkID,
		ClickLogID: click.ID,
	}
	if err := db.RecordClick(click, token); err != nil {
		t.Fatalf("RecordClick() error = %v", err)
	}
	return click, token
}

func TestProjectRoundTrip(t *testing.T) {
	db := openTestDB(t)
	p, apiKey := seedProject(t, db)

	got, err := db.GetProject(p.ID)
	if err != nil {
		t.Fatalf("GetProject() error = %v", err)
	}
	if got.Name != p.Name || !got.IsReferralEnabled || got.SelectedChainID != 137 {
		t.Errorf("GetProject() = %+v", got)
	}
	if len(got.ConversionPoints) != 1 || got.ConversionPoints[0].RewardAmount != 10 {
		t.Errorf("conversion points = %+v", got.ConversionPoints)
	}

	key, err := db.GetAPIKey(apiKey)
	if err != nil {
		t.Fatalf("GetAPIKey() error = %v", err)
	}
	if key.ProjectID != p.ID {
		t.Errorf("key.ProjectID = %q, want %q", key.ProjectID, p.ID)
	}

	if _, err := db.GetAPIKey("bogus"); !errors.Is(err, domain.ErrInvalidAPIKey) {
		t.Errorf("GetAPIKey(bogus) error = %v, want ErrInvalidAPIKey", err)
	}
	if _, err := db.GetProject("bogus"); !errors.Is(err, domain.ErrProjectNotFound) {
		t.Errorf("GetProject(bogus) error = %v, want ErrProjectNotFound", err)
	}
}

func TestRecordConversionConsumesToken(t *testing.T) {
	db := openTestDB(t)
	p, _ := seedProject(t, db)

	link := domain.CampaignLink{
		ID:        "link-1",
		ProjectID: p.ID,
		Source:    domain.SourceIndividual,
	}
	if err := db.InsertCampaignLink(link); err != nil {
		t.Fatalf("InsertCampaignLink() error = %v", err)
	}
	_, token := seedClick(t, db, link.ID, "JP")

	now := time.Now()
	log := domain.ConversionLog{
		ID:                "conv-1",
		ProjectID:         p.ID,
		TrackingToken:     token.Token,
		ConversionPointID: "cp-1",
		LinkID:            link.ID,
		Reward:            domain.NewTokenReward(10, "token", p.SelectedTokenAddress, p.SelectedChainID),
	}
	committed, err := db.RecordConversion(log, now)
	if err != nil {
		t.Fatalf("RecordConversion() error = %v", err)
	}
	if committed.Country != "JP" {
		t.Errorf("committed country = %q, want JP (taken from click)", committed.Country)
	}

	// Token is single-use: the same token must now be gone.
	if _, err := db.RecordConversion(log, now); !errors.Is(err, domain.ErrTrackingNotFound) {
		t.Errorf("second RecordConversion() error = %v, want ErrTrackingNotFound", err)
	}
	exists, err := db.TrackingTokenExists(token.Token)
	if err != nil {
		t.Fatalf("TrackingTokenExists() error = %v", err)
	}
	if exists {
		t.Error("tracking token still exists after conversion")
	}

	// Click log is back-linked.
	click, err := db.GetClickLog("click-link-1")
	if err != nil {
		t.Fatalf("GetClickLog() error = %v", err)
	}
	if click.ConversionLogID != "conv-1" {
		t.Errorf("click.ConversionLogID = %q, want conv-1", click.ConversionLogID)
	}

	// Aggregates moved together with the log.
	stats, err := db.GetLinkStats(link.ID)
	if err != nil {
		t.Fatalf("GetLinkStats() error = %v", err)
	}
	if stats.Clicks != 1 || stats.Conversions != 1 || stats.UnpaidCount != 1 || stats.UnpaidAmount != 10 {
		t.Errorf("link stats = %+v", stats)
	}
	byCountry, err := db.CountryConversions(link.ID, "JP")
	if err != nil {
		t.Fatalf("CountryConversions() error = %v", err)
	}
	if byCountry != 1 {
		t.Errorf("country conversions = %d, want 1", byCountry)
	}
	daily, err := db.DailyConversions(link.ID, now)
	if err != nil {
		t.Fatalf("DailyConversions() error = %v", err)
	}
	if daily != 1 {
		t.Errorf("daily conversions = %d, want 1", daily)
	}
}

func TestRecordConversionUnknownTokenLeavesNoTrace(t *testing.T) {
	db := openTestDB(t)
	p, _ := seedProject(t, db)

	log := domain.ConversionLog{
		ID:                "conv-x",
		ProjectID:         p.ID,
		TrackingToken:     "never-issued",
		ConversionPointID: "cp-1",
		LinkID:            "link-x",
		Reward:            domain.NewXPReward(5),
	}
	if _, err := db.RecordConversion(log, time.Now()); !errors.Is(err, domain.ErrTrackingNotFound) {
		t.Fatalf("RecordConversion() error = %v, want ErrTrackingNotFound", err)
	}
	if _, err := db.GetConversionLog("conv-x"); !errors.Is(err, domain.ErrTrackingNotFound) {
		t.Errorf("aborted conversion left a ledger entry: err = %v", err)
	}
}

func TestRecordReferralConversionBumpsCounters(t *testing.T) {
	db := openTestDB(t)
	p, _ := seedProject(t, db)

	referral := domain.Referral{
		ID:              "ref-1",
		ProjectID:       p.ID,
		AffiliateWallet: "0x00000000000000000000000000000000000000cc",
	}
	if err := db.InsertReferral(referral); err != nil {
		t.Fatalf("InsertReferral() error = %v", err)
	}

	now := time.Now()
	for i, id := range []string{"conv-a", "conv-b"} {
		log := domain.ConversionLog{
			ID:                id,
			ProjectID:         p.ID,
			ConversionPointID: "cp-1",
			ReferralID:        referral.ID,
			Reward:            domain.NewTokenReward(10, "token", p.SelectedTokenAddress, p.SelectedChainID),
		}
		if err := db.RecordReferralConversion(log, now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("RecordReferralConversion(%s) error = %v", id, err)
		}
	}

	got, err := db.GetReferral(referral.ID)
	if err != nil {
		t.Fatalf("GetReferral() error = %v", err)
	}
	if got.Conversions != 2 || got.Earnings != 20 {
		t.Errorf("referral counters = %d conversions, %v earnings; want 2, 20", got.Conversions, got.Earnings)
	}

	n, err := db.CountReferralPointConversions(referral.ID, "cp-1")
	if err != nil {
		t.Fatalf("CountReferralPointConversions() error = %v", err)
	}
	if n != 2 {
		t.Errorf("point conversions = %d, want 2", n)
	}
}

func TestSettlePaymentIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	p, _ := seedProject(t, db)

	referral := domain.Referral{ID: "ref-1", ProjectID: p.ID, AffiliateWallet: "0x00000000000000000000000000000000000000cc"}
	if err := db.InsertReferral(referral); err != nil {
		t.Fatalf("InsertReferral() error = %v", err)
	}
	log := domain.ConversionLog{
		ID:                "conv-1",
		ProjectID:         p.ID,
		ConversionPointID: "cp-1",
		ReferralID:        referral.ID,
		Reward:            domain.NewTokenReward(10, "token", p.SelectedTokenAddress, p.SelectedChainID),
	}
	if err := db.RecordReferralConversion(log, time.Now()); err != nil {
		t.Fatalf("RecordReferralConversion() error = %v", err)
	}

	unpaid, err := db.UnpaidConversionLogs(p.ID, 10)
	if err != nil {
		t.Fatalf("UnpaidConversionLogs() error = %v", err)
	}
	if len(unpaid) != 1 {
		t.Fatalf("unpaid logs = %d, want 1", len(unpaid))
	}

	payment := domain.PaymentTransaction{
		ID:              "pay-1",
		ConversionLogID: log.ID,
		TxHashAffiliate: "0xabc",
		Amount:          10,
	}
	now := time.Now()
	if err := db.SettlePayment(unpaid[0], payment, now); err != nil {
		t.Fatalf("SettlePayment() error = %v", err)
	}

	// Double settlement is refused.
	if err := db.SettlePayment(unpaid[0], payment, now); !errors.Is(err, domain.ErrConversionExists) {
		t.Errorf("second SettlePayment() error = %v, want ErrConversionExists", err)
	}

	settled, err := db.GetConversionLog(log.ID)
	if err != nil {
		t.Fatalf("GetConversionLog() error = %v", err)
	}
	if !settled.IsPaid {
		t.Error("conversion log not marked paid")
	}

	project, err := db.GetProject(p.ID)
	if err != nil {
		t.Fatalf("GetProject() error = %v", err)
	}
	if project.TotalPaidOut != 10 {
		t.Errorf("TotalPaidOut = %v, want 10", project.TotalPaidOut)
	}

	payments, err := db.PaymentsForConversion(log.ID)
	if err != nil {
		t.Fatalf("PaymentsForConversion() error = %v", err)
	}
	if len(payments) != 1 || payments[0].TxHashAffiliate != "0xabc" {
		t.Errorf("payments = %+v", payments)
	}

	remaining, err := db.UnpaidConversionLogs(p.ID, 10)
	if err != nil {
		t.Fatalf("UnpaidConversionLogs() after settle error = %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("unpaid logs after settle = %d, want 0", len(remaining))
	}
}

func TestAllowRequestFixedWindow(t *testing.T) {
	db := openTestDB(t)
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		ok, err := db.AllowRequest("key-1", now, time.Minute, 3)
		if err != nil {
			t.Fatalf("AllowRequest(%d) error = %v", i, err)
		}
		if !ok {
			t.Fatalf("AllowRequest(%d) = false, want true", i)
		}
	}
	ok, err := db.AllowRequest("key-1", now, time.Minute, 3)
	if err != nil {
		t.Fatalf("AllowRequest() error = %v", err)
	}
	if ok {
		t.Error("request over the limit allowed")
	}

	// Another key is unaffected.
	ok, err = db.AllowRequest("key-2", now, time.Minute, 3)
	if err != nil || !ok {
		t.Errorf("AllowRequest(other key) = %v, %v; want true, nil", ok, err)
	}

	// A new window resets the counter.
	ok, err = db.AllowRequest("key-1", now.Add(2*time.Minute), time.Minute, 3)
	if err != nil || !ok {
		t.Errorf("AllowRequest(next window) = %v, %v; want true, nil", ok, err)
	}
}

func TestAllowRequestSubSecondWindow(t *testing.T) {
	db := openTestDB(t)
	now := time.Unix(1_700_000_000, 250_000_000)

	for i := 0; i < 2; i++ {
		ok, err := db.AllowRequest("key-1", now, 500*time.Millisecond, 2)
		if err != nil {
			t.Fatalf("AllowRequest(%d) error = %v", i, err)
		}
		if !ok {
			t.Fatalf("AllowRequest(%d) = false, want true", i)
		}
	}
	ok, err := db.AllowRequest("key-1", now, 500*time.Millisecond, 2)
	if err != nil {
		t.Fatalf("AllowRequest() error = %v", err)
	}
	if ok {
		t.Error("request over the limit allowed")
	}

	// The next half-second window resets the counter.
	ok, err = db.AllowRequest("key-1", now.Add(time.Second), 500*time.Millisecond, 2)
	if err != nil || !ok {
		t.Errorf("AllowRequest(next window) = %v, %v; want true, nil", ok, err)
	}
}

func TestRecordAPIKeyUse(t *testing.T) {
	db := openTestDB(t)
	_, apiKey := seedProject(t, db)

	if err := db.RecordAPIKeyUse(apiKey, time.Now()); err != nil {
		t.Fatalf("RecordAPIKeyUse() error = %v", err)
	}
	if err := db.RecordAPIKeyUse(apiKey, time.Now()); err != nil {
		t.Fatalf("RecordAPIKeyUse() error = %v", err)
	}
	key, err := db.GetAPIKey(apiKey)
	if err != nil {
		t.Fatalf("GetAPIKey() error = %v", err)
	}
	if key.UsageCount != 2 {
		t.Errorf("UsageCount = %d, want 2", key.UsageCount)
	}
	if key.LastUsedAt.IsZero() {
		t.Error("LastUsedAt not recorded")
	}
}
