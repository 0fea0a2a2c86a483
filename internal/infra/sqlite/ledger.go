// Conversion ledger persistence: campaign links, click logs, single-use
// tracking tokens, conversion logs, aggregate counters, and payout
// settlement. The multi-table writes here are the atomic heart of the
// pipeline — every sub-write commits or none do.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qube-labs/qube/internal/domain"
)

// ─── Campaign Link Operations ───────────────────────────────────────────────

// InsertCampaignLink stores a campaign link and seeds its stats row.
func (db *DB) InsertCampaignLink(l domain.CampaignLink) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO campaign_links (id, project_id, referral_id, asp_id, source, destination_url)
		VALUES (?, ?, ?, ?, ?, ?)
	`, l.ID, l.ProjectID, l.ReferralID, l.ASPID, string(l.Source), l.DestinationURL); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO link_stats (link_id) VALUES (?)
	`, l.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetCampaignLink loads a campaign link.
func (db *DB) GetCampaignLink(id string) (domain.CampaignLink, error) {
	var (
		l       domain.CampaignLink
		source  string
		created string
	)
	err := db.db.QueryRow(`
		SELECT id, project_id, referral_id, asp_id, source, destination_url, created_at
		FROM campaign_links WHERE id = ?
	`, id).Scan(&l.ID, &l.ProjectID, &l.ReferralID, &l.ASPID, &source, &l.DestinationURL, &created)
	if err == sql.ErrNoRows {
		return domain.CampaignLink{}, domain.ErrLinkNotFound
	}
	if err != nil {
		return domain.CampaignLink{}, err
	}
	l.Source = domain.ClickSource(source)
	l.CreatedAt = parseTime(created)
	return l, nil
}

// ─── Click & Tracking Token Operations ──────────────────────────────────────

// RecordClick stores a click log with its single-use tracking token and
// bumps the link's click counter, atomically.
func (db *DB) RecordClick(click domain.ClickLog, token domain.TrackingToken) error {
	params, err := json.Marshal(click.QueryParams)
	if err != nil {
		return fmt.Errorf("marshal query params: %w", err)
	}

	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO click_logs (id, link_id, country, query_params_json)
		VALUES (?, ?, ?, ?)
	`, click.ID, click.LinkID, domain.NormalizeCountry(click.Country), string(params)); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO tracking_tokens (token, link_id, click_log_id)
		VALUES (?, ?, ?)
	`, token.Token, token.LinkID, click.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO link_stats (link_id, clicks) VALUES (?, 1)
		ON CONFLICT(link_id) DO UPDATE SET clicks = clicks + 1
	`, click.LinkID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetTrackingToken resolves a tracking token to its click correlation.
func (db *DB) GetTrackingToken(token string) (domain.TrackingToken, error) {
	var (
		t       domain.TrackingToken
		created string
	)
	err := db.db.QueryRow(`
		SELECT token, link_id, click_log_id, created_at FROM tracking_tokens WHERE token = ?
	`, token).Scan(&t.Token, &t.LinkID, &t.ClickLogID, &created)
	if err == sql.ErrNoRows {
		return domain.TrackingToken{}, domain.ErrTrackingNotFound
	}
	if err != nil {
		return domain.TrackingToken{}, err
	}
	t.CreatedAt = parseTime(created)
	return t, nil
}

// TrackingTokenExists reports whether a token is still unconsumed.
func (db *DB) TrackingTokenExists(token string) (bool, error) {
	var n int
	err := db.db.QueryRow(`
		SELECT COUNT(*) FROM tracking_tokens WHERE token = ?
	`, token).Scan(&n)
	return n > 0, err
}

// GetClickLog loads a click log.
func (db *DB) GetClickLog(id string) (domain.ClickLog, error) {
	var (
		c       domain.ClickLog
		params  string
		clicked string
	)
	err := db.db.QueryRow(`
		SELECT id, link_id, country, query_params_json, conversion_log_id, clicked_at
		FROM click_logs WHERE id = ?
	`, id).Scan(&c.ID, &c.LinkID, &c.Country, &params, &c.ConversionLogID, &clicked)
	if err == sql.ErrNoRows {
		return domain.ClickLog{}, domain.ErrTrackingNotFound
	}
	if err != nil {
		return domain.ClickLog{}, err
	}
	if err := json.Unmarshal([]byte(params), &c.QueryParams); err != nil {
		return domain.ClickLog{}, fmt.Errorf("unmarshal query params: %w", err)
	}
	c.ClickedAt = parseTime(clicked)
	return c, nil
}

// ─── Conversion Counting ────────────────────────────────────────────────────

// CountReferralPointConversions returns how many conversions a referral has
// already logged against one conversion point. Tiered rewards key off this.
func (db *DB) CountReferralPointConversions(referralID, pointID string) (int64, error) {
	var n int64
	err := db.db.QueryRow(`
		SELECT COUNT(*) FROM conversion_logs WHERE referral_id = ? AND point_id = ?
	`, referralID, pointID).Scan(&n)
	return n, err
}

// CountLinkPointConversions is the campaign-link scoped counterpart.
func (db *DB) CountLinkPointConversions(linkID, pointID string) (int64, error) {
	var n int64
	err := db.db.QueryRow(`
		SELECT COUNT(*) FROM conversion_logs WHERE link_id = ? AND point_id = ?
	`, linkID, pointID).Scan(&n)
	return n, err
}

// ─── Conversion Transactions ────────────────────────────────────────────────

// RecordReferralConversion commits a v1 (referral-attributed) conversion:
// the conversion log plus the referral's counters, in one transaction.
func (db *DB) RecordReferralConversion(log domain.ConversionLog, now time.Time) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertConversionLog(tx, log, now); err != nil {
		return err
	}
	if err := bumpReferral(tx, log.ReferralID, log.Reward.Amount, now); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordConversion commits a v2 (tracking-token) conversion in one atomic
// transaction: read the click log's country, create the conversion log,
// back-link the click log, bump every aggregate counter, and consume the
// tracking token. The returned log carries the country taken from the click.
func (db *DB) RecordConversion(log domain.ConversionLog, now time.Time) (domain.ConversionLog, error) {
	tx, err := db.db.Begin()
	if err != nil {
		return domain.ConversionLog{}, err
	}
	defer tx.Rollback()

	// (a) the click log must still exist; its country attributes the stats
	var country string
	clickID := ""
	err = tx.QueryRow(`
		SELECT id, country FROM click_logs
		WHERE id = (SELECT click_log_id FROM tracking_tokens WHERE token = ?)
	`, log.TrackingToken).Scan(&clickID, &country)
	if err == sql.ErrNoRows {
		return domain.ConversionLog{}, domain.ErrTrackingNotFound
	}
	if err != nil {
		return domain.ConversionLog{}, err
	}
	log.Country = domain.NormalizeCountry(country)

	// (b) create the conversion log
	if err := insertConversionLog(tx, log, now); err != nil {
		return domain.ConversionLog{}, err
	}

	// (c) back-link the click log to its conversion
	if _, err := tx.Exec(`
		UPDATE click_logs SET conversion_log_id = ? WHERE id = ?
	`, log.ID, clickID); err != nil {
		return domain.ConversionLog{}, err
	}

	// (d) aggregate counters
	if err := bumpLinkStats(tx, log, now); err != nil {
		return domain.ConversionLog{}, err
	}
	if log.ReferralID != "" {
		if err := bumpReferral(tx, log.ReferralID, log.Reward.Amount, now); err != nil {
			return domain.ConversionLog{}, err
		}
	}

	// (e) consume the tracking token; exactly one row or the whole
	// transaction aborts
	res, err := tx.Exec(`DELETE FROM tracking_tokens WHERE token = ?`, log.TrackingToken)
	if err != nil {
		return domain.ConversionLog{}, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return domain.ConversionLog{}, domain.ErrTrackingNotFound
	}

	if err := tx.Commit(); err != nil {
		return domain.ConversionLog{}, err
	}
	return log, nil
}

func insertConversionLog(tx *sql.Tx, log domain.ConversionLog, now time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO conversion_logs
			(id, project_id, tracking_token, point_id, referral_id, link_id,
			 reward_kind, reward_amount, reward_unit, token_address, chain_id,
			 country, user_wallet, is_paid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, log.ID, log.ProjectID, log.TrackingToken, log.ConversionPointID, log.ReferralID, log.LinkID,
		string(log.Reward.Kind), log.Reward.Amount, log.Reward.Unit, log.Reward.TokenAddress, log.Reward.ChainID,
		domain.NormalizeCountry(log.Country), log.UserWalletAddress, formatTime(now))
	return err
}

func bumpReferral(tx *sql.Tx, referralID string, amount float64, now time.Time) error {
	res, err := tx.Exec(`
		UPDATE referrals
		SET conversions = conversions + 1, earnings = earnings + ?, last_conversion_at = ?
		WHERE id = ?
	`, amount, formatTime(now), referralID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return domain.ErrReferralNotFound
	}
	return nil
}

func bumpLinkStats(tx *sql.Tx, log domain.ConversionLog, now time.Time) error {
	amount := log.Reward.Amount
	if _, err := tx.Exec(`
		INSERT INTO link_stats (link_id, conversions, unpaid_count, unpaid_amount, total_amount)
		VALUES (?, 1, 1, ?, ?)
		ON CONFLICT(link_id) DO UPDATE SET
			conversions   = conversions + 1,
			unpaid_count  = unpaid_count + 1,
			unpaid_amount = unpaid_amount + excluded.unpaid_amount,
			total_amount  = total_amount + excluded.total_amount
	`, log.LinkID, amount, amount); err != nil {
		return err
	}

	day := now.UTC().Format(time.DateOnly)
	month := now.UTC().Format("2006-01")
	buckets := []struct {
		table string
		key   string
	}{
		{"link_stats_daily", day},
		{"link_stats_monthly", month},
		{"link_stats_country", log.Country},
		{"link_stats_point", log.ConversionPointID},
	}
	columns := []string{"day", "month", "country", "point_id"}
	for i, b := range buckets {
		stmt := fmt.Sprintf(`
			INSERT INTO %s (link_id, %s, conversions) VALUES (?, ?, 1)
			ON CONFLICT(link_id, %s) DO UPDATE SET conversions = conversions + 1
		`, b.table, columns[i], columns[i])
		if _, err := tx.Exec(stmt, log.LinkID, b.key); err != nil {
			return err
		}
	}
	return nil
}

// ─── Conversion Log Queries ─────────────────────────────────────────────────

// GetConversionLog loads one ledger entry.
func (db *DB) GetConversionLog(id string) (domain.ConversionLog, error) {
	return db.scanConversionLog(db.db.QueryRow(`
		SELECT id, project_id, tracking_token, point_id, referral_id, link_id,
		       reward_kind, reward_amount, reward_unit, token_address, chain_id,
		       country, user_wallet, is_paid, created_at, paid_at
		FROM conversion_logs WHERE id = ?
	`, id))
}

// UnpaidConversionLogs lists a project's unsettled ledger entries, oldest
// first.
func (db *DB) UnpaidConversionLogs(projectID string, limit int) ([]domain.ConversionLog, error) {
	rows, err := db.db.Query(`
		SELECT id, project_id, tracking_token, point_id, referral_id, link_id,
		       reward_kind, reward_amount, reward_unit, token_address, chain_id,
		       country, user_wallet, is_paid, created_at, paid_at
		FROM conversion_logs
		WHERE project_id = ? AND is_paid = 0
		ORDER BY created_at LIMIT ?
	`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.ConversionLog
	for rows.Next() {
		log, err := db.scanConversionLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (db *DB) scanConversionLog(row rowScanner) (domain.ConversionLog, error) {
	var (
		log     domain.ConversionLog
		kind    string
		paidInt int
		created string
		paidAt  sql.NullString
	)
	err := row.Scan(&log.ID, &log.ProjectID, &log.TrackingToken, &log.ConversionPointID, &log.ReferralID, &log.LinkID,
		&kind, &log.Reward.Amount, &log.Reward.Unit, &log.Reward.TokenAddress, &log.Reward.ChainID,
		&log.Country, &log.UserWalletAddress, &paidInt, &created, &paidAt)
	if err == sql.ErrNoRows {
		return domain.ConversionLog{}, domain.ErrTrackingNotFound
	}
	if err != nil {
		return domain.ConversionLog{}, err
	}
	log.Reward.Kind = domain.RewardKind(kind)
	log.IsPaid = paidInt == 1
	log.CreatedAt = parseTime(created)
	if paidAt.Valid {
		log.PaidAt = parseTime(paidAt.String)
	}
	return log, nil
}

// ─── Payout Settlement ──────────────────────────────────────────────────────

// SettlePayment marks a conversion log paid and appends its payment
// transaction, updating the project's payout aggregates and releasing the
// link's unpaid counters — all atomically.
func (db *DB) SettlePayment(log domain.ConversionLog, payment domain.PaymentTransaction, now time.Time) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE conversion_logs SET is_paid = 1, paid_at = ? WHERE id = ? AND is_paid = 0
	`, formatTime(now), log.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return domain.ErrConversionExists
	}

	if _, err := tx.Exec(`
		INSERT INTO payment_transactions (id, conversion_log_id, tx_hash_affiliate, tx_hash_user, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, payment.ID, log.ID, payment.TxHashAffiliate, payment.TxHashUser, payment.Amount, formatTime(now)); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		UPDATE projects SET total_paid_out = total_paid_out + ?, last_payment_at = ? WHERE id = ?
	`, payment.Amount, formatTime(now), log.ProjectID); err != nil {
		return err
	}

	if log.LinkID != "" {
		if _, err := tx.Exec(`
			UPDATE link_stats
			SET unpaid_count = unpaid_count - 1, unpaid_amount = unpaid_amount - ?
			WHERE link_id = ?
		`, payment.Amount, log.LinkID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// PaymentsForConversion lists the settlements recorded for one ledger entry.
func (db *DB) PaymentsForConversion(logID string) ([]domain.PaymentTransaction, error) {
	rows, err := db.db.Query(`
		SELECT id, conversion_log_id, tx_hash_affiliate, tx_hash_user, amount, created_at
		FROM payment_transactions WHERE conversion_log_id = ? ORDER BY created_at
	`, logID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.PaymentTransaction
	for rows.Next() {
		var (
			p       domain.PaymentTransaction
			created string
		)
		if err := rows.Scan(&p.ID, &p.ConversionLogID, &p.TxHashAffiliate, &p.TxHashUser, &p.Amount, &created); err != nil {
			return nil, err
		}
		p.CreatedAt = parseTime(created)
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// ─── Stats Queries ──────────────────────────────────────────────────────────

// LinkStats is the aggregate counter snapshot for one campaign link.
type LinkStats struct {
	Clicks       int64
	Conversions  int64
	UnpaidCount  int64
	UnpaidAmount float64
	TotalAmount  float64
}

// GetLinkStats returns a link's aggregate counters.
func (db *DB) GetLinkStats(linkID string) (LinkStats, error) {
	var s LinkStats
	err := db.db.QueryRow(`
		SELECT clicks, conversions, unpaid_count, unpaid_amount, total_amount
		FROM link_stats WHERE link_id = ?
	`, linkID).Scan(&s.Clicks, &s.Conversions, &s.UnpaidCount, &s.UnpaidAmount, &s.TotalAmount)
	if err == sql.ErrNoRows {
		return LinkStats{}, nil
	}
	return s, err
}

// CountryConversions returns a link's per-country conversion counter.
func (db *DB) CountryConversions(linkID, country string) (int64, error) {
	var n int64
	err := db.db.QueryRow(`
		SELECT conversions FROM link_stats_country WHERE link_id = ? AND country = ?
	`, linkID, country).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// DailyConversions returns a link's conversion counter for one UTC day.
func (db *DB) DailyConversions(linkID string, day time.Time) (int64, error) {
	var n int64
	err := db.db.QueryRow(`
		SELECT conversions FROM link_stats_daily WHERE link_id = ? AND day = ?
	`, linkID, day.UTC().Format(time.DateOnly)).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}
