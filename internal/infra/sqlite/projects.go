// Project, referral, and API key persistence.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qube-labs/qube/internal/domain"
)

// ─── Project Operations ─────────────────────────────────────────────────────

// InsertProject stores a validated project together with its conversion
// points and API key, atomically.
func (db *DB) InsertProject(p domain.Project, apiKey string) error {
	owners, err := json.Marshal(p.OwnerAddresses)
	if err != nil {
		return fmt.Errorf("marshal owners: %w", err)
	}

	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO projects (id, name, owner_addresses, token_address, chain_id, redirect_url, is_referral_enabled, is_using_xp_reward)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, string(owners), p.SelectedTokenAddress, p.SelectedChainID, p.RedirectURL,
		boolToInt(p.IsReferralEnabled), boolToInt(p.IsUsingXPReward)); err != nil {
		return err
	}

	for _, cp := range p.ConversionPoints {
		tiers, err := json.Marshal(cp.Tiers)
		if err != nil {
			return fmt.Errorf("marshal tiers: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO conversion_points (id, project_id, title, payment_type, reward_amount, percentage, tiers_json, is_active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, cp.ID, p.ID, cp.Title, string(cp.PaymentType), cp.RewardAmount, cp.Percentage, string(tiers), boolToInt(cp.IsActive)); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO api_keys (key, project_id) VALUES (?, ?)
	`, apiKey, p.ID); err != nil {
		return err
	}

	return tx.Commit()
}

// GetProject loads a project and its conversion points.
func (db *DB) GetProject(id string) (domain.Project, error) {
	var (
		p           domain.Project
		owners      string
		referralInt int
		xpInt       int
		lastPayment sql.NullString
		createdAt   string
	)
	err := db.db.QueryRow(`
		SELECT id, name, owner_addresses, token_address, chain_id, redirect_url,
		       is_referral_enabled, is_using_xp_reward, total_paid_out, last_payment_at, created_at
		FROM projects WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &owners, &p.SelectedTokenAddress, &p.SelectedChainID, &p.RedirectURL,
		&referralInt, &xpInt, &p.TotalPaidOut, &lastPayment, &createdAt)
	if err == sql.ErrNoRows {
		return domain.Project{}, domain.ErrProjectNotFound
	}
	if err != nil {
		return domain.Project{}, err
	}

	if err := json.Unmarshal([]byte(owners), &p.OwnerAddresses); err != nil {
		return domain.Project{}, fmt.Errorf("unmarshal owners: %w", err)
	}
	p.IsReferralEnabled = referralInt == 1
	p.IsUsingXPReward = xpInt == 1
	p.CreatedAt = parseTime(createdAt)
	if lastPayment.Valid {
		p.LastPaymentAt = parseTime(lastPayment.String)
	}

	points, err := db.listConversionPoints(p.ID)
	if err != nil {
		return domain.Project{}, err
	}
	p.ConversionPoints = points
	return p, nil
}

func (db *DB) listConversionPoints(projectID string) ([]domain.ConversionPoint, error) {
	rows, err := db.db.Query(`
		SELECT id, title, payment_type, reward_amount, percentage, tiers_json, is_active
		FROM conversion_points WHERE project_id = ? ORDER BY id
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []domain.ConversionPoint
	for rows.Next() {
		var (
			cp        domain.ConversionPoint
			ptype     string
			tiers     string
			activeInt int
		)
		if err := rows.Scan(&cp.ID, &cp.Title, &ptype, &cp.RewardAmount, &cp.Percentage, &tiers, &activeInt); err != nil {
			return nil, err
		}
		cp.ProjectID = projectID
		cp.PaymentType = domain.PaymentType(ptype)
		cp.IsActive = activeInt == 1
		if err := json.Unmarshal([]byte(tiers), &cp.Tiers); err != nil {
			return nil, fmt.Errorf("unmarshal tiers: %w", err)
		}
		points = append(points, cp)
	}
	return points, rows.Err()
}

// SetConversionPointActive toggles a point's eligibility for rewards.
func (db *DB) SetConversionPointActive(projectID, pointID string, active bool) error {
	res, err := db.db.Exec(`
		UPDATE conversion_points SET is_active = ? WHERE project_id = ? AND id = ?
	`, boolToInt(active), projectID, pointID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrConversionPointNotFound
	}
	return nil
}

// ─── Referral Operations ────────────────────────────────────────────────────

// InsertReferral registers an affiliate in a project.
func (db *DB) InsertReferral(r domain.Referral) error {
	_, err := db.db.Exec(`
		INSERT INTO referrals (id, project_id, affiliate_wallet) VALUES (?, ?, ?)
	`, r.ID, r.ProjectID, r.AffiliateWallet)
	return err
}

// GetReferral loads a referral record.
func (db *DB) GetReferral(id string) (domain.Referral, error) {
	var (
		r              domain.Referral
		createdAt      string
		lastConversion sql.NullString
	)
	err := db.db.QueryRow(`
		SELECT id, project_id, affiliate_wallet, conversions, earnings, created_at, last_conversion_at
		FROM referrals WHERE id = ?
	`, id).Scan(&r.ID, &r.ProjectID, &r.AffiliateWallet, &r.Conversions, &r.Earnings, &createdAt, &lastConversion)
	if err == sql.ErrNoRows {
		return domain.Referral{}, domain.ErrReferralNotFound
	}
	if err != nil {
		return domain.Referral{}, err
	}
	r.CreatedAt = parseTime(createdAt)
	if lastConversion.Valid {
		r.LastConversionAt = parseTime(lastConversion.String)
	}
	return r, nil
}

// ─── API Key Operations ─────────────────────────────────────────────────────

// GetAPIKey resolves an API key to its record.
func (db *DB) GetAPIKey(key string) (domain.APIKey, error) {
	var (
		k        domain.APIKey
		lastUsed sql.NullString
		created  string
	)
	err := db.db.QueryRow(`
		SELECT key, project_id, usage_count, last_used_at, created_at
		FROM api_keys WHERE key = ?
	`, key).Scan(&k.Key, &k.ProjectID, &k.UsageCount, &lastUsed, &created)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, domain.ErrInvalidAPIKey
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	if lastUsed.Valid {
		k.LastUsedAt = parseTime(lastUsed.String)
	}
	k.CreatedAt = parseTime(created)
	return k, nil
}

// RecordAPIKeyUse bumps the key's usage counter and last-used timestamp.
func (db *DB) RecordAPIKeyUse(key string, now time.Time) error {
	_, err := db.db.Exec(`
		UPDATE api_keys SET usage_count = usage_count + 1, last_used_at = ? WHERE key = ?
	`, formatTime(now), key)
	return err
}

// AllowRequest enforces a fixed-window rate limit for an API key. The window
// containing now is identified by its start second; the first limit requests
// in a window pass, the rest are rejected. Counter updates are not atomic
// against concurrent requests — a soft limit, matching the store's role as a
// shared counter rather than a lock.
func (db *DB) AllowRequest(key string, now time.Time, window time.Duration, limit int) (bool, error) {
	if window <= 0 {
		window = time.Minute
	}
	// Window arithmetic in nanoseconds so sub-second windows stay valid.
	windowStart := now.UnixNano() - now.UnixNano()%int64(window)

	var count int
	err := db.db.QueryRow(`
		SELECT count FROM rate_limits WHERE api_key = ? AND window_start = ?
	`, key, windowStart).Scan(&count)
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}
	if count >= limit {
		return false, nil
	}

	_, err = db.db.Exec(`
		INSERT INTO rate_limits (api_key, window_start, count) VALUES (?, ?, 1)
		ON CONFLICT(api_key, window_start) DO UPDATE SET count = count + 1
	`, key, windowStart)
	if err != nil {
		return false, err
	}

	// Expired windows are dead weight; sweep them opportunistically.
	db.db.Exec(`DELETE FROM rate_limits WHERE window_start < ?`, windowStart-int64(window))
	return true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
