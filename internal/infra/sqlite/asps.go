// ASP (external affiliate network) configuration and reported conversions.
package sqlite

import (
	"database/sql"

	"github.com/qube-labs/qube/internal/domain"
)

// ─── ASP Configuration ──────────────────────────────────────────────────────

// InsertASP stores a partner network with its per-environment postback URLs
// and parameter mappings, atomically.
func (db *DB) InsertASP(a domain.ASP) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO asps (id, name) VALUES (?, ?)`, a.ID, a.Name); err != nil {
		return err
	}
	for env, url := range a.PostbackURLs {
		if _, err := tx.Exec(`
			INSERT INTO asp_postback_urls (asp_id, env, url) VALUES (?, ?, ?)
		`, a.ID, env, url); err != nil {
			return err
		}
	}
	for _, m := range a.Mappings {
		if _, err := tx.Exec(`
			INSERT INTO asp_param_mappings (asp_id, external_name, internal_name, default_value)
			VALUES (?, ?, ?, ?)
		`, a.ID, m.External, m.Internal, m.Default); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetASP loads a partner network and its postback configuration.
func (db *DB) GetASP(id string) (domain.ASP, error) {
	var (
		a       domain.ASP
		created string
	)
	err := db.db.QueryRow(`SELECT id, name, created_at FROM asps WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &created)
	if err == sql.ErrNoRows {
		return domain.ASP{}, domain.ErrASPNotFound
	}
	if err != nil {
		return domain.ASP{}, err
	}
	a.CreatedAt = parseTime(created)

	a.PostbackURLs = make(map[string]string)
	rows, err := db.db.Query(`SELECT env, url FROM asp_postback_urls WHERE asp_id = ?`, id)
	if err != nil {
		return domain.ASP{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var env, url string
		if err := rows.Scan(&env, &url); err != nil {
			return domain.ASP{}, err
		}
		a.PostbackURLs[env] = url
	}
	if err := rows.Err(); err != nil {
		return domain.ASP{}, err
	}

	mrows, err := db.db.Query(`
		SELECT external_name, internal_name, default_value
		FROM asp_param_mappings WHERE asp_id = ? ORDER BY external_name
	`, id)
	if err != nil {
		return domain.ASP{}, err
	}
	defer mrows.Close()
	for mrows.Next() {
		var m domain.ParamMapping
		if err := mrows.Scan(&m.External, &m.Internal, &m.Default); err != nil {
			return domain.ASP{}, err
		}
		a.Mappings = append(a.Mappings, m)
	}
	return a, mrows.Err()
}

// ─── Reported ASP Conversions ───────────────────────────────────────────────

// InsertASPConversion records a conversion event reported by a partner
// network through the postback receiver.
func (db *DB) InsertASPConversion(c domain.ASPConversion) (int64, error) {
	res, err := db.db.Exec(`
		INSERT INTO asp_conversions
			(asp_id, campaign_id, click_id, conversion_id, source, event_name,
			 event_value, currency, affiliate_id, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ASPID, c.CampaignID, c.ClickID, c.ConversionID, c.Source, c.EventName,
		c.EventValue, c.Currency, c.AffiliateID, formatTime(c.OccurredAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CountASPConversions returns how many conversions a partner campaign has
// reported.
func (db *DB) CountASPConversions(campaignID string) (int64, error) {
	var n int64
	err := db.db.QueryRow(`
		SELECT COUNT(*) FROM asp_conversions WHERE campaign_id = ?
	`, campaignID).Scan(&n)
	return n, err
}
