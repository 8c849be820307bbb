package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"insurewatch/internal/domain"
)

const checkColumns = `id,tenant_id,asset_id,score,status,findings_json,checked_at,next_check_at,checked_by,is_automatic,duration_ms,COALESCE(error,'')`

func scanCheck(row rowScanner) (domain.Check, error) {
	var (
		c                 domain.Check
		status, findings  string
		checkedAt, nextAt string
		automatic         int
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.AssetID, &c.Score, &status, &findings, &checkedAt, &nextAt, &c.CheckedBy, &automatic, &c.DurationMS, &c.Error)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Status = domain.ComplianceStatus(status)
	c.IsAutomatic = automatic == 1
	if err := json.Unmarshal([]byte(findings), &c.Findings); err != nil {
		return c, fmt.Errorf("check %s findings: %w", c.ID, err)
	}
	if c.CheckedAt, err = ParseTime(checkedAt); err != nil {
		return c, err
	}
	c.NextCheckAt, err = ParseTime(nextAt)
	return c, err
}

// InsertCheck writes an immutable check row; findings are serialized here and nowhere else.
func (r Repo) InsertCheck(ctx context.Context, tx *sql.Tx, c domain.Check) error {
	findings := c.Findings
	if findings == nil {
		findings = []domain.Finding{}
	}
	payload, err := json.Marshal(findings)
	if err != nil {
		return fmt.Errorf("marshal findings: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO checks(id,tenant_id,asset_id,score,status,findings_json,checked_at,next_check_at,checked_by,is_automatic,duration_ms,error)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.TenantID, c.AssetID, c.Score, string(c.Status), string(payload), FormatTime(c.CheckedAt), FormatTime(c.NextCheckAt),
		c.CheckedBy, boolInt(c.IsAutomatic), c.DurationMS, nullable(c.Error))
	return err
}

func (r Repo) LatestCheck(ctx context.Context, tenantID, assetID string) (domain.Check, error) {
	return r.LatestCheckIn(ctx, r.DB, tenantID, assetID)
}

// LatestCheckIn reads the newest check through q, which may be an open transaction.
func (r Repo) LatestCheckIn(ctx context.Context, q DBTX, tenantID, assetID string) (domain.Check, error) {
	return scanCheck(q.QueryRowContext(ctx, `SELECT `+checkColumns+` FROM checks WHERE tenant_id=? AND asset_id=?
ORDER BY checked_at DESC, rowid DESC LIMIT 1`, tenantID, assetID))
}

// ListChecks returns checks for an asset at or after since, newest first.
func (r Repo) ListChecks(ctx context.Context, tenantID, assetID string, since time.Time) ([]domain.Check, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+checkColumns+` FROM checks WHERE tenant_id=? AND asset_id=? AND checked_at>=?
ORDER BY checked_at DESC, rowid DESC`, tenantID, assetID, FormatTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Check
	for rows.Next() {
		c, err := scanCheck(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
