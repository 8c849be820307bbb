package history

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"insurewatch/internal/domain"
	"insurewatch/internal/repo"
)

// Recorder appends compliance transitions. Rows are never updated or deleted;
// the schema rejects both with triggers.
type Recorder struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrIncomplete = errors.New("history entry requires tenant, asset, reason and actor")

// Append inserts e inside tx and returns its sequence id.
func (r Recorder) Append(ctx context.Context, tx *sql.Tx, e domain.HistoryEntry) (int64, error) {
	if e.TenantID == "" || e.AssetID == "" || e.Reason == "" || e.TriggeredBy == "" {
		return 0, ErrIncomplete
	}
	if e.ChangedAt.IsZero() {
		now := time.Now
		if r.Now != nil {
			now = r.Now
		}
		e.ChangedAt = now()
	}
	var fromScore any
	if e.FromScore != nil {
		fromScore = *e.FromScore
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO compliance_history(tenant_id,asset_id,from_status,to_status,from_score,to_score,changed_at,reason,triggered_by,check_id,alert_id)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.TenantID, e.AssetID, string(e.FromStatus), string(e.ToStatus), fromScore, e.ToScore, repo.FormatTime(e.ChangedAt),
		e.Reason, e.TriggeredBy, nullable(e.CheckID), nullable(e.AlertID))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ForAsset returns entries for one asset changed at or after since, newest first.
func (r Recorder) ForAsset(ctx context.Context, tenantID, assetID string, since time.Time) ([]domain.HistoryEntry, error) {
	return r.query(ctx, `SELECT id,tenant_id,asset_id,from_status,to_status,from_score,to_score,changed_at,reason,triggered_by,COALESCE(check_id,''),COALESCE(alert_id,'')
FROM compliance_history WHERE tenant_id=? AND asset_id=? AND changed_at>=? ORDER BY changed_at DESC, id DESC`,
		tenantID, assetID, repo.FormatTime(since))
}

// ForTenant returns every tenant entry changed at or before until, oldest first.
func (r Recorder) ForTenant(ctx context.Context, tenantID string, until time.Time) ([]domain.HistoryEntry, error) {
	return r.query(ctx, `SELECT id,tenant_id,asset_id,from_status,to_status,from_score,to_score,changed_at,reason,triggered_by,COALESCE(check_id,''),COALESCE(alert_id,'')
FROM compliance_history WHERE tenant_id=? AND changed_at<=? ORDER BY changed_at ASC, id ASC`,
		tenantID, repo.FormatTime(until))
}

func (r Recorder) query(ctx context.Context, query string, args ...any) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var (
			e         domain.HistoryEntry
			from, to  string
			fromScore sql.NullInt64
			changedAt string
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.AssetID, &from, &to, &fromScore, &e.ToScore, &changedAt, &e.Reason, &e.TriggeredBy, &e.CheckID, &e.AlertID); err != nil {
			return nil, err
		}
		e.FromStatus = domain.ComplianceStatus(from)
		e.ToStatus = domain.ComplianceStatus(to)
		if fromScore.Valid {
			v := int(fromScore.Int64)
			e.FromScore = &v
		}
		if e.ChangedAt, err = repo.ParseTime(changedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
