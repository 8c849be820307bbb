package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"insurewatch/internal/domain"
)

// InsertSnapshot appends a dashboard snapshot. Snapshots are never updated.
func (r Repo) InsertSnapshot(ctx context.Context, s domain.Snapshot) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO dashboard_snapshots(id,tenant_id,generated_at,total_assets,compliance_rate,payload_json) VALUES (?,?,?,?,?,?)`,
		s.ID, s.TenantID, FormatTime(s.GeneratedAt), s.TotalAssets, s.OverallComplianceRate, string(payload))
	return err
}

// LatestSnapshot returns the most recently generated snapshot for the tenant.
func (r Repo) LatestSnapshot(ctx context.Context, tenantID string) (domain.Snapshot, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT payload_json FROM dashboard_snapshots WHERE tenant_id=?
ORDER BY generated_at DESC, rowid DESC LIMIT 1`, tenantID).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return domain.Snapshot{}, err
	}
	var s domain.Snapshot
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}
