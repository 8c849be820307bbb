package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"insurewatch/internal/domain"
)

const alertColumns = `id,tenant_id,asset_id,rule_id,check_id,parent_alert_id,type,title,description,severity,status,requires_action,due_date,
created_at,updated_at,acknowledged_at,COALESCE(acknowledged_by,''),resolved_at,COALESCE(resolved_by,''),COALESCE(resolution_notes,'')`

// openStatuses is the SQL list of non-terminal alert states.
const openStatuses = `('New','Acknowledged')`

func scanAlert(row rowScanner) (domain.Alert, error) {
	var (
		a                    domain.Alert
		parent               sql.NullString
		typ, status          string
		requires             int
		due, acked, resolved sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.AssetID, &a.RuleID, &a.CheckID, &parent, &typ, &a.Title, &a.Description, &a.Severity,
		&status, &requires, &due, &createdAt, &updatedAt, &acked, &a.AcknowledgedBy, &resolved, &a.ResolvedBy, &a.ResolutionNotes)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Type = domain.RuleType(typ)
	a.Status = domain.AlertStatus(status)
	a.RequiresAction = requires == 1
	if parent.Valid {
		v := parent.String
		a.ParentAlertID = &v
	}
	if a.DueDate, err = scanNullTime(due); err != nil {
		return a, err
	}
	if a.AcknowledgedAt, err = scanNullTime(acked); err != nil {
		return a, err
	}
	if a.ResolvedAt, err = scanNullTime(resolved); err != nil {
		return a, err
	}
	if a.CreatedAt, err = ParseTime(createdAt); err != nil {
		return a, err
	}
	a.UpdatedAt, err = ParseTime(updatedAt)
	return a, err
}

func queryAlerts(ctx context.Context, q DBTX, query string, args ...any) ([]domain.Alert, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertAlert(ctx context.Context, tx *sql.Tx, a domain.Alert) error {
	var parent any
	if a.ParentAlertID != nil {
		parent = *a.ParentAlertID
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO alerts(id,tenant_id,asset_id,rule_id,check_id,parent_alert_id,type,title,description,severity,status,requires_action,due_date,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.TenantID, a.AssetID, a.RuleID, a.CheckID, parent, string(a.Type), a.Title, a.Description, a.Severity,
		string(a.Status), boolInt(a.RequiresAction), nullableTime(a.DueDate), FormatTime(a.CreatedAt), FormatTime(a.UpdatedAt))
	return err
}

// RefreshAlert points an open alert at the latest check that still reports the violation.
func (r Repo) RefreshAlert(ctx context.Context, tx *sql.Tx, id, checkID, description string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE alerts SET check_id=?, description=?, updated_at=? WHERE id=? AND status IN `+openStatuses,
		checkID, description, FormatTime(at), id)
	return err
}

func (r Repo) GetAlert(ctx context.Context, tenantID, id string) (domain.Alert, error) {
	return scanAlert(r.DB.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id=? AND tenant_id=?`, id, tenantID))
}

// OpenAlertsForAsset returns the asset's open alerts, newest first.
func (r Repo) OpenAlertsForAsset(ctx context.Context, q DBTX, tenantID, assetID string) ([]domain.Alert, error) {
	return queryAlerts(ctx, q, `SELECT `+alertColumns+` FROM alerts WHERE tenant_id=? AND asset_id=? AND status IN `+openStatuses+`
ORDER BY created_at DESC, rowid DESC`, tenantID, assetID)
}

type AlertFilter struct {
	AssetID  string
	Status   domain.AlertStatus
	OpenOnly bool
	Limit    int
}

func (r Repo) ListAlerts(ctx context.Context, tenantID string, f AlertFilter) ([]domain.Alert, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{tenantID}
	if f.AssetID != "" {
		clauses = append(clauses, "asset_id=?")
		args = append(args, f.AssetID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.OpenOnly {
		clauses = append(clauses, "status IN "+openStatuses)
	}
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY severity DESC, created_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return queryAlerts(ctx, r.DB, query, args...)
}

// AcknowledgeAlert moves New to Acknowledged. It reports false when the alert was not in New.
func (r Repo) AcknowledgeAlert(ctx context.Context, tenantID, id, actor string, at time.Time) (bool, error) {
	ts := FormatTime(at)
	res, err := r.DB.ExecContext(ctx, `UPDATE alerts SET status='Acknowledged', acknowledged_at=?, acknowledged_by=?, updated_at=?
WHERE id=? AND tenant_id=? AND status='New' AND acknowledged_at IS NULL`, ts, actor, ts, id, tenantID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CloseAlert moves an open alert into a terminal status. It reports false when the alert was already terminal.
func (r Repo) CloseAlert(ctx context.Context, q DBTX, tenantID, id string, to domain.AlertStatus, actor, notes string, at time.Time) (bool, error) {
	ts := FormatTime(at)
	res, err := q.ExecContext(ctx, `UPDATE alerts SET status=?, resolved_at=?, resolved_by=?, resolution_notes=?, updated_at=?
WHERE id=? AND tenant_id=? AND status IN `+openStatuses+` AND resolved_at IS NULL`,
		string(to), ts, actor, nullable(notes), ts, id, tenantID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RetireStaleAlerts resolves every open alert created before cutoff, across tenants.
func (r Repo) RetireStaleAlerts(ctx context.Context, cutoff, at time.Time, actor, notes string) (int, error) {
	ts := FormatTime(at)
	res, err := r.DB.ExecContext(ctx, `UPDATE alerts SET status='Resolved', resolved_at=?, resolved_by=?, resolution_notes=?, updated_at=?
WHERE status IN `+openStatuses+` AND resolved_at IS NULL AND created_at < ?`, ts, actor, notes, ts, FormatTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// AlertStats holds the open-alert aggregates used by dashboard snapshots.
type AlertStats struct {
	Open       int
	Overdue    int
	BySeverity map[int]int
}

func (r Repo) OpenAlertStats(ctx context.Context, tenantID string, now time.Time) (AlertStats, error) {
	stats := AlertStats{BySeverity: map[int]int{}}
	rows, err := r.DB.QueryContext(ctx, `SELECT severity, COUNT(*), SUM(CASE WHEN due_date IS NOT NULL AND due_date < ? THEN 1 ELSE 0 END)
FROM alerts WHERE tenant_id=? AND status IN `+openStatuses+` GROUP BY severity`, FormatTime(now), tenantID)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var sev, count, overdue int
		if err := rows.Scan(&sev, &count, &overdue); err != nil {
			return stats, err
		}
		stats.BySeverity[sev] = count
		stats.Open += count
		stats.Overdue += overdue
	}
	return stats, rows.Err()
}

// TopIssues groups open alerts by title, ranked by highest severity then frequency.
func (r Repo) TopIssues(ctx context.Context, tenantID string, limit int) ([]domain.TopIssue, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT title, COUNT(*) AS n, MAX(severity) AS sev FROM alerts
WHERE tenant_id=? AND status IN `+openStatuses+` GROUP BY title ORDER BY sev DESC, n DESC, title ASC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TopIssue
	for rows.Next() {
		var t domain.TopIssue
		if err := rows.Scan(&t.Title, &t.Count, &t.Severity); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
