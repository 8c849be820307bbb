package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"insurewatch/internal/domain"
)

const assetColumns = `id,tenant_id,asset_tag,COALESCE(asset_type,''),COALESCE(make,''),COALESCE(model,''),COALESCE(year,0),
COALESCE(serial_number,''),COALESCE(vin,''),status,insured_value,purchase_date,last_inspection_date,compliance_status,compliance_score,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (domain.Asset, error) {
	var (
		a                   domain.Asset
		insured             sql.NullFloat64
		purchase, inspected sql.NullString
		status, createdAt   string
		score               sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.AssetTag, &a.AssetType, &a.Make, &a.Model, &a.Year,
		&a.SerialNumber, &a.VIN, &a.Status, &insured, &purchase, &inspected, &status, &score, &createdAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.ComplianceStatus = domain.ComplianceStatus(status)
	if insured.Valid {
		v := insured.Float64
		a.InsuredValue = &v
	}
	if score.Valid {
		v := int(score.Int64)
		a.ComplianceScore = &v
	}
	if a.PurchaseDate, err = scanNullTime(purchase); err != nil {
		return a, err
	}
	if a.LastInspectionDate, err = scanNullTime(inspected); err != nil {
		return a, err
	}
	a.CreatedAt, err = ParseTime(createdAt)
	return a, err
}

// GetAsset returns the asset scoped to tenant. Deleted assets are reported as not found.
func (r Repo) GetAsset(ctx context.Context, tenantID, assetID string) (domain.Asset, error) {
	a, err := scanAsset(r.DB.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id=? AND tenant_id=?`, assetID, tenantID))
	if err != nil {
		return a, err
	}
	if strings.EqualFold(a.Status, domain.AssetStatusDeleted) {
		return domain.Asset{}, ErrNotFound
	}
	return a, nil
}

// GetAllAssets lists the tenant's non-deleted assets ordered by tag.
func (r Repo) GetAllAssets(ctx context.Context, tenantID string) ([]domain.Asset, error) {
	return r.queryAssets(ctx, `SELECT `+assetColumns+` FROM assets WHERE tenant_id=? AND status<>? ORDER BY asset_tag, id`, tenantID, domain.AssetStatusDeleted)
}

// DueAssets returns assets, across all tenants, with no check at or after cutoff
// whose next-check date is still ahead of now.
func (r Repo) DueAssets(ctx context.Context, cutoff, now time.Time) ([]domain.Asset, error) {
	return r.queryAssets(ctx, `SELECT `+assetColumns+` FROM assets a WHERE status<>? AND NOT EXISTS (
  SELECT 1 FROM checks c WHERE c.asset_id=a.id AND c.checked_at>=? AND c.next_check_at>?
) ORDER BY tenant_id, asset_tag, id`, domain.AssetStatusDeleted, FormatTime(cutoff), FormatTime(now))
}

// NonCompliantAssets lists the tenant's Non-Compliant assets. With minSeverity above
// zero only assets holding an open alert at or above that severity are returned.
func (r Repo) NonCompliantAssets(ctx context.Context, tenantID string, minSeverity int) ([]domain.Asset, error) {
	return r.queryAssets(ctx, `SELECT `+assetColumns+` FROM assets a WHERE tenant_id=? AND status<>? AND compliance_status=?
AND (? <= 0 OR EXISTS (
  SELECT 1 FROM alerts al WHERE al.tenant_id=a.tenant_id AND al.asset_id=a.id AND al.status IN `+openStatuses+` AND al.severity>=?
)) ORDER BY asset_tag, id`, tenantID, domain.AssetStatusDeleted, string(domain.StatusNonCompliant), minSeverity, minSeverity)
}

// Tenants lists every tenant that owns at least one asset or rule.
func (r Repo) Tenants(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tenant_id FROM assets UNION SELECT tenant_id FROM rules ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) queryAssets(ctx context.Context, query string, args ...any) ([]domain.Asset, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// GetActivePoliciesForAsset returns policies with Active status whose end date has not passed.
func (r Repo) GetActivePoliciesForAsset(ctx context.Context, tenantID, assetID string, now time.Time) ([]domain.Policy, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tenant_id,asset_id,policy_number,COALESCE(policy_type,''),status,COALESCE(payment_status,''),start_date,end_date
FROM policies WHERE tenant_id=? AND asset_id=? AND status=? AND end_date>=? ORDER BY end_date, policy_number`,
		tenantID, assetID, domain.PolicyStatusActive, FormatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Policy
	for rows.Next() {
		var (
			p          domain.Policy
			start, end string
		)
		if err := rows.Scan(&p.ID, &p.TenantID, &p.AssetID, &p.PolicyNumber, &p.PolicyType, &p.Status, &p.PaymentStatus, &start, &end); err != nil {
			return nil, err
		}
		if p.StartDate, err = ParseTime(start); err != nil {
			return nil, err
		}
		if p.EndDate, err = ParseTime(end); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateComplianceSummary writes the cached status and score back onto the asset row.
func (r Repo) UpdateComplianceSummary(ctx context.Context, tenantID, assetID string, status domain.ComplianceStatus, score int) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE assets SET compliance_status=?, compliance_score=? WHERE id=? AND tenant_id=?`,
		string(status), score, assetID, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertAsset inserts or replaces the descriptive fields of an asset. Compliance fields are left untouched on update.
func (r Repo) UpsertAsset(ctx context.Context, a domain.Asset) error {
	status := a.Status
	if status == "" {
		status = "Active"
	}
	compliance := a.ComplianceStatus
	if compliance == "" {
		compliance = domain.StatusPending
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO assets(id,tenant_id,asset_tag,asset_type,make,model,year,serial_number,vin,status,insured_value,purchase_date,last_inspection_date,compliance_status,compliance_score,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET asset_tag=excluded.asset_tag, asset_type=excluded.asset_type, make=excluded.make, model=excluded.model,
  year=excluded.year, serial_number=excluded.serial_number, vin=excluded.vin, status=excluded.status, insured_value=excluded.insured_value,
  purchase_date=excluded.purchase_date, last_inspection_date=excluded.last_inspection_date`,
		a.ID, a.TenantID, a.AssetTag, nullable(a.AssetType), nullable(a.Make), nullable(a.Model), a.Year, nullable(a.SerialNumber), nullable(a.VIN),
		status, nullableFloat(a.InsuredValue), nullableTime(a.PurchaseDate), nullableTime(a.LastInspectionDate), string(compliance),
		nullableInt(a.ComplianceScore), FormatTime(a.CreatedAt))
	return err
}

func (r Repo) UpsertPolicy(ctx context.Context, p domain.Policy) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO policies(id,tenant_id,asset_id,policy_number,policy_type,status,payment_status,start_date,end_date)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET policy_number=excluded.policy_number, policy_type=excluded.policy_type, status=excluded.status,
  payment_status=excluded.payment_status, start_date=excluded.start_date, end_date=excluded.end_date`,
		p.ID, p.TenantID, p.AssetID, p.PolicyNumber, nullable(p.PolicyType), p.Status, nullable(p.PaymentStatus),
		FormatTime(p.StartDate), FormatTime(p.EndDate))
	return err
}
