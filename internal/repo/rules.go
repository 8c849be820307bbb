package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"insurewatch/internal/domain"
)

const ruleColumns = `id,tenant_id,code,name,COALESCE(description,''),type,severity,priority,is_active,effective_from,effective_to,
min_value,max_value,days_to_expiry,asset_types_json,policy_types_json,COALESCE(expression,''),created_at,created_by,updated_at,COALESCE(updated_by,'')`

func scanRule(row rowScanner) (domain.Rule, error) {
	var (
		rule                  domain.Rule
		typ                   string
		active                int
		from, to              sql.NullString
		minV, maxV            sql.NullFloat64
		days                  sql.NullInt64
		assetJSON, policyJSON sql.NullString
		createdAt, updatedAt  string
	)
	err := row.Scan(&rule.ID, &rule.TenantID, &rule.Code, &rule.Name, &rule.Description, &typ, &rule.Severity, &rule.Priority,
		&active, &from, &to, &minV, &maxV, &days, &assetJSON, &policyJSON, &rule.Expression,
		&createdAt, &rule.CreatedBy, &updatedAt, &rule.UpdatedBy)
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	if err != nil {
		return rule, err
	}
	rule.Type = domain.RuleType(typ)
	rule.IsActive = active == 1
	if minV.Valid {
		v := minV.Float64
		rule.MinValue = &v
	}
	if maxV.Valid {
		v := maxV.Float64
		rule.MaxValue = &v
	}
	if days.Valid {
		v := int(days.Int64)
		rule.DaysToExpiry = &v
	}
	if rule.EffectiveFrom, err = scanNullTime(from); err != nil {
		return rule, err
	}
	if rule.EffectiveTo, err = scanNullTime(to); err != nil {
		return rule, err
	}
	if rule.AssetTypes, err = unmarshalStrings(assetJSON); err != nil {
		return rule, fmt.Errorf("rule %s asset types: %w", rule.Code, err)
	}
	if rule.PolicyTypes, err = unmarshalStrings(policyJSON); err != nil {
		return rule, fmt.Errorf("rule %s policy types: %w", rule.Code, err)
	}
	if rule.CreatedAt, err = ParseTime(createdAt); err != nil {
		return rule, err
	}
	rule.UpdatedAt, err = ParseTime(updatedAt)
	return rule, err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// InsertRule stores a new rule. A duplicate code within the tenant yields ErrConflict.
func (r Repo) InsertRule(ctx context.Context, q DBTX, rule domain.Rule) error {
	assetJSON, err := marshalStrings(rule.AssetTypes)
	if err != nil {
		return err
	}
	policyJSON, err := marshalStrings(rule.PolicyTypes)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO rules(id,tenant_id,code,name,description,type,severity,priority,is_active,effective_from,effective_to,
min_value,max_value,days_to_expiry,asset_types_json,policy_types_json,expression,created_at,created_by,updated_at,updated_by)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rule.ID, rule.TenantID, rule.Code, rule.Name, nullable(rule.Description), string(rule.Type), rule.Severity, rule.Priority,
		boolInt(rule.IsActive), nullableTime(rule.EffectiveFrom), nullableTime(rule.EffectiveTo),
		nullableFloat(rule.MinValue), nullableFloat(rule.MaxValue), nullableInt(rule.DaysToExpiry), assetJSON, policyJSON,
		nullable(rule.Expression), FormatTime(rule.CreatedAt), rule.CreatedBy, FormatTime(rule.UpdatedAt), nullable(rule.UpdatedBy))
	if isUniqueViolation(err) {
		return fmt.Errorf("rule code %q: %w", rule.Code, ErrConflict)
	}
	return err
}

// UpdateRule replaces every mutable column of an existing rule.
func (r Repo) UpdateRule(ctx context.Context, q DBTX, rule domain.Rule) error {
	assetJSON, err := marshalStrings(rule.AssetTypes)
	if err != nil {
		return err
	}
	policyJSON, err := marshalStrings(rule.PolicyTypes)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE rules SET code=?, name=?, description=?, type=?, severity=?, priority=?, is_active=?,
effective_from=?, effective_to=?, min_value=?, max_value=?, days_to_expiry=?, asset_types_json=?, policy_types_json=?, expression=?,
updated_at=?, updated_by=? WHERE id=? AND tenant_id=?`,
		rule.Code, rule.Name, nullable(rule.Description), string(rule.Type), rule.Severity, rule.Priority, boolInt(rule.IsActive),
		nullableTime(rule.EffectiveFrom), nullableTime(rule.EffectiveTo), nullableFloat(rule.MinValue), nullableFloat(rule.MaxValue),
		nullableInt(rule.DaysToExpiry), assetJSON, policyJSON, nullable(rule.Expression),
		FormatTime(rule.UpdatedAt), nullable(rule.UpdatedBy), rule.ID, rule.TenantID)
	if isUniqueViolation(err) {
		return fmt.Errorf("rule code %q: %w", rule.Code, ErrConflict)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRuleActive flips the active flag. It reports ErrNotFound for unknown ids.
func (r Repo) SetRuleActive(ctx context.Context, tenantID, id string, active bool, actor string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE rules SET is_active=?, updated_at=?, updated_by=? WHERE id=? AND tenant_id=?`,
		boolInt(active), FormatTime(at), nullable(actor), id, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRule(ctx context.Context, q DBTX, tenantID, id string) (domain.Rule, error) {
	return scanRule(q.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id=? AND tenant_id=?`, id, tenantID))
}

func (r Repo) GetRuleByCode(ctx context.Context, q DBTX, tenantID, code string) (domain.Rule, error) {
	return scanRule(q.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE code=? AND tenant_id=?`, code, tenantID))
}

// ListRules returns the tenant's rules in evaluation order: ascending priority, then code.
func (r Repo) ListRules(ctx context.Context, tenantID string, activeOnly bool) ([]domain.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE tenant_id=?`
	args := []any{tenantID}
	if activeOnly {
		query += ` AND is_active=1`
	}
	query += ` ORDER BY priority ASC, code ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

// ExpireRules deactivates rules across all tenants whose effective window closed before now.
func (r Repo) ExpireRules(ctx context.Context, now time.Time) (int, error) {
	ts := FormatTime(now)
	res, err := r.DB.ExecContext(ctx, `UPDATE rules SET is_active=0, updated_at=?, updated_by='system'
WHERE is_active=1 AND effective_to IS NOT NULL AND effective_to < ?`, ts, ts)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
