package engine

import (
	"context"
	"fmt"

	"insurewatch/internal/domain"
)

// Statistics is a live, unstored count of the tenant's compliance picture.
type Statistics struct {
	TotalAssets    int                `json:"total_assets"`
	ByStatus       domain.StatusCount `json:"by_status"`
	ComplianceRate float64            `json:"compliance_rate"`
	OpenAlerts     int                `json:"open_alerts"`
}

// Statistics counts assets by current status straight from the store, bypassing snapshots.
func (e Engine) Statistics(ctx context.Context, tenantID string) (Statistics, error) {
	assets, err := e.Assets.GetAllAssets(ctx, tenantID)
	if err != nil {
		return Statistics{}, fmt.Errorf("load assets: %w", err)
	}
	st := Statistics{TotalAssets: len(assets)}
	checked, sum := 0, 0
	for _, a := range assets {
		st.ByStatus.Add(currentStatus(a))
		if a.ComplianceScore != nil {
			checked++
			sum += *a.ComplianceScore
		}
	}
	st.ComplianceRate = ComplianceRate(sum, checked)
	if st.OpenAlerts, err = e.OpenAlertCount(ctx, tenantID); err != nil {
		return Statistics{}, fmt.Errorf("count open alerts: %w", err)
	}
	return st, nil
}

// NonCompliantAssets lists Non-Compliant assets, restricted to those with an open alert
// of at least minSeverity when minSeverity is positive.
func (e Engine) NonCompliantAssets(ctx context.Context, tenantID string, minSeverity int) ([]domain.Asset, error) {
	if minSeverity < 0 || minSeverity > 5 {
		return nil, invalid("min_severity", "must be between 0 and 5")
	}
	return e.Repo.NonCompliantAssets(ctx, tenantID, minSeverity)
}

// TenantAssets lists the tenant's assets, excluding deleted ones.
func (e Engine) TenantAssets(ctx context.Context, tenantID string) ([]domain.Asset, error) {
	return e.Assets.GetAllAssets(ctx, tenantID)
}
