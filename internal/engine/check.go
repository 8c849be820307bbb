package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"insurewatch/internal/domain"
	"insurewatch/internal/logging"
)

// CheckAsset evaluates one asset and persists the outcome. The check row, any history
// entry and the alert changes commit together; the asset summary write-back follows the
// commit. Runs for the same asset are serialized. Notifications for raised alerts are
// dispatched after the asset is released and never delay the caller.
func (e Engine) CheckAsset(ctx context.Context, tenantID, assetID, actor string) (domain.Check, error) {
	if actor == "" {
		actor = SystemActor
	}
	check, asset, raised, err := e.checkLocked(ctx, tenantID, assetID, actor)
	e.notifyRaised(ctx, asset, raised)
	return check, err
}

func (e Engine) checkLocked(ctx context.Context, tenantID, assetID, actor string) (domain.Check, domain.Asset, []domain.Alert, error) {
	unlock := e.lockAsset(assetID)
	defer unlock()

	started := time.Now()
	now := e.now()
	asset, err := e.Assets.GetAsset(ctx, tenantID, assetID)
	if err != nil {
		return domain.Check{}, asset, nil, fmt.Errorf("load asset %s: %w", assetID, err)
	}
	policies, err := e.Assets.GetActivePoliciesForAsset(ctx, tenantID, assetID, now)
	if err != nil {
		return domain.Check{}, asset, nil, fmt.Errorf("load policies for %s: %w", assetID, err)
	}
	rules, err := e.ActiveRules(ctx, tenantID, now)
	if err != nil {
		return domain.Check{}, asset, nil, fmt.Errorf("load rules: %w", err)
	}
	result, err := e.evaluator().Evaluate(ctx, asset, policies, rules, now)
	if err != nil {
		return domain.Check{}, asset, nil, err
	}

	check := domain.Check{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		AssetID:     assetID,
		Score:       result.Score,
		Status:      result.Status,
		Findings:    result.Findings,
		CheckedAt:   now,
		NextCheckAt: now.Add(e.Config.NextCheckAfter),
		CheckedBy:   actor,
		IsAutomatic: actor == SystemActor,
		DurationMS:  time.Since(started).Milliseconds(),
	}

	var raised []domain.Alert
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		// History follows consecutive checks, not the asset summary, which is
		// written outside this transaction and may lag behind.
		from := domain.StatusPending
		var fromScore *int
		prev, err := e.Repo.LatestCheckIn(ctx, tx, tenantID, assetID)
		switch {
		case err == nil:
			from, fromScore = prev.Status, &prev.Score
		case !isNotFound(err):
			return fmt.Errorf("load previous check: %w", err)
		}
		if err := e.Repo.InsertCheck(ctx, tx, check); err != nil {
			return fmt.Errorf("insert check: %w", err)
		}
		if fromScore == nil || *fromScore != result.Score || from != result.Status {
			reason := "Manual compliance check"
			if check.IsAutomatic {
				reason = "Automatic compliance check"
			}
			if _, err := e.History.Append(ctx, tx, domain.HistoryEntry{
				TenantID:    tenantID,
				AssetID:     assetID,
				FromStatus:  from,
				ToStatus:    result.Status,
				FromScore:   fromScore,
				ToScore:     result.Score,
				ChangedAt:   now,
				Reason:      reason,
				TriggeredBy: actor,
				CheckID:     check.ID,
			}); err != nil {
				return fmt.Errorf("append history: %w", err)
			}
		}
		raised, err = e.syncAlerts(ctx, tx, check, now)
		return err
	})
	if err != nil {
		return domain.Check{}, asset, nil, err
	}
	e.Metrics.CheckCompleted(string(check.Status), time.Since(started))

	// A summary left stale by an earlier failed write is repaired here.
	if asset.ComplianceScore == nil || *asset.ComplianceScore != result.Score || asset.ComplianceStatus != result.Status {
		if err := e.Assets.UpdateComplianceSummary(ctx, tenantID, assetID, result.Status, result.Score); err != nil {
			return check, asset, raised, fmt.Errorf("update compliance summary: %w", err)
		}
	}
	e.log().Debug("asset checked", logging.Tenant(tenantID), logging.Asset(assetID),
		zap.Int("score", check.Score), zap.String("status", string(check.Status)), zap.Int("alerts_raised", len(raised)))
	return check, asset, raised, nil
}

func (e Engine) LatestCheck(ctx context.Context, tenantID, assetID string) (domain.Check, error) {
	return e.Repo.LatestCheck(ctx, tenantID, assetID)
}

// CheckHistory lists checks for an asset over the trailing window, newest first.
func (e Engine) CheckHistory(ctx context.Context, tenantID, assetID string, windowDays int) ([]domain.Check, error) {
	return e.Repo.ListChecks(ctx, tenantID, assetID, e.now().Add(-days(windowDays)))
}

// AssetHistory lists compliance transitions for an asset over the trailing window, newest first.
func (e Engine) AssetHistory(ctx context.Context, tenantID, assetID string, windowDays int) ([]domain.HistoryEntry, error) {
	return e.History.ForAsset(ctx, tenantID, assetID, e.now().Add(-days(windowDays)))
}

// AssetStatus is the current compliance picture of one asset.
type AssetStatus struct {
	Asset      domain.Asset   `json:"asset"`
	LastCheck  *domain.Check  `json:"last_check,omitempty"`
	OpenAlerts []domain.Alert `json:"open_alerts"`
}

func (e Engine) AssetStatus(ctx context.Context, tenantID, assetID string) (AssetStatus, error) {
	asset, err := e.Assets.GetAsset(ctx, tenantID, assetID)
	if err != nil {
		return AssetStatus{}, err
	}
	st := AssetStatus{Asset: asset, OpenAlerts: []domain.Alert{}}
	last, err := e.Repo.LatestCheck(ctx, tenantID, assetID)
	switch {
	case err == nil:
		st.LastCheck = &last
	case !isNotFound(err):
		return AssetStatus{}, err
	}
	alerts, err := e.Repo.OpenAlertsForAsset(ctx, e.DB, tenantID, assetID)
	if err != nil {
		return AssetStatus{}, err
	}
	if alerts != nil {
		st.OpenAlerts = alerts
	}
	return st, nil
}

// DueAssets lists assets across tenants whose last check is older than the recheck
// window or whose next-check date has passed.
func (e Engine) DueAssets(ctx context.Context) ([]domain.Asset, error) {
	now := e.now()
	return e.Repo.DueAssets(ctx, now.Add(-e.Config.RecheckAfter), now)
}
