package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"insurewatch/internal/domain"
	"insurewatch/internal/logging"
)

const (
	TrendDays     = 30
	TopIssueLimit = 5
)

// Refresh computes and stores a new snapshot for the tenant.
func (e Engine) Refresh(ctx context.Context, tenantID string) (domain.Snapshot, error) {
	now := e.now()
	assets, err := e.Assets.GetAllAssets(ctx, tenantID)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("load assets: %w", err)
	}
	s := domain.Snapshot{
		ID:                 uuid.NewString(),
		TenantID:           tenantID,
		GeneratedAt:        now,
		TotalAssets:        len(assets),
		BySeverity:         map[int]int{1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		AssetTypeBreakdown: map[string]int{},
		TopIssues:          []domain.TopIssue{},
	}
	checked, sum := 0, 0
	for _, a := range assets {
		s.ByStatus.Add(currentStatus(a))
		if a.ComplianceScore != nil {
			checked++
			sum += *a.ComplianceScore
		}
		typ := a.AssetType
		if typ == "" {
			typ = "Unspecified"
		}
		s.AssetTypeBreakdown[typ]++
	}
	s.OverallComplianceRate = ComplianceRate(sum, checked)

	stats, err := e.Repo.OpenAlertStats(ctx, tenantID, now)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("alert stats: %w", err)
	}
	s.ActiveAlerts = stats.Open
	s.OverdueActions = stats.Overdue
	for sev, n := range stats.BySeverity {
		s.BySeverity[sev] = n
	}
	issues, err := e.Repo.TopIssues(ctx, tenantID, TopIssueLimit)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("top issues: %w", err)
	}
	if issues != nil {
		s.TopIssues = issues
	}
	entries, err := e.History.ForTenant(ctx, tenantID, now)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("load history: %w", err)
	}
	s.Trend = Trend(assets, entries, now, TrendDays)

	if err := e.Repo.InsertSnapshot(ctx, s); err != nil {
		return domain.Snapshot{}, fmt.Errorf("insert snapshot: %w", err)
	}
	e.Metrics.SnapshotWritten()
	if e.Cache != nil {
		if err := e.Cache.Put(ctx, s); err != nil {
			e.log().Warn("snapshot cache write failed", logging.Tenant(tenantID), zap.Error(err))
		}
	}
	return s, nil
}

// currentStatus treats never-checked assets as Pending whatever their stored status.
func currentStatus(a domain.Asset) domain.ComplianceStatus {
	if a.ComplianceScore == nil {
		return domain.StatusPending
	}
	return a.ComplianceStatus
}

// ComplianceRate is the mean score of checked assets rounded to two decimals; 0 when none are checked.
func ComplianceRate(sum, checked int) float64 {
	if checked == 0 {
		return 0
	}
	return math.Round(float64(sum)/float64(checked)*100) / 100
}

// Trend rebuilds, for each of the trailing n UTC days ending today, how many assets held
// each status at the end of that day. Assets created after a day are not counted for it.
// Assets with no transition yet count as Pending on past days and by their stored
// summary today, so the last point agrees with the snapshot's status counts.
func Trend(assets []domain.Asset, entries []domain.HistoryEntry, now time.Time, n int) []domain.TrendPoint {
	byAsset := map[string][]domain.HistoryEntry{}
	for _, e := range entries {
		byAsset[e.AssetID] = append(byAsset[e.AssetID], e)
	}
	cursor := map[string]int{}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	points := make([]domain.TrendPoint, 0, n)
	for i := n - 1; i >= 0; i-- {
		day := today.AddDate(0, 0, -i)
		end := day.AddDate(0, 0, 1)
		p := domain.TrendPoint{Date: day.Format("2006-01-02")}
		for _, a := range assets {
			if !a.CreatedAt.IsZero() && !a.CreatedAt.Before(end) {
				continue
			}
			hist := byAsset[a.ID]
			idx := cursor[a.ID]
			for idx < len(hist) && hist[idx].ChangedAt.Before(end) {
				idx++
			}
			cursor[a.ID] = idx
			if idx == 0 {
				if i == 0 {
					p.Add(currentStatus(a))
				} else {
					p.Add(domain.StatusPending)
				}
				continue
			}
			p.Add(hist[idx-1].ToStatus)
		}
		points = append(points, p)
	}
	return points
}

// Latest returns the most recent snapshot, preferring the cache when one is configured.
func (e Engine) Latest(ctx context.Context, tenantID string) (domain.Snapshot, error) {
	if e.Cache != nil {
		s, ok, err := e.Cache.Get(ctx, tenantID)
		if err != nil {
			e.log().Warn("snapshot cache read failed", logging.Tenant(tenantID), zap.Error(err))
		} else if ok {
			return s, nil
		}
	}
	s, err := e.Repo.LatestSnapshot(ctx, tenantID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if e.Cache != nil {
		if err := e.Cache.Put(ctx, s); err != nil {
			e.log().Warn("snapshot cache write failed", logging.Tenant(tenantID), zap.Error(err))
		}
	}
	return s, nil
}

// Dashboard serves the latest snapshot while it is fresh and refreshes synchronously otherwise.
func (e Engine) Dashboard(ctx context.Context, tenantID string) (domain.Snapshot, error) {
	s, err := e.Latest(ctx, tenantID)
	switch {
	case err == nil:
		if e.now().Sub(s.GeneratedAt) <= e.Config.DashboardFreshness {
			return s, nil
		}
	case !isNotFound(err):
		return domain.Snapshot{}, err
	}
	return e.Refresh(ctx, tenantID)
}

// Tenants lists every tenant known to the store.
func (e Engine) Tenants(ctx context.Context) ([]string, error) {
	return e.Repo.Tenants(ctx)
}
