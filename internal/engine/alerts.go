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
	"insurewatch/internal/repo"
)

const (
	AutoResolveNote = "Resolved automatically: rule is compliant"
	StaleAlertNote  = "Automatically resolved due to age"
)

// AlertTitle is the title every rule violation alert carries; top issues group on it.
func AlertTitle(ruleName string) string {
	return "Compliance Violation: " + ruleName
}

func alertDescription(f domain.Finding) string {
	if f.Recommendation == "" {
		return f.Message
	}
	return f.Message + ". " + f.Recommendation
}

// syncAlerts reconciles the asset's open alerts with the check's findings inside tx.
// One open alert is kept per (asset, rule): a repeat violation refreshes it, a severity
// increase raises a child alert linked through ParentAlertID. Returns newly raised alerts.
func (e Engine) syncAlerts(ctx context.Context, tx *sql.Tx, check domain.Check, now time.Time) ([]domain.Alert, error) {
	open, err := e.Repo.OpenAlertsForAsset(ctx, tx, check.TenantID, check.AssetID)
	if err != nil {
		return nil, fmt.Errorf("load open alerts: %w", err)
	}
	byRule := map[string][]domain.Alert{}
	for _, a := range open {
		byRule[a.RuleID] = append(byRule[a.RuleID], a)
	}

	var raised []domain.Alert
	closed := 0
	for _, f := range check.Findings {
		existing := byRule[f.RuleID]
		if f.Compliant {
			if !e.Config.AutoResolve {
				continue
			}
			for _, a := range existing {
				ok, err := e.Repo.CloseAlert(ctx, tx, check.TenantID, a.ID, domain.AlertResolved, SystemActor, AutoResolveNote, now)
				if err != nil {
					return nil, fmt.Errorf("auto-resolve alert %s: %w", a.ID, err)
				}
				if ok {
					closed++
				}
			}
			continue
		}
		if len(existing) > 0 {
			newest := existing[0]
			if f.Severity <= newest.Severity {
				if err := e.Repo.RefreshAlert(ctx, tx, newest.ID, check.ID, alertDescription(f), now); err != nil {
					return nil, fmt.Errorf("refresh alert %s: %w", newest.ID, err)
				}
				continue
			}
		}
		a := e.newAlert(check, f, now)
		if len(existing) > 0 {
			parent := existing[0].ID
			a.ParentAlertID = &parent
		}
		if err := e.Repo.InsertAlert(ctx, tx, a); err != nil {
			return nil, fmt.Errorf("insert alert: %w", err)
		}
		raised = append(raised, a)
	}
	for _, a := range raised {
		e.Metrics.AlertRaised(a.Severity)
	}
	e.Metrics.AlertsClosed(string(domain.AlertResolved), closed)
	return raised, nil
}

func (e Engine) newAlert(check domain.Check, f domain.Finding, now time.Time) domain.Alert {
	a := domain.Alert{
		ID:             uuid.NewString(),
		TenantID:       check.TenantID,
		AssetID:        check.AssetID,
		RuleID:         f.RuleID,
		CheckID:        check.ID,
		Type:           f.RuleType,
		Title:          AlertTitle(f.RuleName),
		Description:    alertDescription(f),
		Severity:       f.Severity,
		Status:         domain.AlertNew,
		RequiresAction: f.Severity >= 2,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if f.Severity >= 3 {
		due := now.Add(days(e.Config.AlertDueDays))
		a.DueDate = &due
	}
	return a
}

// notifyRaised dispatches notifications for newly raised alerts at or above the
// configured severity. Delivery runs in the background on a context detached from the
// caller; failures are logged and never returned.
func (e Engine) notifyRaised(ctx context.Context, asset domain.Asset, raised []domain.Alert) {
	if e.Notifier == nil {
		return
	}
	threshold := e.Config.NotifyMinSeverity
	if threshold <= 0 {
		threshold = 3
	}
	var due []domain.Alert
	for _, a := range raised {
		if a.Severity >= threshold {
			due = append(due, a)
		}
	}
	if len(due) == 0 {
		return
	}
	timeout := e.NotifyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	send := func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		for _, a := range due {
			e.sendAlert(sctx, asset, a)
		}
	}
	if e.outbox == nil {
		send()
		return
	}
	e.outbox.Add(1)
	go func() {
		defer e.outbox.Done()
		send()
	}()
}

func (e Engine) sendAlert(ctx context.Context, asset domain.Asset, a domain.Alert) {
	subject := fmt.Sprintf("[Severity %d] %s", a.Severity, a.Title)
	body := fmt.Sprintf("Asset %s (%s): %s", asset.AssetTag, asset.ID, a.Description)
	if a.DueDate != nil {
		body += fmt.Sprintf("\nAction due by %s.", a.DueDate.Format("2006-01-02"))
	}
	if err := e.Notifier.Send(ctx, e.Recipient, subject, body); err != nil {
		e.Metrics.NotificationFailed()
		e.log().Warn("notification failed", logging.Tenant(a.TenantID), logging.Asset(a.AssetID),
			zap.String("alert_id", a.ID), zap.Error(err))
	}
}

func (e Engine) Acknowledge(ctx context.Context, tenantID, alertID, actor string) (domain.Alert, error) {
	ok, err := e.Repo.AcknowledgeAlert(ctx, tenantID, alertID, actor, e.now())
	if err != nil {
		return domain.Alert{}, err
	}
	return e.afterTransition(ctx, tenantID, alertID, ok, "acknowledge")
}

// Resolve closes an alert from New or Acknowledged.
func (e Engine) Resolve(ctx context.Context, tenantID, alertID, actor, notes string) (domain.Alert, error) {
	return e.closeAlert(ctx, tenantID, alertID, domain.AlertResolved, actor, notes)
}

// Ignore closes an alert as a deliberate non-action.
func (e Engine) Ignore(ctx context.Context, tenantID, alertID, actor, notes string) (domain.Alert, error) {
	return e.closeAlert(ctx, tenantID, alertID, domain.AlertIgnored, actor, notes)
}

func (e Engine) closeAlert(ctx context.Context, tenantID, alertID string, to domain.AlertStatus, actor, notes string) (domain.Alert, error) {
	ok, err := e.Repo.CloseAlert(ctx, e.DB, tenantID, alertID, to, actor, notes, e.now())
	if err != nil {
		return domain.Alert{}, err
	}
	if ok {
		e.Metrics.AlertsClosed(string(to), 1)
	}
	return e.afterTransition(ctx, tenantID, alertID, ok, string(to))
}

func (e Engine) afterTransition(ctx context.Context, tenantID, alertID string, applied bool, action string) (domain.Alert, error) {
	a, err := e.Repo.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		return domain.Alert{}, err
	}
	if !applied {
		return a, fmt.Errorf("%w: cannot %s alert in status %s", ErrInvalidTransition, action, a.Status)
	}
	return a, nil
}

// RetireStale resolves every open alert older than maxAgeDays, across tenants.
func (e Engine) RetireStale(ctx context.Context, maxAgeDays int) (int, error) {
	if maxAgeDays < 1 {
		return 0, invalid("max_age_days", "must be at least 1")
	}
	now := e.now()
	n, err := e.Repo.RetireStaleAlerts(ctx, now.Add(-days(maxAgeDays)), now, SystemActor, StaleAlertNote)
	if err != nil {
		return 0, fmt.Errorf("retire stale alerts: %w", err)
	}
	e.Metrics.AlertsClosed(string(domain.AlertResolved), n)
	return n, nil
}

func (e Engine) GetAlert(ctx context.Context, tenantID, alertID string) (domain.Alert, error) {
	return e.Repo.GetAlert(ctx, tenantID, alertID)
}

func (e Engine) ListAlerts(ctx context.Context, tenantID string, f repo.AlertFilter) ([]domain.Alert, error) {
	return e.Repo.ListAlerts(ctx, tenantID, f)
}

// ListOpenAlerts returns New and Acknowledged alerts, optionally for one asset.
func (e Engine) ListOpenAlerts(ctx context.Context, tenantID, assetID string) ([]domain.Alert, error) {
	return e.Repo.ListAlerts(ctx, tenantID, repo.AlertFilter{AssetID: assetID, OpenOnly: true})
}

func (e Engine) OpenAlertCount(ctx context.Context, tenantID string) (int, error) {
	stats, err := e.Repo.OpenAlertStats(ctx, tenantID, e.now())
	if err != nil {
		return 0, err
	}
	return stats.Open, nil
}
