package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insurewatch/internal/config"
	"insurewatch/internal/db"
	"insurewatch/internal/domain"
	"insurewatch/internal/engine"
	"insurewatch/internal/metrics"
	"insurewatch/internal/migrate"
	"insurewatch/internal/repo"
	"insurewatch/internal/scheduler"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newEngine(t *testing.T) (engine.Engine, *clock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, config.Default(), nil)
	clk := &clock{t: base}
	eng.Now = clk.Now
	return eng, clk
}

func seed(t *testing.T, eng engine.Engine, tenant, id, vin string) {
	t.Helper()
	inspected := base.AddDate(0, 0, -10)
	purchased := base.AddDate(-2, 0, 0)
	require.NoError(t, eng.Repo.UpsertAsset(context.Background(), domain.Asset{
		ID:                 id,
		TenantID:           tenant,
		AssetTag:           "TAG-" + id,
		AssetType:          "Vehicle",
		VIN:                vin,
		Status:             "Active",
		InsuredValue:       func() *float64 { v := 1000.0; return &v }(),
		PurchaseDate:       &purchased,
		LastInspectionDate: &inspected,
		CreatedAt:          base.AddDate(-1, 0, 0),
	}))
}

func docsRule(t *testing.T, eng engine.Engine, tenant string) {
	t.Helper()
	_, err := eng.CreateRule(context.Background(), tenant, "admin", domain.Rule{
		Code: "DOCS", Name: "Documentation", Type: domain.RuleTypeDocumentation, Severity: 2, IsActive: true,
	})
	require.NoError(t, err)
}

func testConfig() config.Engine {
	cfg := config.Default().Engine
	cfg.Workers = 2
	return cfg
}

func TestRunOnceChecksDueAssetsAcrossTenants(t *testing.T) {
	eng, clk := newEngine(t)
	docsRule(t, eng, "t1")
	docsRule(t, eng, "t2")
	seed(t, eng, "t1", "a1", "VIN1")
	seed(t, eng, "t1", "a2", "")
	seed(t, eng, "t2", "b1", "VIN3")
	sched := scheduler.New(eng, testConfig(), metrics.New(), nil)
	ctx := context.Background()

	report, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 2, report.Dashboards)

	a2, err := eng.Repo.GetAsset(ctx, "t1", "a2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNonCompliant, a2.ComplianceStatus)
	snap, err := eng.Latest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ActiveAlerts)

	report, err = sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Checked, "nothing is due right after a cycle")

	clk.Advance(25 * time.Hour)
	report, err = sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
}

func TestRunOnceRetiresStaleAlerts(t *testing.T) {
	eng, clk := newEngine(t)
	docsRule(t, eng, "t1")
	seed(t, eng, "t1", "a1", "")
	sched := scheduler.New(eng, testConfig(), nil, nil)
	ctx := context.Background()

	_, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	clk.Advance(31 * 24 * time.Hour)
	report, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AlertsRetired)

	alerts, err := eng.ListAlerts(ctx, "t1", repo.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertResolved, alerts[0].Status)
	assert.Equal(t, engine.StaleAlertNote, alerts[0].ResolutionNotes)
}

func TestRunOnceExpiresRules(t *testing.T) {
	eng, clk := newEngine(t)
	to := base.Add(time.Hour)
	_, err := eng.CreateRule(context.Background(), "t1", "admin", domain.Rule{
		Code: "TEMP", Name: "Temporary", Type: domain.RuleTypeDocumentation, Severity: 1, IsActive: true, EffectiveTo: &to,
	})
	require.NoError(t, err)
	sched := scheduler.New(eng, testConfig(), nil, nil)

	clk.Advance(2 * time.Hour)
	report, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.RulesExpired)
	assert.Equal(t, 1, report.Dashboards)
}

type flakyEngine struct {
	engine.Engine
	failFor string
}

func (f flakyEngine) CheckAsset(ctx context.Context, tenantID, assetID, actor string) (domain.Check, error) {
	if assetID == f.failFor {
		return domain.Check{}, errors.New("asset store unavailable")
	}
	return f.Engine.CheckAsset(ctx, tenantID, assetID, actor)
}

func TestRunOnceIsolatesAssetFailures(t *testing.T) {
	eng, _ := newEngine(t)
	docsRule(t, eng, "t1")
	seed(t, eng, "t1", "a1", "VIN1")
	seed(t, eng, "t1", "a2", "VIN2")
	seed(t, eng, "t1", "a3", "VIN3")
	sched := scheduler.New(flakyEngine{Engine: eng, failFor: "a2"}, testConfig(), metrics.New(), nil)

	report, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Dashboards)
}

type cancellingEngine struct {
	engine.Engine
	cancel  context.CancelFunc
	calls   atomic.Int32
	mu      sync.Mutex
	ctxErrs []error
}

func (c *cancellingEngine) CheckAsset(ctx context.Context, tenantID, assetID, actor string) (domain.Check, error) {
	c.calls.Add(1)
	c.cancel()
	check, err := c.Engine.CheckAsset(ctx, tenantID, assetID, actor)
	c.mu.Lock()
	c.ctxErrs = append(c.ctxErrs, ctx.Err())
	c.mu.Unlock()
	return check, err
}

func TestRunOnceStopsLaunchingAfterCancel(t *testing.T) {
	eng, _ := newEngine(t)
	docsRule(t, eng, "t1")
	for _, id := range []string{"a1", "a2", "a3", "a4", "a5"} {
		seed(t, eng, "t1", id, "VIN-"+id)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wrapped := &cancellingEngine{Engine: eng, cancel: cancel}
	cfg := testConfig()
	cfg.Workers = 1
	sched := scheduler.New(wrapped, cfg, nil, nil)

	report, err := sched.RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	// The second asset was waiting for the only worker slot when the first check cancelled.
	assert.Equal(t, int32(1), wrapped.calls.Load())
	assert.Equal(t, 1, report.Checked, "in-flight checks complete")
	assert.Zero(t, report.Dashboards)
	for _, e := range wrapped.ctxErrs {
		assert.NoError(t, e)
	}
}

type countingEngine struct {
	engine.Engine
	cycles atomic.Int32
}

func (c *countingEngine) DueAssets(ctx context.Context) ([]domain.Asset, error) {
	c.cycles.Add(1)
	return c.Engine.DueAssets(ctx)
}

func TestStartStop(t *testing.T) {
	eng, _ := newEngine(t)
	counting := &countingEngine{Engine: eng}
	cfg := testConfig()
	cfg.RecheckInterval = time.Second
	sched := scheduler.New(counting, cfg, nil, nil)

	require.NoError(t, sched.Start(context.Background()))
	assert.Error(t, sched.Start(context.Background()))
	assert.Eventually(t, func() bool { return counting.cycles.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	sched.Stop()
	sched.Stop()

	cfg.RecheckInterval = 0
	assert.Error(t, scheduler.New(counting, cfg, nil, nil).Start(context.Background()))
}

func TestCheckAllForceIgnoresDueness(t *testing.T) {
	eng, _ := newEngine(t)
	docsRule(t, eng, "t1")
	docsRule(t, eng, "t2")
	seed(t, eng, "t1", "a1", "VIN1")
	seed(t, eng, "t1", "a2", "")
	seed(t, eng, "t2", "b1", "VIN3")
	sched := scheduler.New(eng, testConfig(), nil, nil)
	ctx := context.Background()

	report, err := sched.CheckAll(ctx, "t1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Dashboards)
	_, err = eng.Latest(ctx, "t1")
	require.NoError(t, err)
	_, err = eng.LatestCheck(ctx, "t2", "b1")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	// Nothing is due straight after, but a forced run checks every asset again.
	report, err = sched.CheckAll(ctx, "t1", false)
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
	report, err = sched.CheckAll(ctx, "t1", true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Zero(t, report.Failed)

	checks, err := eng.CheckHistory(ctx, "t1", "a1", 1)
	require.NoError(t, err)
	assert.Len(t, checks, 2)
}

func TestRunOnceReportsDuration(t *testing.T) {
	eng, _ := newEngine(t)
	docsRule(t, eng, "t1")
	seed(t, eng, "t1", "a1", "VIN1")
	sched := scheduler.New(slowEngine{Engine: eng, delay: 10 * time.Millisecond}, testConfig(), nil, nil)

	report, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.Duration, 10*time.Millisecond)
}

type slowEngine struct {
	engine.Engine
	delay time.Duration
}

func (s slowEngine) CheckAsset(ctx context.Context, tenantID, assetID, actor string) (domain.Check, error) {
	time.Sleep(s.delay)
	return s.Engine.CheckAsset(ctx, tenantID, assetID, actor)
}
