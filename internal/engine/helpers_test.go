package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"insurewatch/internal/config"
	"insurewatch/internal/db"
	"insurewatch/internal/domain"
	"insurewatch/internal/engine"
	"insurewatch/internal/migrate"
)

const tenant = "tenant-1"

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

type sentMessage struct {
	To, Subject, Body string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *recordingSender) Send(_ context.Context, to, subject, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{To: to, Subject: subject, Body: body})
	return s.err
}

func (s *recordingSender) Sent() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

type testEnv struct {
	Engine engine.Engine
	Clock  *clock
	Sender *recordingSender
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	cfg.Notifications.Recipient = "ops@example.com"
	eng := engine.New(conn, cfg, nil)
	clk := &clock{t: base}
	eng.Now = clk.Now
	sender := &recordingSender{}
	eng.Notifier = sender
	return testEnv{Engine: eng, Clock: clk, Sender: sender, Ctx: context.Background()}
}

func ptr[T any](v T) *T { return &v }

func daysAgo(n int) *time.Time {
	t := base.AddDate(0, 0, -n)
	return &t
}

// wellDocumented returns an asset that passes Documentation and a 365-day Inspection rule.
func wellDocumented(id string) domain.Asset {
	return domain.Asset{
		ID:                 id,
		TenantID:           tenant,
		AssetTag:           "TAG-" + id,
		AssetType:          "Vehicle",
		Make:               "Volvo",
		Model:              "FH16",
		Year:               2021,
		VIN:                "YV2RT40A5KB123456",
		Status:             "Active",
		InsuredValue:       ptr(85000.0),
		PurchaseDate:       daysAgo(900),
		LastInspectionDate: daysAgo(30),
		ComplianceStatus:   domain.StatusPending,
		CreatedAt:          base.AddDate(-1, 0, 0),
	}
}

func (env testEnv) seedAsset(t *testing.T, a domain.Asset) domain.Asset {
	t.Helper()
	require.NoError(t, env.Engine.Repo.UpsertAsset(env.Ctx, a))
	return a
}

func (env testEnv) seedPolicy(t *testing.T, p domain.Policy) {
	t.Helper()
	if p.TenantID == "" {
		p.TenantID = tenant
	}
	if p.Status == "" {
		p.Status = domain.PolicyStatusActive
	}
	if p.StartDate.IsZero() {
		p.StartDate = base.AddDate(-1, 0, 0)
	}
	require.NoError(t, env.Engine.Repo.UpsertPolicy(env.Ctx, p))
}

func (env testEnv) createRule(t *testing.T, r domain.Rule) domain.Rule {
	t.Helper()
	if r.Name == "" {
		r.Name = r.Code
	}
	if r.Severity == 0 {
		r.Severity = 3
	}
	r.IsActive = true
	created, err := env.Engine.CreateRule(env.Ctx, tenant, "admin", r)
	require.NoError(t, err)
	return created
}
