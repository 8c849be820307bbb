package rulepack

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insurewatch/internal/domain"
)

const pack = `rules:
  - code: DOCS
    name: Documentation complete
    type: documentation
    severity: 2
    priority: 10
  - code: INSPECT
    name: Annual inspection
    type: Inspection
    severity: 4
    max_value: 365
    asset_types: [Vehicle]
    effective_from: 2026-01-01
  - code: HIGH-VALUE
    name: High value equipment
    type: Custom
    severity: 3
    active: false
    expression: asset.insured_value > 100000
`

func TestParseRules(t *testing.T) {
	rules, err := ParseRules(strings.NewReader(pack))
	require.NoError(t, err)
	require.Len(t, rules, 3)

	assert.Equal(t, domain.RuleTypeDocumentation, rules[0].Type)
	assert.True(t, rules[0].IsActive)
	assert.Equal(t, 10, rules[0].Priority)

	require.NotNil(t, rules[1].MaxValue)
	assert.Equal(t, 365.0, *rules[1].MaxValue)
	assert.Equal(t, []string{"Vehicle"}, rules[1].AssetTypes)
	require.NotNil(t, rules[1].EffectiveFrom)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), *rules[1].EffectiveFrom)

	assert.False(t, rules[2].IsActive)
	assert.Equal(t, "asset.insured_value > 100000", rules[2].Expression)
}

func TestParseRulesRejects(t *testing.T) {
	cases := map[string]string{
		"unknown type":   "rules:\n  - code: X\n    type: Weather\n",
		"missing code":   "rules:\n  - name: X\n    type: Policy\n",
		"duplicate code": "rules:\n  - code: X\n    type: Policy\n  - code: X\n    type: Payment\n",
		"unknown field":  "rules:\n  - code: X\n    type: Policy\n    colour: red\n",
		"bad yaml":       "rules: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRules(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseRulesEmpty(t *testing.T) {
	rules, err := ParseRules(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, rules)
}

const seedDoc = `assets:
  - id: truck-1
    asset_tag: TRK-001
    asset_type: Vehicle
    make: Volvo
    vin: YV2RT40A5KB123456
    insured_value: 85000
    purchase_date: 2023-05-10
    last_inspection_date: 2026-01-15
    policies:
      - id: pol-1
        policy_number: POL-1001
        policy_type: Auto
        payment_status: Current
        start_date: 2026-01-01
        end_date: 2026-12-31
  - id: press-1
    asset_tag: EQ-007
    asset_type: Equipment
    status: Inactive
`

func TestParseAssets(t *testing.T) {
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seed, err := ParseAssets(strings.NewReader(seedDoc), "acme", created)
	require.NoError(t, err)
	require.Len(t, seed.Assets, 2)
	require.Len(t, seed.Policies, 1)

	truck := seed.Assets[0]
	assert.Equal(t, "acme", truck.TenantID)
	assert.Equal(t, "Active", truck.Status)
	assert.Equal(t, domain.StatusPending, truck.ComplianceStatus)
	assert.Equal(t, created, truck.CreatedAt)
	require.NotNil(t, truck.InsuredValue)
	assert.Equal(t, 85000.0, *truck.InsuredValue)
	assert.Equal(t, "Inactive", seed.Assets[1].Status)

	pol := seed.Policies[0]
	assert.Equal(t, "truck-1", pol.AssetID)
	assert.Equal(t, domain.PolicyStatusActive, pol.Status)
	assert.Equal(t, time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC), pol.EndDate)
}

func TestParseAssetsRejects(t *testing.T) {
	cases := map[string]string{
		"missing tag":     "assets:\n  - id: a1\n",
		"duplicate id":    "assets:\n  - id: a1\n    asset_tag: A\n  - id: a1\n    asset_tag: B\n",
		"policy no dates": "assets:\n  - id: a1\n    asset_tag: A\n    policies:\n      - id: p1\n        policy_number: P\n",
		"policy reversed": "assets:\n  - id: a1\n    asset_tag: A\n    policies:\n      - id: p1\n        policy_number: P\n        start_date: 2026-02-01\n        end_date: 2026-01-01\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAssets(strings.NewReader(doc), "acme", time.Now())
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFiles(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules.yml")
	assetsPath := filepath.Join(dir, "assets.yml")
	require.NoError(t, os.WriteFile(rulesPath, []byte(pack), 0o644))
	require.NoError(t, os.WriteFile(assetsPath, []byte(seedDoc), 0o644))

	rules, err := LoadRules(rulesPath)
	require.NoError(t, err)
	assert.Len(t, rules, 3)
	seed, err := LoadAssets(assetsPath, "acme", time.Now())
	require.NoError(t, err)
	assert.Len(t, seed.Assets, 2)

	_, err = LoadRules(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)
}
