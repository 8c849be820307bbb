package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insurewatch/internal/domain"
	"insurewatch/internal/engine"
	"insurewatch/internal/engine/script"
)

func evaluator() engine.Evaluator {
	return engine.Evaluator{Scripts: script.NewEvaluator(time.Second)}
}

func rule(code string, typ domain.RuleType, priority int) domain.Rule {
	return domain.Rule{ID: "r-" + code, TenantID: tenant, Code: code, Name: code, Type: typ, Severity: 3, Priority: priority, IsActive: true}
}

func activePolicy(number string, endsIn time.Duration) domain.Policy {
	return domain.Policy{
		ID: "p-" + number, TenantID: tenant, AssetID: "a1", PolicyNumber: number, PolicyType: "Comprehensive",
		Status: domain.PolicyStatusActive, StartDate: base.AddDate(-1, 0, 0), EndDate: base.Add(endsIn),
	}
}

func TestEvaluateWithoutApplicableRulesIsCompliant(t *testing.T) {
	ctx := context.Background()
	res, err := evaluator().Evaluate(ctx, wellDocumented("a1"), nil, nil, base)
	require.NoError(t, err)
	assert.Equal(t, 100, res.Score)
	assert.Equal(t, domain.StatusCompliant, res.Status)
	assert.Empty(t, res.Findings)

	marine := rule("MARINE", domain.RuleTypeDocumentation, 1)
	marine.AssetTypes = []string{"Vessel"}
	inactive := rule("OFF", domain.RuleTypeDocumentation, 1)
	inactive.IsActive = false
	future := rule("LATER", domain.RuleTypeDocumentation, 1)
	future.EffectiveFrom = ptr(base.AddDate(0, 1, 0))
	res, err = evaluator().Evaluate(ctx, domain.Asset{ID: "a1"}, nil, []domain.Rule{marine, inactive, future}, base)
	require.NoError(t, err)
	assert.Equal(t, 100, res.Score)
	assert.Equal(t, domain.StatusCompliant, res.Status)
}

func TestScoreStaysInRange(t *testing.T) {
	for applicable := 0; applicable <= 25; applicable++ {
		for compliant := 0; compliant <= applicable; compliant++ {
			s := engine.Score(compliant, applicable)
			assert.GreaterOrEqual(t, s, 0)
			assert.LessOrEqual(t, s, 100)
		}
	}
	assert.Equal(t, 67, engine.Score(2, 3))
	assert.Equal(t, 33, engine.Score(1, 3))
	assert.Equal(t, 100, engine.Score(0, 0))
}

func TestStatusForScore(t *testing.T) {
	cases := map[int]domain.ComplianceStatus{
		100: domain.StatusCompliant,
		90:  domain.StatusCompliant,
		89:  domain.StatusWarning,
		70:  domain.StatusWarning,
		69:  domain.StatusNonCompliant,
		0:   domain.StatusNonCompliant,
	}
	for score, want := range cases {
		assert.Equal(t, want, engine.StatusForScore(score), "score %d", score)
	}
}

func TestPolicyExpiryThreshold(t *testing.T) {
	ctx := context.Background()
	policies := []domain.Policy{activePolicy("POL-1", 10*24*time.Hour)}

	within30 := rule("POLICY-30", domain.RuleTypePolicy, 1)
	within30.DaysToExpiry = ptr(30)
	res, err := evaluator().Evaluate(ctx, wellDocumented("a1"), policies, []domain.Rule{within30}, base)
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	assert.False(t, res.Findings[0].Compliant)
	assert.Contains(t, res.Findings[0].Message, "expires within 30 days")
	assert.Equal(t, "Renew policy before expiration", res.Findings[0].Recommendation)

	within5 := rule("POLICY-5", domain.RuleTypePolicy, 1)
	within5.DaysToExpiry = ptr(5)
	res, err = evaluator().Evaluate(ctx, wellDocumented("a1"), policies, []domain.Rule{within5}, base)
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	assert.True(t, res.Findings[0].Compliant)
	assert.Equal(t, 100, res.Score)
}

func TestPolicyRuleRequiresActivePolicy(t *testing.T) {
	expired := activePolicy("OLD", -24*time.Hour)
	cancelled := activePolicy("CXL", 90*24*time.Hour)
	cancelled.Status = "Cancelled"
	res, err := evaluator().Evaluate(context.Background(), wellDocumented("a1"),
		[]domain.Policy{expired, cancelled}, []domain.Rule{rule("POLICY", domain.RuleTypePolicy, 1)}, base)
	require.NoError(t, err)
	assert.False(t, res.Findings[0].Compliant)
	assert.Equal(t, "No active policies found for this asset", res.Findings[0].Message)
	assert.Equal(t, 0, res.Score)
	assert.Equal(t, domain.StatusNonCompliant, res.Status)
}

func TestPolicyRuleInsuredValueBounds(t *testing.T) {
	policies := []domain.Policy{activePolicy("POL-1", 200*24*time.Hour)}
	r := rule("COVER", domain.RuleTypePolicy, 1)
	r.MinValue = ptr(100000.0)
	res, err := evaluator().Evaluate(context.Background(), wellDocumented("a1"), policies, []domain.Rule{r}, base)
	require.NoError(t, err)
	assert.False(t, res.Findings[0].Compliant)
	assert.Contains(t, res.Findings[0].Message, "below the required minimum")

	r.MinValue, r.MaxValue = nil, ptr(50000.0)
	res, err = evaluator().Evaluate(context.Background(), wellDocumented("a1"), policies, []domain.Rule{r}, base)
	require.NoError(t, err)
	assert.Contains(t, res.Findings[0].Message, "exceeds the allowed maximum")
}

func TestPaymentRule(t *testing.T) {
	ctx := context.Background()
	paid := activePolicy("POL-1", 100*24*time.Hour)
	late := activePolicy("POL-2", 100*24*time.Hour)
	late.PaymentStatus = domain.PaymentStatusOverdue
	pay := rule("PAY", domain.RuleTypePayment, 1)

	res, err := evaluator().Evaluate(ctx, wellDocumented("a1"), []domain.Policy{paid, late}, []domain.Rule{pay}, base)
	require.NoError(t, err)
	assert.False(t, res.Findings[0].Compliant)
	assert.Equal(t, "Payment overdue for policies: POL-2", res.Findings[0].Message)

	res, err = evaluator().Evaluate(ctx, wellDocumented("a1"), nil, []domain.Rule{pay}, base)
	require.NoError(t, err)
	assert.True(t, res.Findings[0].Compliant)
}

func TestInspectionRule(t *testing.T) {
	ctx := context.Background()
	insp := rule("INSPECT", domain.RuleTypeInspection, 1)
	insp.MaxValue = ptr(365.0)

	stale := wellDocumented("a1")
	stale.LastInspectionDate = daysAgo(400)
	res, err := evaluator().Evaluate(ctx, stale, nil, []domain.Rule{insp}, base)
	require.NoError(t, err)
	assert.False(t, res.Findings[0].Compliant)
	assert.Contains(t, res.Findings[0].Message, "overdue")
	assert.Contains(t, res.Findings[0].Message, "400 days ago (exceeds 365 days)")

	never := wellDocumented("a1")
	never.LastInspectionDate = nil
	res, err = evaluator().Evaluate(ctx, never, nil, []domain.Rule{insp}, base)
	require.NoError(t, err)
	assert.Equal(t, "Asset has never been inspected", res.Findings[0].Message)

	byDays := rule("INSPECT-DAYS", domain.RuleTypeInspection, 1)
	byDays.DaysToExpiry = ptr(365)
	res, err = evaluator().Evaluate(ctx, stale, nil, []domain.Rule{byDays}, base)
	require.NoError(t, err)
	assert.False(t, res.Findings[0].Compliant)

	bad := rule("INSPECT-BAD", domain.RuleTypeInspection, 1)
	bad.MaxValue = ptr(-1.0)
	res, err = evaluator().Evaluate(ctx, wellDocumented("a1"), nil, []domain.Rule{bad}, base)
	require.NoError(t, err)
	assert.False(t, res.Findings[0].Compliant)
	assert.NotEmpty(t, res.Findings[0].Error)
}

func TestDocumentationRule(t *testing.T) {
	doc := rule("DOCS", domain.RuleTypeDocumentation, 1)
	a := domain.Asset{ID: "a1", InsuredValue: ptr(0.0)}
	res, err := evaluator().Evaluate(context.Background(), a, nil, []domain.Rule{doc}, base)
	require.NoError(t, err)
	assert.Equal(t, "Missing required documentation: VIN/Serial Number, Purchase Date, Insured Value", res.Findings[0].Message)

	res, err = evaluator().Evaluate(context.Background(), wellDocumented("a1"), nil, []domain.Rule{doc}, base)
	require.NoError(t, err)
	assert.True(t, res.Findings[0].Compliant)
}

func TestFailingScriptIsContained(t *testing.T) {
	custom := rule("SCRIPT", domain.RuleTypeCustom, 1)
	custom.Expression = `int(asset.make) > 0`
	doc := rule("DOCS", domain.RuleTypeDocumentation, 2)

	res, err := evaluator().Evaluate(context.Background(), wellDocumented("a1"), nil, []domain.Rule{doc, custom}, base)
	require.NoError(t, err)
	require.Len(t, res.Findings, 2)
	assert.Equal(t, "SCRIPT", res.Findings[0].RuleCode)
	assert.False(t, res.Findings[0].Compliant)
	assert.Equal(t, engine.FailedScriptMessage, res.Findings[0].Message)
	assert.NotEmpty(t, res.Findings[0].Error)
	assert.True(t, res.Findings[1].Compliant)
	assert.Equal(t, 50, res.Score)
}

func TestCustomRulePasses(t *testing.T) {
	custom := rule("HIGH-VALUE", domain.RuleTypeCustom, 1)
	custom.Expression = `asset.insured_value > 50000 && asset.days_since_inspection < 90`
	res, err := evaluator().Evaluate(context.Background(), wellDocumented("a1"), nil, []domain.Rule{custom}, base)
	require.NoError(t, err)
	assert.True(t, res.Findings[0].Compliant)
}

func TestEvaluateOrdersByPriorityThenCode(t *testing.T) {
	rules := []domain.Rule{
		rule("B", domain.RuleTypeDocumentation, 2),
		rule("Z", domain.RuleTypeDocumentation, 1),
		rule("A", domain.RuleTypeDocumentation, 2),
	}
	res, err := evaluator().Evaluate(context.Background(), wellDocumented("a1"), nil, rules, base)
	require.NoError(t, err)
	var codes []string
	for _, f := range res.Findings {
		codes = append(codes, f.RuleCode)
	}
	assert.Equal(t, []string{"Z", "A", "B"}, codes)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	asset := wellDocumented("a1")
	asset.LastInspectionDate = daysAgo(500)
	insp := rule("INSPECT", domain.RuleTypeInspection, 1)
	insp.MaxValue = ptr(365.0)
	rules := []domain.Rule{insp, rule("DOCS", domain.RuleTypeDocumentation, 2), rule("PAY", domain.RuleTypePayment, 3)}
	policies := []domain.Policy{activePolicy("POL-1", 40*24*time.Hour)}

	first, err := evaluator().Evaluate(context.Background(), asset, policies, rules, base)
	require.NoError(t, err)
	second, err := evaluator().Evaluate(context.Background(), asset, policies, rules, base)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPolicyTypeFilterOnlyBindsAssetsWithPolicies(t *testing.T) {
	doc := rule("FLEET-DOCS", domain.RuleTypeDocumentation, 1)
	doc.PolicyTypes = []string{"Fleet"}
	asset := wellDocumented("a1")

	assert.True(t, engine.Applicable(doc, asset, nil, base))
	assert.False(t, engine.Applicable(doc, asset, []domain.Policy{activePolicy("POL-1", time.Hour)}, base))
	fleet := activePolicy("POL-2", time.Hour)
	fleet.PolicyType = "fleet"
	assert.True(t, engine.Applicable(doc, asset, []domain.Policy{fleet}, base))
}

func TestUnknownRuleTypeAbortsEvaluation(t *testing.T) {
	_, err := evaluator().Evaluate(context.Background(), wellDocumented("a1"), nil,
		[]domain.Rule{rule("WEIRD", domain.RuleType("Telepathy"), 1)}, base)
	assert.ErrorIs(t, err, engine.ErrMalformedRule)
}
