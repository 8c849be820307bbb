package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"insurewatch/internal/domain"
	"insurewatch/internal/engine/script"
	"insurewatch/internal/logging"
	"insurewatch/internal/metrics"
)

// Status cut points over the 0..100 score.
const (
	CompliantThreshold = 90
	WarningThreshold   = 70
)

// FailedScriptMessage is the finding text for a custom rule whose expression could not be evaluated.
const FailedScriptMessage = "failed script evaluation"

// StatusForScore maps a score onto the compliance status bands.
func StatusForScore(score int) domain.ComplianceStatus {
	switch {
	case score >= CompliantThreshold:
		return domain.StatusCompliant
	case score >= WarningThreshold:
		return domain.StatusWarning
	default:
		return domain.StatusNonCompliant
	}
}

// Score is the rounded share of passed rules, clamped to [0,100]. No applicable rules scores 100.
func Score(compliant, applicable int) int {
	if applicable <= 0 {
		return 100
	}
	s := int(math.Round(float64(compliant) * 100 / float64(applicable)))
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// Evaluator runs rules against one asset. Apart from custom scripts it touches no I/O.
type Evaluator struct {
	Scripts *script.Evaluator
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type outcome struct {
	compliant      bool
	message        string
	recommendation string
	err            error
}

// Evaluate runs every applicable rule in priority order. Per-rule failures are
// contained in their finding; an unknown rule type aborts with ErrMalformedRule.
func (ev Evaluator) Evaluate(ctx context.Context, asset domain.Asset, policies []domain.Policy, rules []domain.Rule, now time.Time) (domain.CheckResult, error) {
	ordered := make([]domain.Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].Code < ordered[j].Code
	})

	findings := []domain.Finding{}
	passed := 0
	for _, rule := range ordered {
		if !Applicable(rule, asset, policies, now) {
			continue
		}
		out, err := ev.run(ctx, rule, asset, policies, now)
		if err != nil {
			return domain.CheckResult{}, err
		}
		f := domain.Finding{
			RuleID:         rule.ID,
			RuleCode:       rule.Code,
			RuleName:       rule.Name,
			RuleType:       rule.Type,
			Severity:       rule.Severity,
			Compliant:      out.compliant,
			Message:        out.message,
			Recommendation: out.recommendation,
		}
		if out.err != nil {
			f.Compliant = false
			f.Error = out.err.Error()
			ev.log().Warn("rule evaluation failed",
				logging.Tenant(asset.TenantID), logging.Asset(asset.ID), logging.Rule(rule.Code), zap.Error(out.err))
			ev.Metrics.RuleFailed(string(rule.Type))
		}
		if f.Compliant {
			passed++
		}
		findings = append(findings, f)
	}
	score := Score(passed, len(findings))
	return domain.CheckResult{Score: score, Status: StatusForScore(score), Findings: findings}, nil
}

func (ev Evaluator) log() *zap.Logger {
	if ev.Logger != nil {
		return ev.Logger
	}
	return zap.NewNop()
}

// Applicable reports whether rule is live at now and its asset-type and policy-type
// filters admit the asset. The policy-type filter only binds assets that hold policies.
func Applicable(rule domain.Rule, asset domain.Asset, policies []domain.Policy, now time.Time) bool {
	if !rule.ActiveAt(now) {
		return false
	}
	if len(rule.AssetTypes) > 0 && !containsFold(rule.AssetTypes, asset.AssetType) {
		return false
	}
	if len(rule.PolicyTypes) > 0 && len(policies) > 0 {
		for _, p := range policies {
			if containsFold(rule.PolicyTypes, p.PolicyType) {
				return true
			}
		}
		return false
	}
	return true
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(strings.TrimSpace(s), strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}

func (ev Evaluator) run(ctx context.Context, rule domain.Rule, asset domain.Asset, policies []domain.Policy, now time.Time) (outcome, error) {
	switch rule.Type {
	case domain.RuleTypePolicy:
		return evaluatePolicy(rule, asset, policies, now), nil
	case domain.RuleTypePayment:
		return evaluatePayment(policies, now), nil
	case domain.RuleTypeInspection:
		return evaluateInspection(rule, asset, now), nil
	case domain.RuleTypeDocumentation:
		return evaluateDocumentation(asset), nil
	case domain.RuleTypeCustom:
		return ev.evaluateCustom(ctx, rule, asset, now), nil
	default:
		return outcome{}, fmt.Errorf("%w: rule %s has unknown type %q", ErrMalformedRule, rule.Code, rule.Type)
	}
}

func activePolicies(policies []domain.Policy, now time.Time) []domain.Policy {
	var res []domain.Policy
	for _, p := range policies {
		if strings.EqualFold(p.Status, domain.PolicyStatusActive) && p.EndDate.After(now) {
			res = append(res, p)
		}
	}
	return res
}

func evaluatePolicy(rule domain.Rule, asset domain.Asset, policies []domain.Policy, now time.Time) outcome {
	active := activePolicies(policies, now)
	if len(active) == 0 {
		return outcome{message: "No active policies found for this asset", recommendation: "Purchase a new policy immediately"}
	}
	if rule.DaysToExpiry != nil {
		if *rule.DaysToExpiry < 0 {
			return malformed(rule, "days_to_expiry is negative")
		}
		nearest := active[0]
		for _, p := range active[1:] {
			if p.EndDate.Before(nearest.EndDate) {
				nearest = p
			}
		}
		if !nearest.EndDate.After(now.Add(days(*rule.DaysToExpiry))) {
			return outcome{
				message:        fmt.Sprintf("Policy %s expires within %d days (on %s)", nearest.PolicyNumber, *rule.DaysToExpiry, nearest.EndDate.Format("2006-01-02")),
				recommendation: "Renew policy before expiration",
			}
		}
	}
	if rule.MinValue != nil || rule.MaxValue != nil {
		if asset.InsuredValue == nil {
			return outcome{message: "Insured value is not recorded", recommendation: "Record the asset's insured value"}
		}
		v := *asset.InsuredValue
		if rule.MinValue != nil && v < *rule.MinValue {
			return outcome{
				message:        fmt.Sprintf("Insured value %.2f is below the required minimum %.2f", v, *rule.MinValue),
				recommendation: "Increase coverage to the required minimum",
			}
		}
		if rule.MaxValue != nil && v > *rule.MaxValue {
			return outcome{
				message:        fmt.Sprintf("Insured value %.2f exceeds the allowed maximum %.2f", v, *rule.MaxValue),
				recommendation: "Review coverage limits for this asset",
			}
		}
	}
	return outcome{compliant: true, message: fmt.Sprintf("Asset has %d active policy(ies)", len(active))}
}

func evaluatePayment(policies []domain.Policy, now time.Time) outcome {
	var overdue []string
	for _, p := range activePolicies(policies, now) {
		if strings.EqualFold(p.PaymentStatus, domain.PaymentStatusOverdue) {
			overdue = append(overdue, p.PolicyNumber)
		}
	}
	if len(overdue) > 0 {
		return outcome{
			message:        "Payment overdue for policies: " + strings.Join(overdue, ", "),
			recommendation: "Settle outstanding premium payments",
		}
	}
	return outcome{compliant: true, message: "No overdue payments"}
}

// inspectionThreshold prefers MaxValue and falls back to DaysToExpiry.
func inspectionThreshold(rule domain.Rule) (int, bool, error) {
	if rule.MaxValue != nil {
		if *rule.MaxValue < 0 || math.IsNaN(*rule.MaxValue) || math.IsInf(*rule.MaxValue, 0) {
			return 0, false, fmt.Errorf("max_value %v is not a valid day count", *rule.MaxValue)
		}
		return int(*rule.MaxValue), true, nil
	}
	if rule.DaysToExpiry != nil {
		if *rule.DaysToExpiry < 0 {
			return 0, false, fmt.Errorf("days_to_expiry is negative")
		}
		return *rule.DaysToExpiry, true, nil
	}
	return 0, false, nil
}

func evaluateInspection(rule domain.Rule, asset domain.Asset, now time.Time) outcome {
	threshold, ok, err := inspectionThreshold(rule)
	if err != nil {
		return malformed(rule, err.Error())
	}
	if asset.LastInspectionDate == nil {
		return outcome{message: "Asset has never been inspected", recommendation: "Schedule an inspection"}
	}
	elapsed := int(math.Floor(now.Sub(*asset.LastInspectionDate).Hours() / 24))
	if ok && elapsed > threshold {
		return outcome{
			message:        fmt.Sprintf("Inspection overdue: last inspection was %d days ago (exceeds %d days)", elapsed, threshold),
			recommendation: "Schedule an inspection",
		}
	}
	return outcome{compliant: true, message: fmt.Sprintf("Last inspection was %d days ago", elapsed)}
}

func evaluateDocumentation(asset domain.Asset) outcome {
	var missing []string
	if strings.TrimSpace(asset.SerialNumber) == "" && strings.TrimSpace(asset.VIN) == "" {
		missing = append(missing, "VIN/Serial Number")
	}
	if asset.PurchaseDate == nil || asset.PurchaseDate.IsZero() {
		missing = append(missing, "Purchase Date")
	}
	if asset.InsuredValue == nil || *asset.InsuredValue <= 0 {
		missing = append(missing, "Insured Value")
	}
	if len(missing) > 0 {
		return outcome{
			message:        "Missing required documentation: " + strings.Join(missing, ", "),
			recommendation: "Complete the asset record",
		}
	}
	return outcome{compliant: true, message: "All required documentation is present"}
}

func (ev Evaluator) evaluateCustom(ctx context.Context, rule domain.Rule, asset domain.Asset, now time.Time) outcome {
	if strings.TrimSpace(rule.Expression) == "" {
		return malformed(rule, "custom rule has no expression")
	}
	if ev.Scripts == nil {
		return outcome{message: FailedScriptMessage, err: fmt.Errorf("%w: no script evaluator configured", script.ErrScript)}
	}
	ok, err := ev.Scripts.Evaluate(ctx, rule.Expression, asset, now)
	if err != nil {
		return outcome{message: FailedScriptMessage, recommendation: "Review the rule expression", err: err}
	}
	if !ok {
		return outcome{message: fmt.Sprintf("Custom condition %q not satisfied", rule.Name), recommendation: rule.Description}
	}
	return outcome{compliant: true, message: fmt.Sprintf("Custom condition %q satisfied", rule.Name)}
}

func malformed(rule domain.Rule, msg string) outcome {
	return outcome{
		message:        "Rule is misconfigured: " + msg,
		recommendation: "Fix the rule definition",
		err:            fmt.Errorf("%w: rule %s: %s", ErrMalformedRule, rule.Code, msg),
	}
}
