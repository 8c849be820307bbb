package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"insurewatch/internal/domain"
	"insurewatch/internal/repo"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

func (e Engine) validateRule(rule domain.Rule) error {
	if err := validate.Struct(rule); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			msg := fmt.Sprintf("failed %q", fe.Tag())
			if fe.Param() != "" {
				msg = fmt.Sprintf("failed %q (%s)", fe.Tag(), fe.Param())
			}
			return invalid(fe.Field(), "%s", msg)
		}
		return invalid("", "%v", err)
	}
	if rule.EffectiveFrom != nil && rule.EffectiveTo != nil && rule.EffectiveTo.Before(*rule.EffectiveFrom) {
		return invalid("effective_to", "must not be before effective_from")
	}
	if rule.Type == domain.RuleTypeCustom {
		if strings.TrimSpace(rule.Expression) == "" {
			return invalid("expression", "required for Custom rules")
		}
		if e.Scripts != nil {
			if err := e.Scripts.Compile(rule.Expression); err != nil {
				return invalid("expression", "%v", err)
			}
		}
	}
	return nil
}

func normalizeRule(rule *domain.Rule) {
	rule.Code = strings.TrimSpace(rule.Code)
	rule.Name = strings.TrimSpace(rule.Name)
	if t, ok := domain.ParseRuleType(string(rule.Type)); ok {
		rule.Type = t
	}
}

// CreateRule validates and stores a new rule. Codes are unique per tenant.
func (e Engine) CreateRule(ctx context.Context, tenantID, actor string, rule domain.Rule) (domain.Rule, error) {
	now := e.now()
	normalizeRule(&rule)
	rule.TenantID = tenantID
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule.CreatedAt, rule.CreatedBy = now, actor
	rule.UpdatedAt, rule.UpdatedBy = now, actor
	if err := e.validateRule(rule); err != nil {
		return domain.Rule{}, err
	}
	if err := e.Repo.InsertRule(ctx, e.DB, rule); err != nil {
		return domain.Rule{}, err
	}
	return rule, nil
}

// UpdateRule replaces the definition of an existing rule, keeping its identity and creation audit.
func (e Engine) UpdateRule(ctx context.Context, tenantID, actor string, rule domain.Rule) (domain.Rule, error) {
	existing, err := e.Repo.GetRule(ctx, e.DB, tenantID, rule.ID)
	if err != nil {
		return domain.Rule{}, err
	}
	normalizeRule(&rule)
	rule.TenantID = tenantID
	rule.CreatedAt, rule.CreatedBy = existing.CreatedAt, existing.CreatedBy
	rule.UpdatedAt, rule.UpdatedBy = e.now(), actor
	if err := e.validateRule(rule); err != nil {
		return domain.Rule{}, err
	}
	if err := e.Repo.UpdateRule(ctx, e.DB, rule); err != nil {
		return domain.Rule{}, err
	}
	return rule, nil
}

func (e Engine) DeactivateRule(ctx context.Context, tenantID, id, actor string) (domain.Rule, error) {
	return e.SetRuleActive(ctx, tenantID, id, false, actor)
}

func (e Engine) SetRuleActive(ctx context.Context, tenantID, id string, active bool, actor string) (domain.Rule, error) {
	if err := e.Repo.SetRuleActive(ctx, tenantID, id, active, actor, e.now()); err != nil {
		return domain.Rule{}, err
	}
	return e.Repo.GetRule(ctx, e.DB, tenantID, id)
}

func (e Engine) GetRule(ctx context.Context, tenantID, id string) (domain.Rule, error) {
	return e.Repo.GetRule(ctx, e.DB, tenantID, id)
}

func (e Engine) ListRules(ctx context.Context, tenantID string, includeInactive bool) ([]domain.Rule, error) {
	return e.Repo.ListRules(ctx, tenantID, !includeInactive)
}

// ActiveRules returns rules live at asOf in ascending priority, ties by code. It never writes.
func (e Engine) ActiveRules(ctx context.Context, tenantID string, asOf time.Time) ([]domain.Rule, error) {
	rules, err := e.Repo.ListRules(ctx, tenantID, true)
	if err != nil {
		return nil, err
	}
	res := make([]domain.Rule, 0, len(rules))
	for _, r := range rules {
		if r.ActiveAt(asOf) {
			res = append(res, r)
		}
	}
	return res, nil
}

// ApplicableRules returns the active rules that would be evaluated for the asset now,
// in evaluation order.
func (e Engine) ApplicableRules(ctx context.Context, tenantID, assetID string) ([]domain.Rule, error) {
	now := e.now()
	asset, err := e.Assets.GetAsset(ctx, tenantID, assetID)
	if err != nil {
		return nil, fmt.Errorf("load asset %s: %w", assetID, err)
	}
	policies, err := e.Assets.GetActivePoliciesForAsset(ctx, tenantID, assetID, now)
	if err != nil {
		return nil, fmt.Errorf("load policies for %s: %w", assetID, err)
	}
	rules, err := e.ActiveRules(ctx, tenantID, now)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	res := make([]domain.Rule, 0, len(rules))
	for _, r := range rules {
		if Applicable(r, asset, policies, now) {
			res = append(res, r)
		}
	}
	return res, nil
}

// ExpireRules deactivates every rule whose effective window has closed.
func (e Engine) ExpireRules(ctx context.Context) (int, error) {
	n, err := e.Repo.ExpireRules(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("expire rules: %w", err)
	}
	return n, nil
}

type ImportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// ImportRules creates or updates rules by code in a single transaction.
func (e Engine) ImportRules(ctx context.Context, tenantID, actor string, rules []domain.Rule) (ImportResult, error) {
	var res ImportResult
	now := e.now()
	seen := map[string]bool{}
	for i := range rules {
		normalizeRule(&rules[i])
		if seen[rules[i].Code] {
			return res, invalid("code", "duplicate rule code %q in import", rules[i].Code)
		}
		seen[rules[i].Code] = true
	}
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		for _, rule := range rules {
			rule.TenantID = tenantID
			rule.UpdatedAt, rule.UpdatedBy = now, actor
			existing, err := e.Repo.GetRuleByCode(ctx, tx, tenantID, rule.Code)
			switch {
			case errors.Is(err, repo.ErrNotFound):
				rule.ID = uuid.NewString()
				rule.CreatedAt, rule.CreatedBy = now, actor
				if err := e.validateRule(rule); err != nil {
					return fmt.Errorf("rule %s: %w", rule.Code, err)
				}
				if err := e.Repo.InsertRule(ctx, tx, rule); err != nil {
					return err
				}
				res.Created++
			case err != nil:
				return err
			default:
				rule.ID = existing.ID
				rule.CreatedAt, rule.CreatedBy = existing.CreatedAt, existing.CreatedBy
				if err := e.validateRule(rule); err != nil {
					return fmt.Errorf("rule %s: %w", rule.Code, err)
				}
				if err := e.Repo.UpdateRule(ctx, tx, rule); err != nil {
					return err
				}
				res.Updated++
			}
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	return res, nil
}
