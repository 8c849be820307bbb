// Package rulepack reads rule packs and asset seed files written in YAML.
package rulepack

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"insurewatch/internal/domain"
)

type RuleSpec struct {
	Code          string     `yaml:"code"`
	Name          string     `yaml:"name"`
	Description   string     `yaml:"description"`
	Type          string     `yaml:"type"`
	Severity      int        `yaml:"severity"`
	Priority      int        `yaml:"priority"`
	Active        *bool      `yaml:"active"`
	EffectiveFrom *time.Time `yaml:"effective_from"`
	EffectiveTo   *time.Time `yaml:"effective_to"`
	MinValue      *float64   `yaml:"min_value"`
	MaxValue      *float64   `yaml:"max_value"`
	DaysToExpiry  *int       `yaml:"days_to_expiry"`
	AssetTypes    []string   `yaml:"asset_types"`
	PolicyTypes   []string   `yaml:"policy_types"`
	Expression    string     `yaml:"expression"`
}

type RulePack struct {
	Rules []RuleSpec `yaml:"rules"`
}

type PolicySpec struct {
	ID            string    `yaml:"id"`
	PolicyNumber  string    `yaml:"policy_number"`
	PolicyType    string    `yaml:"policy_type"`
	Status        string    `yaml:"status"`
	PaymentStatus string    `yaml:"payment_status"`
	StartDate     time.Time `yaml:"start_date"`
	EndDate       time.Time `yaml:"end_date"`
}

type AssetSpec struct {
	ID                 string       `yaml:"id"`
	AssetTag           string       `yaml:"asset_tag"`
	AssetType          string       `yaml:"asset_type"`
	Make               string       `yaml:"make"`
	Model              string       `yaml:"model"`
	Year               int          `yaml:"year"`
	SerialNumber       string       `yaml:"serial_number"`
	VIN                string       `yaml:"vin"`
	Status             string       `yaml:"status"`
	InsuredValue       *float64     `yaml:"insured_value"`
	PurchaseDate       *time.Time   `yaml:"purchase_date"`
	LastInspectionDate *time.Time   `yaml:"last_inspection_date"`
	Policies           []PolicySpec `yaml:"policies"`
}

type AssetSeed struct {
	Assets []AssetSpec `yaml:"assets"`
}

// Seed is an asset seed resolved for one tenant.
type Seed struct {
	Assets   []domain.Asset
	Policies []domain.Policy
}

// ParseRules decodes a rule pack. Unknown keys, unknown rule types and duplicate
// codes are rejected; field-level rules are enforced by the catalog on import.
func ParseRules(r io.Reader) ([]domain.Rule, error) {
	var pack RulePack
	if err := decode(r, &pack); err != nil {
		return nil, err
	}
	var errs []error
	seen := map[string]bool{}
	rules := make([]domain.Rule, 0, len(pack.Rules))
	for i, spec := range pack.Rules {
		code := strings.TrimSpace(spec.Code)
		if code == "" {
			errs = append(errs, fmt.Errorf("rules[%d]: code is required", i))
			continue
		}
		if seen[code] {
			errs = append(errs, fmt.Errorf("rules[%d]: duplicate code %q", i, code))
			continue
		}
		seen[code] = true
		typ, ok := domain.ParseRuleType(spec.Type)
		if !ok {
			errs = append(errs, fmt.Errorf("rules[%d] %s: unknown type %q", i, code, spec.Type))
			continue
		}
		active := true
		if spec.Active != nil {
			active = *spec.Active
		}
		rules = append(rules, domain.Rule{
			Code:          code,
			Name:          spec.Name,
			Description:   spec.Description,
			Type:          typ,
			Severity:      spec.Severity,
			Priority:      spec.Priority,
			IsActive:      active,
			EffectiveFrom: utc(spec.EffectiveFrom),
			EffectiveTo:   utc(spec.EffectiveTo),
			MinValue:      spec.MinValue,
			MaxValue:      spec.MaxValue,
			DaysToExpiry:  spec.DaysToExpiry,
			AssetTypes:    spec.AssetTypes,
			PolicyTypes:   spec.PolicyTypes,
			Expression:    spec.Expression,
		})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return rules, nil
}

func LoadRules(path string) ([]domain.Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rules, err := ParseRules(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// ParseAssets decodes an asset seed for tenantID. Policies nest under their asset.
// Assets are stamped with createdAt when the store has not seen them before.
func ParseAssets(r io.Reader, tenantID string, createdAt time.Time) (Seed, error) {
	var doc AssetSeed
	if err := decode(r, &doc); err != nil {
		return Seed{}, err
	}
	var errs []error
	var seed Seed
	seen := map[string]bool{}
	for i, a := range doc.Assets {
		if a.ID == "" || a.AssetTag == "" {
			errs = append(errs, fmt.Errorf("assets[%d]: id and asset_tag are required", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("assets[%d]: duplicate id %q", i, a.ID))
			continue
		}
		seen[a.ID] = true
		status := a.Status
		if status == "" {
			status = "Active"
		}
		seed.Assets = append(seed.Assets, domain.Asset{
			ID:                 a.ID,
			TenantID:           tenantID,
			AssetTag:           a.AssetTag,
			AssetType:          a.AssetType,
			Make:               a.Make,
			Model:              a.Model,
			Year:               a.Year,
			SerialNumber:       a.SerialNumber,
			VIN:                a.VIN,
			Status:             status,
			InsuredValue:       a.InsuredValue,
			PurchaseDate:       utc(a.PurchaseDate),
			LastInspectionDate: utc(a.LastInspectionDate),
			ComplianceStatus:   domain.StatusPending,
			CreatedAt:          createdAt,
		})
		for j, p := range a.Policies {
			if p.ID == "" || p.PolicyNumber == "" {
				errs = append(errs, fmt.Errorf("assets[%d].policies[%d]: id and policy_number are required", i, j))
				continue
			}
			if p.StartDate.IsZero() || p.EndDate.IsZero() {
				errs = append(errs, fmt.Errorf("assets[%d].policies[%d]: start_date and end_date are required", i, j))
				continue
			}
			if p.EndDate.Before(p.StartDate) {
				errs = append(errs, fmt.Errorf("assets[%d].policies[%d]: end_date precedes start_date", i, j))
				continue
			}
			status := p.Status
			if status == "" {
				status = domain.PolicyStatusActive
			}
			seed.Policies = append(seed.Policies, domain.Policy{
				ID:            p.ID,
				TenantID:      tenantID,
				AssetID:       a.ID,
				PolicyNumber:  p.PolicyNumber,
				PolicyType:    p.PolicyType,
				Status:        status,
				PaymentStatus: p.PaymentStatus,
				StartDate:     p.StartDate.UTC(),
				EndDate:       p.EndDate.UTC(),
			})
		}
	}
	if err := errors.Join(errs...); err != nil {
		return Seed{}, err
	}
	return seed, nil
}

func LoadAssets(path, tenantID string, createdAt time.Time) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, err
	}
	seed, err := ParseAssets(bytes.NewReader(data), tenantID, createdAt)
	if err != nil {
		return Seed{}, fmt.Errorf("%s: %w", path, err)
	}
	return seed, nil
}

func decode(r io.Reader, v any) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid yaml: %w", err)
	}
	return nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
