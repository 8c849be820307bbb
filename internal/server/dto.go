package server

import (
	"time"

	"insurewatch/internal/domain"
)

// Request payloads

type RuleRequest struct {
	Code          string     `json:"code" maxLength:"64"`
	Name          string     `json:"name" maxLength:"200"`
	Description   string     `json:"description,omitempty"`
	Type          string     `json:"type" enum:"Policy,Payment,Inspection,Documentation,Custom"`
	Severity      int        `json:"severity" minimum:"1" maximum:"5"`
	Priority      int        `json:"priority,omitempty" minimum:"0"`
	IsActive      *bool      `json:"is_active,omitempty"`
	EffectiveFrom *time.Time `json:"effective_from,omitempty"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
	MinValue      *float64   `json:"min_value,omitempty"`
	MaxValue      *float64   `json:"max_value,omitempty"`
	DaysToExpiry  *int       `json:"days_to_expiry,omitempty"`
	AssetTypes    []string   `json:"asset_types,omitempty"`
	PolicyTypes   []string   `json:"policy_types,omitempty"`
	Expression    string     `json:"expression,omitempty"`
}

func (r RuleRequest) toDomain() domain.Rule {
	active := true
	if r.IsActive != nil {
		active = *r.IsActive
	}
	return domain.Rule{
		Code:          r.Code,
		Name:          r.Name,
		Description:   r.Description,
		Type:          domain.RuleType(r.Type),
		Severity:      r.Severity,
		Priority:      r.Priority,
		IsActive:      active,
		EffectiveFrom: r.EffectiveFrom,
		EffectiveTo:   r.EffectiveTo,
		MinValue:      r.MinValue,
		MaxValue:      r.MaxValue,
		DaysToExpiry:  r.DaysToExpiry,
		AssetTypes:    r.AssetTypes,
		PolicyTypes:   r.PolicyTypes,
		Expression:    r.Expression,
	}
}

type AlertNoteRequest struct {
	Notes string `json:"notes,omitempty" maxLength:"2000"`
}

// Response payloads

type RuleList struct {
	Items []domain.Rule `json:"items"`
}

type AssetList struct {
	Items []domain.Asset `json:"items"`
}

type AlertList struct {
	Items []domain.Alert `json:"items"`
}

type AssetHistoryResponse struct {
	AssetID string                `json:"asset_id"`
	Days    int                   `json:"days"`
	History []domain.HistoryEntry `json:"history"`
	Checks  []domain.Check        `json:"checks"`
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
