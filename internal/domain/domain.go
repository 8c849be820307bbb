package domain

import (
	"strings"
	"time"
)

// RuleType is the closed set of rule kinds the evaluator knows how to run.
type RuleType string

const (
	RuleTypePolicy        RuleType = "Policy"
	RuleTypePayment       RuleType = "Payment"
	RuleTypeInspection    RuleType = "Inspection"
	RuleTypeDocumentation RuleType = "Documentation"
	RuleTypeCustom        RuleType = "Custom"
)

// RuleTypes lists every RuleType in declaration order.
var RuleTypes = []RuleType{RuleTypePolicy, RuleTypePayment, RuleTypeInspection, RuleTypeDocumentation, RuleTypeCustom}

// ParseRuleType matches s case-insensitively against the known rule types.
func ParseRuleType(s string) (RuleType, bool) {
	for _, t := range RuleTypes {
		if strings.EqualFold(string(t), strings.TrimSpace(s)) {
			return t, true
		}
	}
	return "", false
}

type ComplianceStatus string

const (
	StatusCompliant    ComplianceStatus = "Compliant"
	StatusWarning      ComplianceStatus = "Warning"
	StatusNonCompliant ComplianceStatus = "Non-Compliant"
	StatusPending      ComplianceStatus = "Pending"
)

type AlertStatus string

const (
	AlertNew          AlertStatus = "New"
	AlertAcknowledged AlertStatus = "Acknowledged"
	AlertResolved     AlertStatus = "Resolved"
	AlertIgnored      AlertStatus = "Ignored"
	AlertExpired      AlertStatus = "Expired"
)

// Open reports whether the alert still needs attention.
func (s AlertStatus) Open() bool {
	return s == AlertNew || s == AlertAcknowledged
}

// Terminal reports whether no further transition is allowed.
func (s AlertStatus) Terminal() bool {
	return s == AlertResolved || s == AlertIgnored || s == AlertExpired
}

type Rule struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id" validate:"required"`
	Code          string     `json:"code" validate:"required,max=64"`
	Name          string     `json:"name" validate:"required,max=200"`
	Description   string     `json:"description,omitempty"`
	Type          RuleType   `json:"type" enum:"Policy,Payment,Inspection,Documentation,Custom" validate:"required,oneof=Policy Payment Inspection Documentation Custom"`
	Severity      int        `json:"severity" minimum:"1" maximum:"5" validate:"min=1,max=5"`
	Priority      int        `json:"priority" validate:"min=0"`
	IsActive      bool       `json:"is_active"`
	EffectiveFrom *time.Time `json:"effective_from,omitempty"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
	MinValue      *float64   `json:"min_value,omitempty" validate:"omitempty,gte=0"`
	MaxValue      *float64   `json:"max_value,omitempty" validate:"omitempty,gte=0"`
	DaysToExpiry  *int       `json:"days_to_expiry,omitempty" validate:"omitempty,gte=0"`
	AssetTypes    []string   `json:"asset_types,omitempty" validate:"dive,required"`
	PolicyTypes   []string   `json:"policy_types,omitempty" validate:"dive,required"`
	Expression    string     `json:"expression,omitempty" validate:"max=4000"`
	CreatedAt     time.Time  `json:"created_at"`
	CreatedBy     string     `json:"created_by"`
	UpdatedAt     time.Time  `json:"updated_at"`
	UpdatedBy     string     `json:"updated_by,omitempty"`
}

// ActiveAt reports whether the rule is switched on and inside its effective window at t.
func (r Rule) ActiveAt(t time.Time) bool {
	if !r.IsActive {
		return false
	}
	if r.EffectiveFrom != nil && r.EffectiveFrom.After(t) {
		return false
	}
	if r.EffectiveTo != nil && r.EffectiveTo.Before(t) {
		return false
	}
	return true
}

// Asset is the read-only view of an insured asset owned by the asset-management side.
type Asset struct {
	ID                 string           `json:"id"`
	TenantID           string           `json:"tenant_id"`
	AssetTag           string           `json:"asset_tag"`
	AssetType          string           `json:"asset_type,omitempty"`
	Make               string           `json:"make,omitempty"`
	Model              string           `json:"model,omitempty"`
	Year               int              `json:"year,omitempty"`
	SerialNumber       string           `json:"serial_number,omitempty"`
	VIN                string           `json:"vin,omitempty"`
	Status             string           `json:"status"`
	InsuredValue       *float64         `json:"insured_value,omitempty"`
	PurchaseDate       *time.Time       `json:"purchase_date,omitempty"`
	LastInspectionDate *time.Time       `json:"last_inspection_date,omitempty"`
	ComplianceStatus   ComplianceStatus `json:"compliance_status"`
	ComplianceScore    *int             `json:"compliance_score,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

const AssetStatusDeleted = "Deleted"

type Policy struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	AssetID       string    `json:"asset_id"`
	PolicyNumber  string    `json:"policy_number"`
	PolicyType    string    `json:"policy_type"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"payment_status,omitempty"`
	StartDate     time.Time `json:"start_date"`
	EndDate       time.Time `json:"end_date"`
}

const (
	PolicyStatusActive   = "Active"
	PaymentStatusOverdue = "Overdue"
)

// Finding is the per-rule outcome of one check.
type Finding struct {
	RuleID         string   `json:"rule_id"`
	RuleCode       string   `json:"rule_code"`
	RuleName       string   `json:"rule_name"`
	RuleType       RuleType `json:"rule_type"`
	Severity       int      `json:"severity"`
	Compliant      bool     `json:"compliant"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation,omitempty"`
	Error          string   `json:"error,omitempty"`
}

type CheckResult struct {
	Score    int              `json:"score"`
	Status   ComplianceStatus `json:"status"`
	Findings []Finding        `json:"findings"`
}

// Check is one persisted evaluation run for one asset.
type Check struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenant_id"`
	AssetID     string           `json:"asset_id"`
	Score       int              `json:"score"`
	Status      ComplianceStatus `json:"status"`
	Findings    []Finding        `json:"findings"`
	CheckedAt   time.Time        `json:"checked_at"`
	NextCheckAt time.Time        `json:"next_check_at"`
	CheckedBy   string           `json:"checked_by"`
	IsAutomatic bool             `json:"is_automatic"`
	DurationMS  int64            `json:"duration_ms"`
	Error       string           `json:"error,omitempty"`
}

type Alert struct {
	ID              string      `json:"id"`
	TenantID        string      `json:"tenant_id"`
	AssetID         string      `json:"asset_id"`
	RuleID          string      `json:"rule_id"`
	CheckID         string      `json:"check_id"`
	ParentAlertID   *string     `json:"parent_alert_id,omitempty"`
	Type            RuleType    `json:"type"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	Severity        int         `json:"severity"`
	Status          AlertStatus `json:"status" enum:"New,Acknowledged,Resolved,Ignored,Expired"`
	RequiresAction  bool        `json:"requires_action"`
	DueDate         *time.Time  `json:"due_date,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	AcknowledgedAt  *time.Time  `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  string      `json:"acknowledged_by,omitempty"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty"`
	ResolvedBy      string      `json:"resolved_by,omitempty"`
	ResolutionNotes string      `json:"resolution_notes,omitempty"`
}

// HistoryEntry is an immutable record of a compliance transition.
type HistoryEntry struct {
	ID          int64            `json:"id"`
	TenantID    string           `json:"tenant_id"`
	AssetID     string           `json:"asset_id"`
	FromStatus  ComplianceStatus `json:"from_status"`
	ToStatus    ComplianceStatus `json:"to_status"`
	FromScore   *int             `json:"from_score,omitempty"`
	ToScore     int              `json:"to_score"`
	ChangedAt   time.Time        `json:"changed_at"`
	Reason      string           `json:"reason"`
	TriggeredBy string           `json:"triggered_by"`
	CheckID     string           `json:"check_id,omitempty"`
	AlertID     string           `json:"alert_id,omitempty"`
}

type StatusCount struct {
	Compliant    int `json:"compliant"`
	Warning      int `json:"warning"`
	NonCompliant int `json:"non_compliant"`
	Pending      int `json:"pending"`
}

// Add increments the bucket for s.
func (c *StatusCount) Add(s ComplianceStatus) {
	switch s {
	case StatusCompliant:
		c.Compliant++
	case StatusWarning:
		c.Warning++
	case StatusNonCompliant:
		c.NonCompliant++
	default:
		c.Pending++
	}
}

type TrendPoint struct {
	Date string `json:"date"`
	StatusCount
}

type TopIssue struct {
	Title    string `json:"title"`
	Count    int    `json:"count"`
	Severity int    `json:"severity"`
}

// Snapshot is an immutable tenant-wide aggregate at a point in time.
type Snapshot struct {
	ID                    string         `json:"id"`
	TenantID              string         `json:"tenant_id"`
	GeneratedAt           time.Time      `json:"generated_at"`
	TotalAssets           int            `json:"total_assets"`
	ByStatus              StatusCount    `json:"by_status"`
	BySeverity            map[int]int    `json:"by_severity"`
	OverallComplianceRate float64        `json:"overall_compliance_rate"`
	ActiveAlerts          int            `json:"active_alerts"`
	OverdueActions        int            `json:"overdue_actions"`
	AssetTypeBreakdown    map[string]int `json:"asset_type_breakdown"`
	Trend                 []TrendPoint   `json:"trend"`
	TopIssues             []TopIssue     `json:"top_issues"`
}
