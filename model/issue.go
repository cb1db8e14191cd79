package model

import "fmt"

// DeliveryPartner identifies the third-party courier that carried the order.
type DeliveryPartner string

const (
	PartnerDoorDash DeliveryPartner = "DoorDash"
	PartnerUberEats DeliveryPartner = "UberEats"
	PartnerGrubHub  DeliveryPartner = "GrubHub"
)

// Valid reports whether p is one of the known partners.
func (p DeliveryPartner) Valid() bool {
	switch p {
	case PartnerDoorDash, PartnerUberEats, PartnerGrubHub:
		return true
	}
	return false
}

// IssueType classifies what went wrong with an order.
type IssueType string

const (
	IssueMissingItem  IssueType = "missing_item"
	IssueLateDelivery IssueType = "late_delivery"
	IssueCancellation IssueType = "cancellation"
)

// Valid reports whether t is one of the known issue types.
func (t IssueType) Valid() bool {
	switch t {
	case IssueMissingItem, IssueLateDelivery, IssueCancellation:
		return true
	}
	return false
}

// IssueStatus is the lifecycle position of an issue. The lifecycle is
// ordered open → reviewed → action_taken → resolved.
type IssueStatus string

const (
	StatusOpen        IssueStatus = "open"
	StatusReviewed    IssueStatus = "reviewed"
	StatusActionTaken IssueStatus = "action_taken"
	StatusResolved    IssueStatus = "resolved"
)

// Valid reports whether s is one of the known statuses.
func (s IssueStatus) Valid() bool {
	return s.Rank() > 0
}

// Rank returns the 1-based lifecycle position of s, or 0 if s is unknown.
func (s IssueStatus) Rank() int {
	switch s {
	case StatusOpen:
		return 1
	case StatusReviewed:
		return 2
	case StatusActionTaken:
		return 3
	case StatusResolved:
		return 4
	}
	return 0
}

// ActionType is a resolution an operator can request for an issue.
type ActionType string

const (
	ActionFileChargeback ActionType = "file_chargeback"
	ActionDismiss        ActionType = "dismiss"
	ActionEscalate       ActionType = "escalate"
)

// AllActions lists every action in display order.
var AllActions = []ActionType{ActionFileChargeback, ActionDismiss, ActionEscalate}

// Valid reports whether a is one of the known actions.
func (a ActionType) Valid() bool {
	switch a {
	case ActionFileChargeback, ActionDismiss, ActionEscalate:
		return true
	}
	return false
}

// ParseActionType converts raw operator input into an ActionType.
func ParseActionType(s string) (ActionType, error) {
	a := ActionType(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown action %q (want one of file_chargeback, dismiss, escalate)", s)
	}
	return a, nil
}

// Outcome is what the backend recorded as the result of an action.
type Outcome string

const (
	OutcomeRecovered Outcome = "recovered"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeEscalated Outcome = "escalated"
)

// Store is reference data for a restaurant location.
type Store struct {
	StoreID string `json:"store_id"`
	Name    string `json:"name"`
	City    string `json:"city"`
}

// OrderIssue is a detected delivery problem tied to one order. OrderID is
// unique across all views.
type OrderIssue struct {
	OrderID         string          `json:"order_id"`
	StoreID         string          `json:"store_id"`
	DeliveryPartner DeliveryPartner `json:"delivery_partner"`
	IssueType       IssueType       `json:"issue_type"`
	DetectedAt      Timestamp       `json:"detected_at"`
	EstimatedCost   float64         `json:"estimated_cost"`
	Status          IssueStatus     `json:"status"`
	AIFlag          bool            `json:"ai_flag"`
	RecoveredAmount float64         `json:"recovered_amount"`
}

// Resolved reports whether the issue reached the terminal status.
func (i OrderIssue) Resolved() bool {
	return i.Status == StatusResolved
}

// AIInsight is the backend's diagnosis of one issue.
type AIInsight struct {
	OrderID           string  `json:"order_id"`
	RootCause         string  `json:"root_cause"`
	ConfidenceScore   float64 `json:"confidence_score"`
	RecommendedAction string  `json:"recommended_action"`
	ExpectedRecovery  float64 `json:"expected_recovery"`
}

// ResolutionAction is one append-only entry of an issue's resolution history.
type ResolutionAction struct {
	OrderID     string     `json:"order_id"`
	ActionTaken ActionType `json:"action_taken"`
	TakenAt     Timestamp  `json:"taken_at"`
	Outcome     Outcome    `json:"outcome"`
}

// IssueDetail is the full read model of a single issue.
type IssueDetail struct {
	Issue             OrderIssue         `json:"issue"`
	Store             Store              `json:"store"`
	Insight           *AIInsight         `json:"insight"`
	ResolutionHistory []ResolutionAction `json:"resolution_history"`
}

// AnalysisResponse is returned by the analyze operation.
type AnalysisResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	Insight *AIInsight `json:"insight"`
}

// ActionRequest is the body of the submit-action operation.
type ActionRequest struct {
	Action ActionType `json:"action"`
}

// ActionResponse is returned by the submit-action operation. It is a partial
// view of the consequences and is never used as the new source of truth.
type ActionResponse struct {
	Success      bool             `json:"success"`
	Message      string           `json:"message"`
	UpdatedIssue OrderIssue       `json:"updated_issue"`
	Resolution   ResolutionAction `json:"resolution"`
}
