// Package rules matches business events against configured accounting
// rules and resolves the debit/credit account pair to post. Rule
// definitions are configuration data; only the evaluator is code.
package rules

import (
	"time"

	"github.com/fiducia-app/fiducia/internal/shared"
)

// Operator is the closed set of condition operators. Unknown operators are
// rejected when a rule is saved, never at evaluation time.
type Operator string

const (
	OpEqual          Operator = "eq"
	OpNotEqual       Operator = "ne"
	OpGreaterThan    Operator = "gt"
	OpLessThan       Operator = "lt"
	OpGreaterOrEqual Operator = "gte"
	OpLessOrEqual    Operator = "lte"
	OpContains       Operator = "contains"
	OpStartsWith     Operator = "starts_with"
)

var knownOperators = map[Operator]bool{
	OpEqual:          true,
	OpNotEqual:       true,
	OpGreaterThan:    true,
	OpLessThan:       true,
	OpGreaterOrEqual: true,
	OpLessOrEqual:    true,
	OpContains:       true,
	OpStartsWith:     true,
}

// Condition compares one snapshot field against a configured value.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// Rule maps an operation type plus conditions to an account pair. Rules
// are evaluated in ascending Ordre; a rule with no conditions matches
// unconditionally and acts as a catch-all.
type Rule struct {
	ID              int64
	TenantID        int64
	OperationType   string
	Ordre           int
	Active          bool
	DebitAccountID  int64
	CreditAccountID int64
	Conditions      []Condition
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Match is the outcome of a successful resolution.
type Match struct {
	RuleID          int64
	DebitAccountID  int64
	CreditAccountID int64
}

// Validate rejects malformed rules at save time.
func (r Rule) Validate() error {
	if r.OperationType == "" {
		return shared.NewValidationError("operation_type", "required")
	}
	if r.DebitAccountID == 0 || r.CreditAccountID == 0 {
		return shared.NewValidationError("accounts", "debit and credit account required")
	}
	for _, c := range r.Conditions {
		if c.Field == "" {
			return shared.NewValidationError("conditions", "condition field required")
		}
		if !knownOperators[c.Operator] {
			return shared.NewValidationError("conditions", "unknown operator "+string(c.Operator))
		}
	}
	return nil
}
