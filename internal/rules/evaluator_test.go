package rules

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvalConditionOperators(t *testing.T) {
	snap := Snapshot{
		"amount":           500_000.0,
		"label":            "Travaux voirie 2025",
		"budget_line_code": "2315",
		"urgent":           true,
	}

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq number", Condition{Field: "amount", Operator: OpEqual, Value: 500_000.0}, true},
		{"eq int against float", Condition{Field: "amount", Operator: OpEqual, Value: int64(500_000)}, true},
		{"ne", Condition{Field: "amount", Operator: OpNotEqual, Value: 1.0}, true},
		{"gt true", Condition{Field: "amount", Operator: OpGreaterThan, Value: 100_000.0}, true},
		{"gt false", Condition{Field: "amount", Operator: OpGreaterThan, Value: 500_000.0}, false},
		{"gte boundary", Condition{Field: "amount", Operator: OpGreaterOrEqual, Value: 500_000.0}, true},
		{"lt", Condition{Field: "amount", Operator: OpLessThan, Value: 600_000.0}, true},
		{"lte", Condition{Field: "amount", Operator: OpLessOrEqual, Value: 499_999.0}, false},
		{"contains", Condition{Field: "label", Operator: OpContains, Value: "voirie"}, true},
		{"starts_with", Condition{Field: "budget_line_code", Operator: OpStartsWith, Value: "23"}, true},
		{"starts_with miss", Condition{Field: "budget_line_code", Operator: OpStartsWith, Value: "60"}, false},
		{"bool eq", Condition{Field: "urgent", Operator: OpEqual, Value: true}, true},
		{"missing field", Condition{Field: "nope", Operator: OpEqual, Value: 1.0}, false},
		{"type mismatch relational", Condition{Field: "label", Operator: OpGreaterThan, Value: 10.0}, false},
		{"type mismatch contains", Condition{Field: "amount", Operator: OpContains, Value: "5"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, evalCondition(tc.cond, snap))
		})
	}
}

func TestMatchesIsConjunction(t *testing.T) {
	rule := Rule{Conditions: []Condition{
		{Field: "amount", Operator: OpGreaterThan, Value: 100.0},
		{Field: "budget_line_code", Operator: OpStartsWith, Value: "23"},
	}}
	require.True(t, matches(rule, Snapshot{"amount": 200.0, "budget_line_code": "2315"}))
	require.False(t, matches(rule, Snapshot{"amount": 200.0, "budget_line_code": "60"}))
}

func TestConditionlessRuleIsCatchAll(t *testing.T) {
	require.True(t, matches(Rule{}, Snapshot{}))
	require.True(t, matches(Rule{}, Snapshot{"anything": 1.0}))
}

func TestRuleValidateRejectsUnknownOperator(t *testing.T) {
	rule := Rule{
		OperationType:   "engagement",
		DebitAccountID:  1,
		CreditAccountID: 2,
		Conditions:      []Condition{{Field: "amount", Operator: Operator("regex"), Value: ".*"}},
	}
	require.Error(t, rule.Validate())

	rule.Conditions[0].Operator = OpContains
	require.NoError(t, rule.Validate())
}
