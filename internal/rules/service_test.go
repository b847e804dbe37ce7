package rules

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fiducia-app/fiducia/internal/shared"
)

type memoryRuleRepo struct {
	rules  map[int64]Rule
	nextID int64
}

func newMemoryRuleRepo() *memoryRuleRepo {
	return &memoryRuleRepo{rules: make(map[int64]Rule)}
}

func (r *memoryRuleRepo) ListActive(ctx context.Context, tenantID int64, operationType string) ([]Rule, error) {
	var out []Rule
	for _, rule := range r.rules {
		if rule.TenantID == tenantID && rule.OperationType == operationType && rule.Active {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ordre != out[j].Ordre {
			return out[i].Ordre < out[j].Ordre
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *memoryRuleRepo) List(ctx context.Context, tenantID int64, operationType string) ([]Rule, error) {
	var out []Rule
	for _, rule := range r.rules {
		if rule.TenantID == tenantID && (operationType == "" || rule.OperationType == operationType) {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRuleRepo) Create(ctx context.Context, rule Rule) (Rule, error) {
	r.nextID++
	rule.ID = r.nextID
	maxOrdre := 0
	for _, existing := range r.rules {
		if existing.TenantID == rule.TenantID && existing.OperationType == rule.OperationType && existing.Ordre > maxOrdre {
			maxOrdre = existing.Ordre
		}
	}
	rule.Ordre = maxOrdre + 1
	r.rules[rule.ID] = rule
	return rule, nil
}

func (r *memoryRuleRepo) Update(ctx context.Context, rule Rule) error {
	existing, ok := r.rules[rule.ID]
	if !ok {
		return shared.ErrNotFound
	}
	existing.Active = rule.Active
	existing.DebitAccountID = rule.DebitAccountID
	existing.CreditAccountID = rule.CreditAccountID
	existing.Conditions = rule.Conditions
	r.rules[rule.ID] = existing
	return nil
}

func (r *memoryRuleRepo) Deactivate(ctx context.Context, tenantID, id int64) error {
	rule, ok := r.rules[id]
	if !ok || rule.TenantID != tenantID {
		return shared.ErrNotFound
	}
	rule.Active = false
	r.rules[id] = rule
	return nil
}

func (r *memoryRuleRepo) Reorder(ctx context.Context, tenantID int64, operationType string, orderedIDs []int64) error {
	for idx, id := range orderedIDs {
		rule, ok := r.rules[id]
		if !ok {
			return shared.ErrNotFound
		}
		rule.Ordre = idx + 1
		r.rules[id] = rule
	}
	return nil
}

func seedRules(t *testing.T, svc *Service) (Rule, Rule) {
	t.Helper()
	ctx := context.Background()
	big, err := svc.Create(ctx, Rule{
		TenantID:        1,
		OperationType:   "engagement",
		Active:          true,
		DebitAccountID:  60,
		CreditAccountID: 40,
		Conditions:      []Condition{{Field: "amount", Operator: OpGreaterOrEqual, Value: 100_000.0}},
	})
	require.NoError(t, err)
	catchAll, err := svc.Create(ctx, Rule{
		TenantID:        1,
		OperationType:   "engagement",
		Active:          true,
		DebitAccountID:  61,
		CreditAccountID: 41,
	})
	require.NoError(t, err)
	return big, catchAll
}

func TestResolveFirstMatchWins(t *testing.T) {
	svc := NewService(newMemoryRuleRepo())
	big, catchAll := seedRules(t, svc)

	match, err := svc.Resolve(context.Background(), 1, "engagement", Snapshot{"amount": 500_000.0})
	require.NoError(t, err)
	require.Equal(t, big.ID, match.RuleID)
	require.Equal(t, int64(60), match.DebitAccountID)
	require.Equal(t, int64(40), match.CreditAccountID)

	match, err = svc.Resolve(context.Background(), 1, "engagement", Snapshot{"amount": 50.0})
	require.NoError(t, err)
	require.Equal(t, catchAll.ID, match.RuleID)
}

func TestResolveIsDeterministic(t *testing.T) {
	svc := NewService(newMemoryRuleRepo())
	seedRules(t, svc)
	snap := Snapshot{"amount": 100_000.0}
	first, err := svc.Resolve(context.Background(), 1, "engagement", snap)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := svc.Resolve(context.Background(), 1, "engagement", snap)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestResolveNoMatchFails(t *testing.T) {
	repo := newMemoryRuleRepo()
	svc := NewService(repo)
	_, err := svc.Create(context.Background(), Rule{
		TenantID:        1,
		OperationType:   "payment",
		Active:          true,
		DebitAccountID:  40,
		CreditAccountID: 512,
		Conditions:      []Condition{{Field: "mode", Operator: OpEqual, Value: "cheque"}},
	})
	require.NoError(t, err)

	_, err = svc.Resolve(context.Background(), 1, "payment", Snapshot{"mode": "virement"})
	var ruleErr *shared.RuleMatchError
	require.ErrorAs(t, err, &ruleErr)
	require.Equal(t, "payment", ruleErr.OperationType)
}

func TestReorderChangesOutcome(t *testing.T) {
	repo := newMemoryRuleRepo()
	svc := NewService(repo)
	big, catchAll := seedRules(t, svc)

	require.NoError(t, svc.Reorder(context.Background(), 1, "engagement", []int64{catchAll.ID, big.ID}))

	match, err := svc.Resolve(context.Background(), 1, "engagement", Snapshot{"amount": 500_000.0})
	require.NoError(t, err)
	require.Equal(t, catchAll.ID, match.RuleID)
}

func TestCreateRejectsUnknownOperator(t *testing.T) {
	svc := NewService(newMemoryRuleRepo())
	_, err := svc.Create(context.Background(), Rule{
		TenantID:        1,
		OperationType:   "engagement",
		DebitAccountID:  60,
		CreditAccountID: 40,
		Conditions:      []Condition{{Field: "amount", Operator: Operator("matches"), Value: "x"}},
	})
	var validation *shared.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestDeactivateRemovesRuleFromResolution(t *testing.T) {
	svc := NewService(newMemoryRuleRepo())
	big, catchAll := seedRules(t, svc)

	require.NoError(t, svc.Deactivate(context.Background(), 1, big.ID))

	match, err := svc.Resolve(context.Background(), 1, "engagement", Snapshot{"amount": 500_000.0})
	require.NoError(t, err)
	require.Equal(t, catchAll.ID, match.RuleID)

	require.ErrorIs(t, svc.Deactivate(context.Background(), 1, 9999), shared.ErrNotFound)
}
