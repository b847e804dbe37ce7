package rules

import (
	"context"

	"github.com/fiducia-app/fiducia/internal/shared"
)

// RepositoryPort abstracts rule persistence for the service.
type RepositoryPort interface {
	ListActive(ctx context.Context, tenantID int64, operationType string) ([]Rule, error)
	List(ctx context.Context, tenantID int64, operationType string) ([]Rule, error)
	Create(ctx context.Context, rule Rule) (Rule, error)
	Update(ctx context.Context, rule Rule) error
	Deactivate(ctx context.Context, tenantID, id int64) error
	Reorder(ctx context.Context, tenantID int64, operationType string, orderedIDs []int64) error
}

// Service resolves events to account pairs and manages rule configuration.
type Service struct {
	repo RepositoryPort
}

// NewService constructs the rule service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// Resolve returns the account pair of the first active rule whose full
// condition set holds for the snapshot. First match wins; a conditionless
// rule acts as catch-all. No match aborts the caller's stage transition.
func (s *Service) Resolve(ctx context.Context, tenantID int64, operationType string, snap Snapshot) (Match, error) {
	ruleSet, err := s.repo.ListActive(ctx, tenantID, operationType)
	if err != nil {
		return Match{}, err
	}
	for _, rule := range ruleSet {
		if matches(rule, snap) {
			return Match{RuleID: rule.ID, DebitAccountID: rule.DebitAccountID, CreditAccountID: rule.CreditAccountID}, nil
		}
	}
	return Match{}, &shared.RuleMatchError{OperationType: operationType}
}

// Create validates and persists a rule appended to its group order.
func (s *Service) Create(ctx context.Context, rule Rule) (Rule, error) {
	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}
	return s.repo.Create(ctx, rule)
}

// Update validates and rewrites a rule.
func (s *Service) Update(ctx context.Context, rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	return s.repo.Update(ctx, rule)
}

// Deactivate removes a rule from evaluation without losing its
// configuration; history posted under its id keeps resolving.
func (s *Service) Deactivate(ctx context.Context, tenantID, id int64) error {
	return s.repo.Deactivate(ctx, tenantID, id)
}

// List exposes configured rules.
func (s *Service) List(ctx context.Context, tenantID int64, operationType string) ([]Rule, error) {
	return s.repo.List(ctx, tenantID, operationType)
}

// Reorder atomically rewrites evaluation order for an operation type.
func (s *Service) Reorder(ctx context.Context, tenantID int64, operationType string, orderedIDs []int64) error {
	if operationType == "" {
		return shared.NewValidationError("operation_type", "required")
	}
	return s.repo.Reorder(ctx, tenantID, operationType, orderedIDs)
}
