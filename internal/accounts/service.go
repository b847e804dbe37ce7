package accounts

import (
	"context"

	"github.com/fiducia-app/fiducia/internal/shared"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Create registers a new account. The parent, when given, must exist and
// belong to the same tenant.
func (s *Service) Create(ctx context.Context, account Account) (Account, error) {
	if account.Nature != NatureDebit && account.Nature != NatureCredit {
		return Account{}, shared.NewValidationError("nature", "must be DEBIT or CREDIT")
	}
	if account.ParentID != nil {
		if _, err := s.repo.Get(ctx, account.TenantID, *account.ParentID); err != nil {
			return Account{}, shared.NewValidationError("parent_id", "unknown parent account")
		}
	}
	return s.repo.Create(ctx, account)
}

func (s *Service) List(ctx context.Context, tenantID int64) ([]Account, error) {
	return s.repo.List(ctx, tenantID)
}

func (s *Service) Get(ctx context.Context, tenantID, id int64) (Account, error) {
	return s.repo.Get(ctx, tenantID, id)
}

func (s *Service) GetByCode(ctx context.Context, tenantID int64, code string) (Account, error) {
	if code == "" {
		return Account{}, shared.NewValidationError("code", "required")
	}
	return s.repo.GetByCode(ctx, tenantID, code)
}
