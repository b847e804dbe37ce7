package accounts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fiducia-app/fiducia/internal/shared"
)

type memoryAccountRepo struct {
	accounts map[int64]Account
	nextID   int64
}

func newMemoryAccountRepo() *memoryAccountRepo {
	return &memoryAccountRepo{accounts: map[int64]Account{}, nextID: 1}
}

func (r *memoryAccountRepo) List(_ context.Context, tenantID int64) ([]Account, error) {
	var out []Account
	for _, a := range r.accounts {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memoryAccountRepo) Get(_ context.Context, tenantID, id int64) (Account, error) {
	a, ok := r.accounts[id]
	if !ok || a.TenantID != tenantID {
		return Account{}, shared.ErrNotFound
	}
	return a, nil
}

func (r *memoryAccountRepo) GetByCode(_ context.Context, tenantID int64, code string) (Account, error) {
	for _, a := range r.accounts {
		if a.TenantID == tenantID && a.Code == code {
			return a, nil
		}
	}
	return Account{}, shared.ErrNotFound
}

func (r *memoryAccountRepo) Create(_ context.Context, account Account) (Account, error) {
	account.ID = r.nextID
	account.IsActive = true
	r.nextID++
	r.accounts[account.ID] = account
	return account, nil
}

func TestCreateAccountValidatesNature(t *testing.T) {
	svc := NewService(newMemoryAccountRepo())

	_, err := svc.Create(context.Background(), Account{TenantID: 1, Code: "601", Name: "Achats", Nature: "SIDEWAYS"})
	var validation *shared.ValidationError
	require.ErrorAs(t, err, &validation)

	created, err := svc.Create(context.Background(), Account{TenantID: 1, Code: "601", Name: "Achats", Nature: NatureDebit})
	require.NoError(t, err)
	require.True(t, created.IsActive)
	require.NotZero(t, created.ID)
}

func TestCreateAccountChecksParent(t *testing.T) {
	repo := newMemoryAccountRepo()
	svc := NewService(repo)

	parent, err := svc.Create(context.Background(), Account{TenantID: 1, Code: "60", Name: "Achats", Nature: NatureDebit})
	require.NoError(t, err)

	child, err := svc.Create(context.Background(), Account{TenantID: 1, Code: "601", Name: "Fournitures", Nature: NatureDebit, ParentID: &parent.ID})
	require.NoError(t, err)
	require.Equal(t, parent.ID, *child.ParentID)

	missing := int64(999)
	_, err = svc.Create(context.Background(), Account{TenantID: 1, Code: "602", Name: "Autres", Nature: NatureDebit, ParentID: &missing})
	var validation *shared.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestGetByCodeScopedToTenant(t *testing.T) {
	svc := NewService(newMemoryAccountRepo())

	_, err := svc.Create(context.Background(), Account{TenantID: 1, Code: "401", Name: "Fournisseurs", Nature: NatureCredit})
	require.NoError(t, err)

	found, err := svc.GetByCode(context.Background(), 1, "401")
	require.NoError(t, err)
	require.Equal(t, "Fournisseurs", found.Name)

	_, err = svc.GetByCode(context.Background(), 2, "401")
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = svc.GetByCode(context.Background(), 1, "")
	var validation *shared.ValidationError
	require.ErrorAs(t, err, &validation)
}
