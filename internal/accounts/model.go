// Package accounts holds the ledger account registry: the read-mostly
// catalog of chart-of-accounts nodes referenced by accounting rules and
// journal entries.
package accounts

import "time"

// Nature tells on which side an account normally increases.
type Nature string

const (
	NatureDebit  Nature = "DEBIT"
	NatureCredit Nature = "CREDIT"
)

// Account models a chart of accounts node.
type Account struct {
	ID        int64
	TenantID  int64
	Code      string
	Name      string
	Nature    Nature
	ParentID  *int64
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
