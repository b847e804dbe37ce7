package budget

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fiducia-app/fiducia/internal/shared"
)

// Repository serves read access to budget lines.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get loads one budget line.
func (r *Repository) Get(ctx context.Context, tenantID, lineID int64) (Line, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+lineColumns+` FROM budget_lines WHERE tenant_id=$1 AND id=$2`, tenantID, lineID)
	line, err := scanLine(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Line{}, shared.ErrNotFound
		}
		return Line{}, err
	}
	return line, nil
}

// List returns the lines of a fiscal period ordered by code.
func (r *Repository) List(ctx context.Context, tenantID, periodID int64) ([]Line, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lineColumns+` FROM budget_lines WHERE tenant_id=$1 AND period_id=$2 ORDER BY code`, tenantID, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
