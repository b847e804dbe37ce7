package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	rows       []TimelineRow
	lastLimit  int
	lastOffset int
	lastFilter TimelineFilters
}

func (f *fakeRepo) Timeline(_ context.Context, _ int64, filters TimelineFilters, limit, offset int) ([]TimelineRow, error) {
	f.lastLimit = limit
	f.lastOffset = offset
	f.lastFilter = filters
	if offset >= len(f.rows) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.rows) {
		end = len(f.rows)
	}
	return f.rows[offset:end], nil
}

func makeRows(n int) []TimelineRow {
	rows := make([]TimelineRow, n)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range rows {
		rows[i] = TimelineRow{
			ID:         int64(n - i),
			Action:     "engagement.create",
			Entity:     "engagement",
			EntityID:   "1",
			OccurredAt: base.Add(-time.Duration(i) * time.Minute),
		}
	}
	return rows
}

func TestTimelineDefaultsAndNextPage(t *testing.T) {
	repo := &fakeRepo{rows: makeRows(25)}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), 1, TimelineFilters{})
	require.NoError(t, err)
	require.Len(t, result.Rows, 20)
	require.Equal(t, 1, result.Paging.Page)
	require.Equal(t, 20, result.Paging.PageSize)
	require.True(t, result.Paging.HasNext)
	require.Equal(t, 21, repo.lastLimit)

	result, err = svc.Timeline(context.Background(), 1, TimelineFilters{Page: 2})
	require.NoError(t, err)
	require.Len(t, result.Rows, 5)
	require.False(t, result.Paging.HasNext)
	require.Equal(t, 20, repo.lastOffset)
}

func TestTimelineClampsPageSize(t *testing.T) {
	repo := &fakeRepo{rows: makeRows(80)}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), 1, TimelineFilters{PageSize: 500})
	require.NoError(t, err)
	require.Len(t, result.Rows, 50)
	require.Equal(t, 50, result.Paging.PageSize)
	require.Equal(t, 51, repo.lastLimit)
}

func TestTimelinePassesFilters(t *testing.T) {
	repo := &fakeRepo{rows: makeRows(3)}
	svc := NewService(repo)

	filters := TimelineFilters{Entity: "payment", Action: "payment.cancel", ActorID: 7}
	_, err := svc.Timeline(context.Background(), 1, filters)
	require.NoError(t, err)
	require.Equal(t, "payment", repo.lastFilter.Entity)
	require.Equal(t, "payment.cancel", repo.lastFilter.Action)
	require.EqualValues(t, 7, repo.lastFilter.ActorID)
}
