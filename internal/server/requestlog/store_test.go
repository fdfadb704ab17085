package requestlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestStoreRingBuffer(t *testing.T) {
	store := NewStore(3)

	for _, id := range []string{"1", "2", "3", "4"} {
		store.Add(Entry{ID: id, Method: "GET"})
	}

	assert.Equal(t, 3, store.Count())
	result := store.List(FilterOptions{Limit: 10})
	assert.Equal(t, []string{"4", "3", "2"}, ids(result.Entries))
	assert.Equal(t, 3, result.Limit)
}

func TestStoreFilters(t *testing.T) {
	now := time.Now()
	store := NewStore(10)
	store.Add(Entry{ID: "1", Method: "GET", Host: "api.example.com", Status: 200, Timestamp: now.Add(-time.Hour)})
	store.Add(Entry{ID: "2", Method: "POST", Host: "api.example.com", Status: 404, Timestamp: now})
	store.Add(Entry{ID: "3", Method: "GET", Host: "cdn.example.com", Status: 502, Error: "connection refused", Timestamp: now})

	tests := []struct {
		name string
		opts FilterOptions
		want []string
	}{
		{name: "none", opts: FilterOptions{}, want: []string{"3", "2", "1"}},
		{name: "method", opts: FilterOptions{Method: "get"}, want: []string{"3", "1"}},
		{name: "host", opts: FilterOptions{Host: "api.example.com"}, want: []string{"2", "1"}},
		{name: "status range", opts: FilterOptions{MinStatus: 400, MaxStatus: 499}, want: []string{"2"}},
		{name: "failed", opts: FilterOptions{Failed: true}, want: []string{"3"}},
		{name: "since", opts: FilterOptions{Since: now.Add(-time.Minute)}, want: []string{"3", "2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := store.List(tt.opts)
			assert.Equal(t, tt.want, ids(result.Entries))
			assert.Equal(t, len(tt.want), result.Total)
		})
	}
}

func TestStorePagination(t *testing.T) {
	store := NewStore(10)
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		store.Add(Entry{ID: id})
	}

	page := store.List(FilterOptions{Limit: 2, Offset: 1})
	assert.Equal(t, []string{"4", "3"}, ids(page.Entries))
	assert.Equal(t, 5, page.Total)

	past := store.List(FilterOptions{Limit: 2, Offset: 10})
	assert.Empty(t, past.Entries)
}

func TestStoreClear(t *testing.T) {
	store := NewStore(2)
	store.Add(Entry{ID: "1"})
	store.Clear()

	require.Zero(t, store.Count())
	store.Add(Entry{ID: "2"})
	assert.Equal(t, []string{"2"}, ids(store.List(FilterOptions{}).Entries))
}
