package sequence

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeForRollsOverByUTCDay(t *testing.T) {
	beforeMidnight := time.Date(2026, 3, 1, 23, 59, 59, 0, time.UTC)
	afterMidnight := time.Date(2026, 3, 2, 0, 0, 1, 0, time.UTC)

	s1 := ScopeFor("acme", "case", beforeMidnight)
	s2 := ScopeFor("acme", "case", afterMidnight)

	assert.Equal(t, "20260301", s1.Day)
	assert.Equal(t, "20260302", s2.Day)
	assert.NotEqual(t, s1.Key(), s2.Key())
}

func TestScopeForUsesUTC(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	local := time.Date(2026, 3, 1, 22, 0, 0, 0, est) // 03:00 UTC next day
	assert.Equal(t, "20260302", ScopeFor("acme", "case", local).Day)
}

func TestMemoryCounterStartsAtOne(t *testing.T) {
	c := NewMemoryCounter()
	scope := ScopeFor("acme", "case", time.Now())

	n, err := c.Next(context.Background(), scope)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = c.Next(context.Background(), scope)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestMemoryCounterScopesAreIndependent(t *testing.T) {
	c := NewMemoryCounter()
	now := time.Now()

	for i := 0; i < 5; i++ {
		_, err := c.Next(context.Background(), ScopeFor("acme", "case", now))
		require.NoError(t, err)
	}

	n, err := c.Next(context.Background(), ScopeFor("globex", "case", now))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "other tenants start their own sequence")

	n, err = c.Next(context.Background(), ScopeFor("acme", "invoice", now))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "other domains start their own sequence")
}

func TestMemoryCounterConcurrentNoDuplicates(t *testing.T) {
	c := NewMemoryCounter()
	scope := ScopeFor("acme", "case", time.Now())

	const workers = 50
	results := make([]int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := c.Next(context.Background(), scope)
			assert.NoError(t, err)
			results[i] = n
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, n := range results {
		assert.EqualValues(t, i+1, n, "values must be dense and duplicate-free")
	}
}

type allocMetricsRecorder struct {
	domains []string
}

func (m *allocMetricsRecorder) RecordSequenceAlloc(_ context.Context, domain string) {
	m.domains = append(m.domains, domain)
}

func TestInstrumentCountsSuccessfulAllocations(t *testing.T) {
	rec := &allocMetricsRecorder{}
	counter := Instrument(NewMemoryCounter(), rec)
	scope := ScopeFor("acme", "case", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	v, err := counter.Next(context.Background(), scope)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)
	assert.Equal(t, []string{"case"}, rec.domains)
}
