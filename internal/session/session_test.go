package session

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/eor-quoter/internal/gap"
)

func set(total float64) *gap.Set {
	s := gap.NewSet("alpha", "USD", total)
	s.Recompute()
	return s
}

func TestMostRecentRequestWins(t *testing.T) {
	var table Table
	key := Key{Session: NewID(), Provider: "alpha"}

	firstCtx, first := table.Begin(context.Background(), key)
	secondCtx, second := table.Begin(context.Background(), key)

	require.ErrorIs(t, firstCtx.Err(), context.Canceled, "older request is aborted")
	require.NoError(t, secondCtx.Err())
	assert.False(t, first.Current())
	assert.True(t, second.Current())

	assert.False(t, table.Commit(first, set(100)), "aborted request must not write")
	_, ok := table.Get(key)
	assert.False(t, ok)

	assert.True(t, table.Commit(second, set(200)))
	got, ok := table.Get(key)
	require.True(t, ok)
	assert.Equal(t, 200.0, got.Totals.FinalMonthlyTotal)

	table.Done(second)
	assert.ErrorIs(t, secondCtx.Err(), context.Canceled)
	got, ok = table.Get(key)
	require.True(t, ok, "Done keeps the committed result")
	assert.Equal(t, 200.0, got.Totals.FinalMonthlyTotal)
	assert.True(t, second.Current())

	thirdCtx, third := table.Begin(context.Background(), key)
	table.Done(first)
	assert.True(t, third.Current(), "releasing a stale ticket leaves the newest one alone")
	assert.NoError(t, thirdCtx.Err())
	assert.True(t, table.Commit(third, set(300)))
}

func TestKeysAreIndependent(t *testing.T) {
	var table Table
	session := NewID()

	aCtx, a := table.Begin(context.Background(), Key{Session: session, Provider: "a"})
	_, b := table.Begin(context.Background(), Key{Session: session, Provider: "b"})
	_, other := table.Begin(context.Background(), Key{Session: NewID(), Provider: "a"})

	require.NoError(t, aCtx.Err())
	assert.True(t, table.Commit(a, set(1)))
	assert.True(t, table.Commit(b, set(2)))
	assert.True(t, table.Commit(other, set(3)))

	got, ok := table.Get(Key{Session: session, Provider: "a"})
	require.True(t, ok)
	assert.Equal(t, 1.0, got.Totals.FinalMonthlyTotal)
}

func TestGetReturnsCopy(t *testing.T) {
	var table Table
	key := Key{Session: "s", Provider: "p"}
	_, tk := table.Begin(context.Background(), key)
	require.True(t, table.Commit(tk, set(10)))

	got, _ := table.Get(key)
	got.Warn("mutated")
	got.Items["x"] = gap.Item{MonthlyAmount: 1}

	again, _ := table.Get(key)
	assert.Empty(t, again.Warnings)
	assert.Empty(t, again.Items)
}

func TestForget(t *testing.T) {
	var table Table
	key := Key{Session: "s", Provider: "p"}
	ctx, tk := table.Begin(context.Background(), key)
	require.True(t, table.Commit(tk, set(10)))

	table.Forget("s")
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	_, ok := table.Get(key)
	assert.False(t, ok)
	assert.False(t, table.Commit(tk, set(11)))
}

func TestConcurrentBeginsLeaveOneWinner(t *testing.T) {
	var table Table
	key := Key{Session: "s", Provider: "p"}

	const n = 32
	tickets := make([]Ticket, n)
	contexts := make([]context.Context, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			contexts[i], tickets[i] = table.Begin(context.Background(), key)
		}(i)
	}
	wg.Wait()

	current := 0
	for i, tk := range tickets {
		if tk.Current() {
			current++
			assert.NoError(t, contexts[i].Err(), "newest request must keep running")
		} else {
			assert.ErrorIs(t, contexts[i].Err(), context.Canceled, "ticket "+strconv.Itoa(i))
		}
		table.Commit(tk, set(float64(i)))
	}
	assert.Equal(t, 1, current)

	got, ok := table.Get(key)
	require.True(t, ok)
	for i, tk := range tickets {
		if tk.Current() {
			assert.Equal(t, float64(i), got.Totals.FinalMonthlyTotal, "ticket "+strconv.Itoa(i))
		}
	}
}

func TestNewID(t *testing.T) {
	id := NewID()
	assert.True(t, ValidID(id))
	assert.NotEqual(t, id, NewID())
	assert.False(t, ValidID("not-a-session"))
}
