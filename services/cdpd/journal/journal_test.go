package journal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"stablevault/native/cdp"
)

func setupJournal(t *testing.T) (*Journal, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	j, err := New(db)
	require.NoError(t, err)
	return j, db
}

func TestEmitPersistsEventsInOrder(t *testing.T) {
	j, _ := setupJournal(t)
	ctx := context.Background()

	j.Emit([]cdp.Event{
		{Type: cdp.EventTypeCollateralDeposited, Attributes: map[string]string{"asset": "weth", "amount": "10"}},
		{Type: cdp.EventTypeDebtMinted, Attributes: map[string]string{"amount": "8000"}},
	})
	j.Emit([]cdp.Event{{Type: cdp.EventTypeDebtBurned, Attributes: map[string]string{"amount": "1"}}})
	j.Emit(nil)

	events, err := j.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, uint64(3), events[0].Sequence)
	require.Equal(t, cdp.EventTypeDebtBurned, events[0].Type)
	require.Equal(t, cdp.EventTypeCollateralDeposited, events[2].Type)
	require.Equal(t, "weth", events[2].Attributes["asset"])
	require.Equal(t, events[1].OperationID, events[2].OperationID)
	require.NotEqual(t, events[0].OperationID, events[1].OperationID)
}

func TestListEventsFilters(t *testing.T) {
	j, _ := setupJournal(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		j.Emit([]cdp.Event{{Type: cdp.EventTypeDebtMinted, Attributes: map[string]string{"i": fmt.Sprint(i)}}})
		j.Emit([]cdp.Event{{Type: cdp.EventTypeDebtBurned, Attributes: map[string]string{"i": fmt.Sprint(i)}}})
	}

	minted, err := j.ListEvents(ctx, EventFilter{Type: cdp.EventTypeDebtMinted, Limit: 2})
	require.NoError(t, err)
	require.Len(t, minted, 2)
	for _, ev := range minted {
		require.Equal(t, cdp.EventTypeDebtMinted, ev.Type)
	}
	require.Equal(t, "4", minted[0].Attributes["i"])

	older, err := j.ListEvents(ctx, EventFilter{Before: 3})
	require.NoError(t, err)
	require.Len(t, older, 2)
	require.Equal(t, uint64(2), older[0].Sequence)
}

func TestSequenceResumesAfterReopen(t *testing.T) {
	j, db := setupJournal(t)
	j.Emit([]cdp.Event{{Type: cdp.EventTypeLiquidated, Attributes: map[string]string{}}})

	reopened, err := New(db)
	require.NoError(t, err)
	reopened.Emit([]cdp.Event{{Type: cdp.EventTypeDebtMinted, Attributes: map[string]string{}}})

	events, err := reopened.ListEvents(context.Background(), EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, uint64(2), events[0].Sequence)
}

func TestOracleHistory(t *testing.T) {
	j, _ := setupJournal(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	_, err := j.LatestRound(ctx, "eth-usd")
	require.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, j.RecordSample(ctx, "eth-usd", "alpha", "2000", now))
	require.NoError(t, j.RecordSample(ctx, "eth-usd", "beta", "2002", now))
	count, err := j.SampleCount(ctx, "eth-usd")
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	require.NoError(t, j.RecordRound(ctx, Round{Feed: "eth-usd", RoundID: 1, Median: "2001", Answer: 200100000000, Feeders: []string{"alpha", "beta"}, UpdatedAt: now}))
	require.NoError(t, j.RecordRound(ctx, Round{Feed: "eth-usd", RoundID: 2, Median: "2005", Answer: 200500000000, Feeders: []string{"alpha"}, UpdatedAt: now.Add(time.Second)}))

	latest, err := j.LatestRound(ctx, "eth-usd")
	require.NoError(t, err)
	require.Equal(t, uint64(2), latest.RoundID)
	require.Equal(t, int64(200500000000), latest.Answer)
	require.Equal(t, []string{"alpha"}, latest.Feeders)
	require.True(t, latest.UpdatedAt.Equal(now.Add(time.Second)))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.Error(t, err)
}
