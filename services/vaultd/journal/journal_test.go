package journal

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"xusd/core/events"
	"xusd/core/types"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func TestEmitPersistsRenderedEvents(t *testing.T) {
	db := setupTestDB(t)
	j, err := New(db, nil)
	require.NoError(t, err)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	j.SetClock(func() time.Time { return fixed })

	account := common.HexToAddress("0x01")
	j.Emit(events.VaultMint{Account: account, Asset: "dai", Units: big.NewInt(5), Value: big.NewInt(5)})
	j.Emit(events.VaultPause{Module: "capital", Paused: true})

	records, err := j.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, events.TypeVaultPause, records[0].Type)
	require.Equal(t, int64(2), records[0].Seq)
	require.Equal(t, "paused", records[0].Attributes["state"])

	mint := records[1]
	require.Equal(t, events.TypeVaultMint, mint.Type)
	require.Equal(t, "DAI", mint.Attributes["asset"])
	require.Equal(t, account.Hex(), mint.Attributes["account"])
	require.True(t, mint.CreatedAt.Equal(fixed))
	_, err = uuid.Parse(mint.ID)
	require.NoError(t, err)
}

func TestListFilters(t *testing.T) {
	j, err := New(setupTestDB(t), nil)
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := j.Append(ctx, &types.Event{Type: "vault.rebase", Attributes: map[string]string{"n": fmt.Sprint(i)}})
		require.NoError(t, err)
		_, err = j.Append(ctx, &types.Event{Type: "vault.mint"})
		require.NoError(t, err)
	}

	rebases, err := j.List(ctx, Filter{Type: "vault.rebase", Limit: 2})
	require.NoError(t, err)
	require.Len(t, rebases, 2)
	require.Equal(t, "4", rebases[0].Attributes["n"])
	require.Equal(t, "3", rebases[1].Attributes["n"])

	tail, err := j.List(ctx, Filter{AfterSeq: 7})
	require.NoError(t, err)
	require.Len(t, tail, 3)
	require.Equal(t, int64(8), tail[0].Seq)
	require.Equal(t, int64(10), tail[2].Seq)
}

func TestSequenceResumesAfterReopen(t *testing.T) {
	db := setupTestDB(t)
	first, err := New(db, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := first.Append(context.Background(), &types.Event{Type: "vault.allocate"})
		require.NoError(t, err)
	}

	second, err := New(db, nil)
	require.NoError(t, err)
	require.Equal(t, int64(3), second.LastSeq())
	rec, err := second.Append(context.Background(), &types.Event{Type: "vault.allocate"})
	require.NoError(t, err)
	require.Equal(t, int64(4), rec.Seq)
	require.NotNil(t, rec.Attributes)
}

func TestAppendRejectsUntypedEvents(t *testing.T) {
	j, err := New(setupTestDB(t), nil)
	require.NoError(t, err)
	_, err = j.Append(context.Background(), &types.Event{})
	require.Error(t, err)
	_, err = j.Append(context.Background(), nil)
	require.Error(t, err)
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}
