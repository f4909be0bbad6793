package globalstate

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"meridian/core/types"
	"meridian/storage"
)

func TestScratchMatchesDurableCommits(t *testing.T) {
	batches := []types.Effects{
		{writeBalance(balanceKey(1), 100), writeBalance(balanceKey(2), 50)},
		{{Key: balanceKey(1), Kind: types.TransformAddUInt, Delta: uint256.NewInt(25)}},
		{{Key: balanceKey(2), Kind: types.TransformPrune}},
	}

	durable := newTestState(t)
	durableRoot := durable.EmptyRoot()
	var err error
	for _, effects := range batches {
		durableRoot, err = durable.Commit(durableRoot, effects)
		require.NoError(t, err)
	}

	db := storage.NewMemDB()
	gs, err := NewGlobalState(db)
	require.NoError(t, err)
	scratch, err := gs.CreateScratch(gs.EmptyRoot())
	require.NoError(t, err)
	scratchRoot := gs.EmptyRoot()
	for _, effects := range batches {
		scratchRoot, err = scratch.Commit(scratchRoot, effects)
		require.NoError(t, err)
	}
	require.Equal(t, durableRoot, scratchRoot)

	// Nothing hit the database until the flush.
	reader, err := gs.Checkout(scratchRoot)
	require.NoError(t, err)
	require.Nil(t, reader)

	flushed, err := gs.WriteScratchToDB(scratch)
	require.NoError(t, err)
	require.Equal(t, scratchRoot, flushed)

	reader, err = gs.Checkout(scratchRoot)
	require.NoError(t, err)
	require.NotNil(t, reader)
	value, err := reader.Read(balanceKey(1))
	require.NoError(t, err)
	amount, _ := value.AsBalance()
	require.Equal(t, uint256.NewInt(125), amount)

	pruned, err := reader.Read(balanceKey(2))
	require.NoError(t, err)
	require.Nil(t, pruned)
}

func TestScratchIntermediateRootsStayReadable(t *testing.T) {
	gs := newTestState(t)
	base, err := gs.Commit(gs.EmptyRoot(), types.Effects{writeBalance(balanceKey(1), 10)})
	require.NoError(t, err)

	scratch, err := gs.CreateScratch(base)
	require.NoError(t, err)
	next, err := scratch.Commit(base, types.Effects{writeBalance(balanceKey(1), 20)})
	require.NoError(t, err)

	// The overlay serves its own head and falls back to durable state for
	// anything older.
	reader, err := scratch.Checkout(next)
	require.NoError(t, err)
	value, err := reader.Read(balanceKey(1))
	require.NoError(t, err)
	amount, _ := value.AsBalance()
	require.Equal(t, uint256.NewInt(20), amount)

	reader, err = scratch.Checkout(base)
	require.NoError(t, err)
	value, err = reader.Read(balanceKey(1))
	require.NoError(t, err)
	amount, _ = value.AsBalance()
	require.Equal(t, uint256.NewInt(10), amount)
}

func TestScratchRejectsStaleRoots(t *testing.T) {
	gs := newTestState(t)
	scratch, err := gs.CreateScratch(gs.EmptyRoot())
	require.NoError(t, err)
	base := gs.EmptyRoot()
	_, err = scratch.Commit(base, types.Effects{writeBalance(balanceKey(1), 1)})
	require.NoError(t, err)

	_, err = scratch.Commit(base, types.Effects{writeBalance(balanceKey(2), 1)})
	var notFound RootNotFoundError
	require.ErrorAs(t, err, &notFound)
}
