package deflate

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/dargueta/flatpack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexAll(t *testing.T, mf *MatchFinder, from, to int) {
	for pos := from; pos < to; pos++ {
		require.NoError(t, mf.AddPosition(pos))
	}
}

func TestFindLongestMatch(t *testing.T) {
	window := []byte("abcdefgh__abcdefxy__abcdefgh")
	mf := NewMatchFinder(len(window), DefaultMaxChainLength)
	require.NoError(t, mf.IndexChunk(window, 0))
	indexAll(t, mf, 0, 20)

	length, distance := mf.FindLongestMatch(20, len(window))
	assert.Equal(t, 8, length)
	assert.Equal(t, 20, distance)

	// Capping the end shortens the match, and then the closer candidate wins.
	length, distance = mf.FindLongestMatch(20, 26)
	assert.Equal(t, 6, length)
	assert.Equal(t, 10, distance)
}

func TestFindLongestMatchTooShort(t *testing.T) {
	window := []byte("abxxabyy")
	mf := NewMatchFinder(len(window), DefaultMaxChainLength)
	require.NoError(t, mf.IndexChunk(window, 0))
	indexAll(t, mf, 0, 4)

	length, distance := mf.FindLongestMatch(4, len(window))
	assert.Equal(t, 0, length)
	assert.Equal(t, 0, distance)
}

func TestFindLongestMatchOverlapping(t *testing.T) {
	window := make([]byte, 300)
	for i := range window {
		window[i] = 'z'
	}
	mf := NewMatchFinder(len(window), DefaultMaxChainLength)
	require.NoError(t, mf.IndexChunk(window, 0))
	require.NoError(t, mf.AddPosition(0))

	length, distance := mf.FindLongestMatch(1, len(window))
	assert.Equal(t, MaxMatchLength, length)
	assert.Equal(t, 1, distance)
}

func TestMatchFinderNeverExceedsWindow(t *testing.T) {
	window := make([]byte, WindowSize+100)
	copy(window, "needle")
	copy(window[WindowSize+10:], "needle")

	mf := NewMatchFinder(len(window), DefaultMaxChainLength)
	require.NoError(t, mf.IndexChunk(window, 0))
	require.NoError(t, mf.AddPosition(0))

	length, _ := mf.FindLongestMatch(WindowSize+10, len(window))
	assert.Equal(t, 0, length, "candidate is more than a window behind")
	assert.Equal(t, 0, mf.pool.live(), "out-of-range node should have been evicted")
}

func TestMatchFinderChunkShift(t *testing.T) {
	first := []byte("0123456789hello world")
	mf := NewMatchFinder(64, DefaultMaxChainLength)
	require.NoError(t, mf.IndexChunk(first, 0))
	indexAll(t, mf, 0, len(first)-1)

	// Keep "hello world" and add a new chunk that repeats it.
	second := append([]byte("hello world"), []byte(" and hello world")...)
	require.NoError(t, mf.IndexChunk(second, 11))

	length, distance := mf.FindLongestMatch(16, len(second))
	assert.Equal(t, 11, length)
	assert.Equal(t, 16, distance)

	// Everything before the retained history was dropped.
	assert.Equal(t, 10, mf.pool.live())
}

func TestMatchFinderDropsOldGenerations(t *testing.T) {
	mf := NewMatchFinder(64, DefaultMaxChainLength)
	window := []byte("abcdefgh")
	require.NoError(t, mf.IndexChunk(window, 0))
	indexAll(t, mf, 0, len(window)-1)

	// Retain everything twice over; the first generation ages out anyway.
	require.NoError(t, mf.IndexChunk(window, len(window)))
	assert.Equal(t, 7, mf.pool.live())
	require.NoError(t, mf.IndexChunk(window, len(window)))
	assert.Equal(t, 0, mf.pool.live())
}

func TestMatchFinderExhaustion(t *testing.T) {
	window := []byte("abcdefghij")
	mf := NewMatchFinder(4, DefaultMaxChainLength)
	require.NoError(t, mf.IndexChunk(window, 0))
	indexAll(t, mf, 0, 4)

	err := mf.AddPosition(4)
	assert.ErrorIs(t, err, flatpack.ErrResourceExhausted)
}

func TestMatchFinderMaxChainLength(t *testing.T) {
	// The best match is the oldest candidate, which a chain limit of 1 can't
	// reach.
	window := []byte("abcdef_abc_abc_abcdef")
	mf := NewMatchFinder(len(window), 1)
	require.NoError(t, mf.IndexChunk(window, 0))
	for _, pos := range []int{0, 7, 11} {
		require.NoError(t, mf.AddPosition(pos))
	}

	length, distance := mf.FindLongestMatch(15, len(window))
	assert.Equal(t, 3, length)
	assert.Equal(t, 4, distance)
}

// checkChains verifies that every chain links only allocated nodes in both
// directions, and that the chains hold every allocated node.
func checkChains(t *testing.T, mf *MatchFinder) {
	linked := 0
	for bucket, head := range mf.heads {
		newer := nilNode
		for id := head; id != nilNode; id = mf.pool.nodes[id].older {
			node := mf.pool.nodes[id]
			require.True(t, mf.pool.isAllocated(id), "node %d in bucket %#04x is free", id, bucket)
			require.Equal(t, newer, node.newer, "node %d has the wrong newer link", id)
			require.EqualValues(t, bucket, node.bucket)
			newer = id
			linked++
		}
	}
	require.Equal(t, mf.pool.live(), linked, "allocated nodes missing from chains")
}

func TestMatchFinderSweepUnlinksStaleNodes(t *testing.T) {
	window := make([]byte, WindowSize+100)
	copy(window, "ab")
	copy(window[10:], "ab")
	copy(window[20:], "cd")
	copy(window[WindowSize+15:], "xy")

	mf := NewMatchFinder(3, DefaultMaxChainLength)
	require.NoError(t, mf.IndexChunk(window, 0))
	for _, pos := range []int{0, 10, 20} {
		require.NoError(t, mf.AddPosition(pos))
	}
	checkChains(t, mf)

	// The pool is full, so adding this sweeps out positions 0 and 10 but not 20.
	require.NoError(t, mf.AddPosition(WindowSize+15))
	checkChains(t, mf)
	assert.Equal(t, 2, mf.pool.live())
	assert.Equal(t, nilNode, mf.heads[bucketKey(window, 0)])
	assert.NotEqual(t, nilNode, mf.heads[bucketKey(window, 20)])
}

func TestUnlinkFromMiddleOfChain(t *testing.T) {
	window := []byte("abcx_abcy_abcz_abcy")
	mf := NewMatchFinder(len(window), DefaultMaxChainLength)
	require.NoError(t, mf.IndexChunk(window, 0))
	for _, pos := range []int{0, 5, 10} {
		require.NoError(t, mf.AddPosition(pos))
	}

	length, distance := mf.FindLongestMatch(15, len(window))
	assert.Equal(t, 4, length)
	assert.Equal(t, 10, distance)

	middle := mf.pool.nodes[mf.heads[bucketKey(window, 0)]].older
	require.EqualValues(t, 5, mf.pool.nodes[middle].position)
	mf.unlink(middle)
	assert.False(t, mf.pool.isAllocated(middle))
	checkChains(t, mf)

	// Only "abc" matches are left, and the closest one wins.
	length, distance = mf.FindLongestMatch(15, len(window))
	assert.Equal(t, 3, length)
	assert.Equal(t, 5, distance)
}

func TestMatchesAreSoundOnRandomInput(t *testing.T) {
	for seed := int64(1); seed <= 3; seed++ {
		rng := rand.New(rand.NewSource(seed))
		window := make([]byte, 2*WindowSize+5000)
		for i := range window {
			window[i] = "abc"[rng.Intn(3)]
		}

		// Fewer nodes than positions, so sweeps happen along the way.
		mf := NewMatchFinder(WindowSize+4000, 32)
		require.NoError(t, mf.IndexChunk(window, 0))
		for pos := 0; pos < len(window); pos++ {
			end := len(window) - rng.Intn(8)
			length, distance := mf.FindLongestMatch(pos, end)
			if length != 0 {
				require.GreaterOrEqual(t, length, MinMatchLength)
				require.LessOrEqual(t, length, MaxMatchLength)
				require.GreaterOrEqual(t, distance, 1)
				require.LessOrEqual(t, distance, WindowSize)
				require.LessOrEqual(t, pos+length, end)
				require.True(
					t,
					bytes.Equal(window[pos-distance:pos-distance+length], window[pos:pos+length]),
					"seed %d: match at %d (len=%d, dist=%d) doesn't match",
					seed, pos, length, distance)
			}
			require.NoError(t, mf.AddPosition(pos))
		}
		checkChains(t, mf)
	}
}
