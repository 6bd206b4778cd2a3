package deflate

import (
	"fmt"

	"github.com/dargueta/flatpack"
)

const numHashBuckets = 1 << 16

// DefaultMaxChainLength is how many candidates [MatchFinder.FindLongestMatch]
// examines before settling for the best one seen.
const DefaultMaxChainLength = 4096

// MatchFinder finds LZ77 back-references using hash chains keyed on the first
// two bytes of every indexed position.
//
// All positions are relative to the start of the window most recently passed
// to [MatchFinder.IndexChunk]. Chains are ordered newest first, so positions
// strictly decrease along a chain; once one node is too far away, every node
// after it is too.
type MatchFinder struct {
	heads          [numHashBuckets]nodeID
	pool           nodePool
	window         []byte
	generation     uint32
	maxChainLength int
	started        bool
}

// NewMatchFinder creates a match finder able to index up to `capacity`
// positions at once. It should be at least the size of the largest window that
// will be passed to [MatchFinder.IndexChunk]. A `maxChainLength` of 0 or less
// means chains are walked to the end.
func NewMatchFinder(capacity, maxChainLength int) *MatchFinder {
	mf := &MatchFinder{
		pool:           newNodePool(capacity),
		maxChainLength: maxChainLength,
	}
	mf.Reset()
	return mf
}

// Reset forgets every indexed position so the finder can be reused for a new
// stream.
func (mf *MatchFinder) Reset() {
	for i := range mf.heads {
		mf.heads[i] = nilNode
	}
	mf.pool.reset()
	mf.window = nil
	mf.generation = 0
	mf.started = false
}

func bucketKey(window []byte, pos int) uint16 {
	return uint16(window[pos])<<8 | uint16(window[pos+1])
}

// IndexChunk prepares the finder for a new chunk of input. `window` holds
// `retained` bytes of history from the end of the previous window, followed by
// the new chunk.
//
// Indexed positions are shifted to stay relative to the new window. Positions
// that fell out of the retained history are evicted, as is anything indexed
// more than one chunk ago.
func (mf *MatchFinder) IndexChunk(window []byte, retained int) error {
	if !mf.started {
		mf.started = true
		mf.window = window
		return nil
	}
	if retained < 0 || retained > len(mf.window) || retained > len(window) {
		return flatpack.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"can't retain %d bytes of a %d-byte window",
				retained,
				len(mf.window)))
	}

	shift := int32(len(mf.window) - retained)
	mf.window = window
	mf.generation++

	for bucket := range mf.heads {
		for id := mf.heads[bucket]; id != nilNode; {
			node := &mf.pool.nodes[id]
			node.position -= shift
			if node.position < 0 || node.generation+1 < mf.generation {
				mf.truncateChain(id)
				break
			}
			id = node.older
		}
	}
	return nil
}

// truncateChain frees `id` and every node older than it.
func (mf *MatchFinder) truncateChain(id nodeID) {
	node := &mf.pool.nodes[id]
	if node.newer == nilNode {
		mf.heads[node.bucket] = nilNode
	} else {
		mf.pool.nodes[node.newer].older = nilNode
	}

	for id != nilNode {
		older := mf.pool.nodes[id].older
		// Chains only hold allocated nodes, so this can't fail.
		_ = mf.pool.freeSingle(id)
		id = older
	}
}

// unlink removes a single node from anywhere in its chain and frees it.
func (mf *MatchFinder) unlink(id nodeID) {
	node := &mf.pool.nodes[id]
	if node.newer == nilNode {
		mf.heads[node.bucket] = node.older
	} else {
		mf.pool.nodes[node.newer].older = node.older
	}
	if node.older != nilNode {
		mf.pool.nodes[node.older].newer = node.newer
	}
	_ = mf.pool.freeSingle(id)
}

// sweep evicts every node too far behind `pos` to be matched from it. It walks
// the pool rather than the chains, so it only touches allocated nodes.
func (mf *MatchFinder) sweep(pos int) int {
	evicted := 0
	for i := range mf.pool.nodes {
		id := nodeID(i)
		if !mf.pool.isAllocated(id) {
			continue
		}
		if pos-int(mf.pool.nodes[id].position) > WindowSize {
			mf.unlink(id)
			evicted++
		}
	}
	return evicted
}

// AddPosition indexes the window position `pos`. Positions in the last byte of
// the window can't be hashed and are ignored.
//
// If the node pool is full, out-of-range nodes are swept first. An error
// wrapping [flatpack.ErrResourceExhausted] is returned if that doesn't free
// anything.
func (mf *MatchFinder) AddPosition(pos int) error {
	if pos < 0 || pos+1 >= len(mf.window) {
		return nil
	}

	id, ok := mf.pool.allocateSingle()
	if !ok {
		mf.sweep(pos)
		id, ok = mf.pool.allocateSingle()
		if !ok {
			return flatpack.ErrResourceExhausted.WithMessage(
				fmt.Sprintf(
					"all %d hash chain nodes are in use at position %d",
					mf.pool.capacity(),
					pos))
		}
	}

	key := bucketKey(mf.window, pos)
	head := mf.heads[key]
	mf.pool.nodes[id] = hashNode{
		position:   int32(pos),
		generation: mf.generation,
		newer:      nilNode,
		older:      head,
		bucket:     key,
	}
	if head != nilNode {
		mf.pool.nodes[head].newer = id
	}
	mf.heads[key] = id
	return nil
}

// FindLongestMatch searches for the longest earlier occurrence of the bytes
// starting at `pos`. Matches never extend to or past `end`.
//
// It returns a length of 0 if there's no match of at least [MinMatchLength]
// bytes. When several candidates tie, the closest one wins.
func (mf *MatchFinder) FindLongestMatch(pos, end int) (length, distance int) {
	if end > len(mf.window) {
		end = len(mf.window)
	}
	maxLength := end - pos
	if maxLength > MaxMatchLength {
		maxLength = MaxMatchLength
	}
	if maxLength < MinMatchLength {
		return 0, 0
	}

	window := mf.window
	target := window[pos : pos+maxLength]
	key := bucketKey(window, pos)

	examined := 0
	for id := mf.heads[key]; id != nilNode; {
		node := &mf.pool.nodes[id]
		candidate := int(node.position)
		dist := pos - candidate
		if dist > WindowSize {
			mf.truncateChain(id)
			break
		}

		if dist > 0 {
			n := matchLength(window[candidate:], target)
			if n > length {
				length = n
				distance = dist
				if n == maxLength {
					break
				}
			}
		}

		examined++
		if mf.maxChainLength > 0 && examined >= mf.maxChainLength {
			break
		}
		id = node.older
	}

	if length < MinMatchLength {
		return 0, 0
	}
	return length, distance
}

// matchLength gives the length of the common prefix of `a` and `b`, which must
// not be longer than `a`. The first two bytes are already known to be equal.
func matchLength(a, b []byte) int {
	n := 2
	for n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}
