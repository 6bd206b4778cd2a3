package deflate

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/flatpack"
)

// nodeID is an index into a nodePool's arena. nilNode marks the end of a chain.
type nodeID int32

const nilNode = nodeID(-1)

// hashNode is one indexed position in a hash chain.
type hashNode struct {
	// position is relative to the start of the current window.
	position   int32
	generation uint32
	// newer and older link the node into its bucket's chain. Chains run from
	// the newest position to the oldest.
	newer, older nodeID
	bucket       uint16
}

// nodePool is a fixed-capacity arena of hash nodes with a free list. Allocation
// state is also tracked in a bitmap so double frees are caught, and so sweeps
// can walk live nodes without consulting the chains.
type nodePool struct {
	nodes    []hashNode
	freeList []nodeID
	inUse    bitmap.Bitmap
}

func newNodePool(capacity int) nodePool {
	pool := nodePool{
		nodes:    make([]hashNode, capacity),
		freeList: make([]nodeID, 0, capacity),
		inUse:    bitmap.New(capacity),
	}
	pool.reset()
	return pool
}

// reset frees every node.
func (pool *nodePool) reset() {
	pool.freeList = pool.freeList[:0]
	// Push in reverse so low IDs get handed out first.
	for i := len(pool.nodes) - 1; i >= 0; i-- {
		pool.freeList = append(pool.freeList, nodeID(i))
	}
	for i := range pool.inUse {
		pool.inUse[i] = 0
	}
}

// allocateSingle takes a node off the free list. It returns false if the pool
// is exhausted.
func (pool *nodePool) allocateSingle() (nodeID, bool) {
	if len(pool.freeList) == 0 {
		return nilNode, false
	}
	id := pool.freeList[len(pool.freeList)-1]
	pool.freeList = pool.freeList[:len(pool.freeList)-1]
	pool.inUse.Set(int(id), true)
	return id, true
}

// freeSingle returns a node to the free list.
func (pool *nodePool) freeSingle(id nodeID) error {
	if id < 0 || int(id) >= len(pool.nodes) {
		return flatpack.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid node id: %d not in range [0, %d)", id, len(pool.nodes)))
	}
	if !pool.inUse.Get(int(id)) {
		return flatpack.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("node %d is already free", id))
	}
	pool.inUse.Set(int(id), false)
	pool.freeList = append(pool.freeList, id)
	return nil
}

func (pool *nodePool) isAllocated(id nodeID) bool {
	return pool.inUse.Get(int(id))
}

// capacity gives the total number of nodes in the arena.
func (pool *nodePool) capacity() int {
	return len(pool.nodes)
}

// live gives the number of allocated nodes.
func (pool *nodePool) live() int {
	return len(pool.nodes) - len(pool.freeList)
}
