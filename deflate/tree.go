package deflate

import (
	"fmt"
	"sort"

	"github.com/dargueta/flatpack"
)

// CodeLengthError is returned when a Huffman tree puts a symbol deeper than the
// format allows.
type CodeLengthError struct {
	Symbol int
	Depth  int
	Limit  int
}

func (e *CodeLengthError) Error() string {
	return fmt.Sprintf(
		"symbol %d is at depth %d in the Huffman tree, limit is %d",
		e.Symbol,
		e.Depth,
		e.Limit)
}

const noChild = int32(-1)

type treeNode struct {
	weight uint64
	// symbol is the symbol of a leaf, or -1 for an internal node.
	symbol      int
	left, right int32
}

func (n *treeNode) isLeaf() bool {
	return n.symbol >= 0
}

// huffmanTree is a binary tree stored in a flat node array. Leaves come first,
// ordered by (weight, symbol); internal nodes follow in creation order.
type huffmanTree struct {
	nodes    []treeNode
	numLeafs int
	root     int32
}

// BuildCodeLengths computes code lengths no longer than `maxBits` from symbol
// frequencies. Symbols with a frequency of 0 get no code. If exactly one symbol
// is used, it gets a length of 1.
func BuildCodeLengths(freqs []uint32, maxBits uint) ([]uint8, error) {
	lengths := make([]uint8, len(freqs))
	err := buildCodeLengths(freqs, maxBits, lengths)
	if err != nil {
		return nil, err
	}
	return lengths, nil
}

func buildCodeLengths(freqs []uint32, maxBits uint, lengths []uint8) error {
	for i := range lengths {
		lengths[i] = 0
	}

	tree := newHuffmanTree(freqs)
	switch tree.numLeafs {
	case 0:
		return nil
	case 1:
		lengths[tree.nodes[0].symbol] = 1
		return nil
	}

	if tree.numLeafs > 1<<maxBits {
		return flatpack.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"%d symbols can't fit in a code with a %d-bit limit",
				tree.numLeafs,
				maxBits))
	}

	depths := make([]int, len(tree.nodes))
	err := tree.assignDepths(tree.root, 0, int(maxBits), depths)
	if err != nil {
		lengthErr, ok := err.(*CodeLengthError)
		if !ok {
			return err
		}
		err = tree.rebalance(int(maxBits), depths, lengthErr)
		if err != nil {
			return err
		}
	}

	for i := 0; i < tree.numLeafs; i++ {
		lengths[tree.nodes[i].symbol] = uint8(depths[i])
	}
	return nil
}

// newHuffmanTree builds a tree with the two-queue method. On equal weights a
// leaf is taken before an internal node, and among leaves the lower symbol goes
// first, so the output is deterministic.
func newHuffmanTree(freqs []uint32) *huffmanTree {
	tree := &huffmanTree{root: noChild}
	for symbol, freq := range freqs {
		if freq > 0 {
			tree.nodes = append(
				tree.nodes,
				treeNode{weight: uint64(freq), symbol: symbol, left: noChild, right: noChild})
		}
	}
	sort.Slice(tree.nodes, func(i, j int) bool {
		a, b := &tree.nodes[i], &tree.nodes[j]
		if a.weight != b.weight {
			return a.weight < b.weight
		}
		return a.symbol < b.symbol
	})

	tree.numLeafs = len(tree.nodes)
	if tree.numLeafs < 2 {
		if tree.numLeafs == 1 {
			tree.root = 0
		}
		return tree
	}

	nextLeaf := 0
	nextInternal := tree.numLeafs
	take := func() int32 {
		takeLeaf := nextLeaf < tree.numLeafs &&
			(nextInternal >= len(tree.nodes) ||
				tree.nodes[nextLeaf].weight <= tree.nodes[nextInternal].weight)
		if takeLeaf {
			nextLeaf++
			return int32(nextLeaf - 1)
		}
		nextInternal++
		return int32(nextInternal - 1)
	}

	for i := 1; i < tree.numLeafs; i++ {
		left := take()
		right := take()
		tree.nodes = append(
			tree.nodes,
			treeNode{
				weight: tree.nodes[left].weight + tree.nodes[right].weight,
				symbol: -1,
				left:   left,
				right:  right,
			})
	}
	tree.root = int32(len(tree.nodes) - 1)
	return tree
}

// assignDepths records the depth of every node in the subtree rooted at
// `node`. Every node is visited even after a leaf exceeds `limit`; the first
// such leaf is reported as a [CodeLengthError].
func (tree *huffmanTree) assignDepths(node int32, depth, limit int, depths []int) error {
	n := &tree.nodes[node]
	depths[node] = depth
	if n.isLeaf() {
		if depth > limit {
			return &CodeLengthError{Symbol: n.symbol, Depth: depth, Limit: limit}
		}
		return nil
	}

	leftErr := tree.assignDepths(n.left, depth+1, limit, depths)
	rightErr := tree.assignDepths(n.right, depth+1, limit, depths)
	if leftErr != nil {
		return leftErr
	}
	return rightErr
}

// rebalance reshapes a tree whose leaves are too deep until every leaf is at
// most `limit` deep.
//
// Each step takes a pair of sibling leaves at the maximum depth, promotes the
// heavier one into their parent's place, and hangs the lighter one next to the
// deepest leaf that is at least two levels shallower. That leaf's slot becomes
// a new internal node holding both. The leaf count is unchanged and the code
// stays complete.
//
// Once the shape fits, the resulting set of depths is handed out again by
// weight, so the most frequent symbols get the shortest codes.
func (tree *huffmanTree) rebalance(limit int, depths []int, cause *CodeLengthError) error {
	parents := make([]int32, len(tree.nodes))

	for {
		tree.collectParents(tree.root, noChild, parents)
		_ = tree.assignDepths(tree.root, 0, limit, depths)

		maxDepth := 0
		for i := 0; i < tree.numLeafs; i++ {
			if depths[i] > maxDepth {
				maxDepth = depths[i]
			}
		}
		if maxDepth <= limit {
			break
		}

		// The deepest level holds only leaves, so any leaf on it has a sibling
		// leaf.
		pair := noChild
		for i := 0; i < tree.numLeafs; i++ {
			if depths[i] == maxDepth {
				pair = parents[i]
				break
			}
		}

		shallow := noChild
		for i := 0; i < tree.numLeafs; i++ {
			if depths[i] <= maxDepth-2 && (shallow == noChild || depths[i] > depths[shallow]) {
				shallow = int32(i)
			}
		}
		if pair == noChild || shallow == noChild {
			return cause
		}

		p := &tree.nodes[pair]
		promoted, moved := p.left, p.right
		if tree.nodes[moved].weight > tree.nodes[promoted].weight {
			promoted, moved = moved, promoted
		}

		tree.replaceChild(parents[pair], pair, promoted)
		tree.replaceChild(parents[shallow], shallow, pair)
		p.left = shallow
		p.right = moved
	}

	tree.redistributeDepths(depths)
	return nil
}

func (tree *huffmanTree) collectParents(node, parent int32, parents []int32) {
	parents[node] = parent
	n := &tree.nodes[node]
	if !n.isLeaf() {
		tree.collectParents(n.left, node, parents)
		tree.collectParents(n.right, node, parents)
	}
}

func (tree *huffmanTree) replaceChild(parent, oldChild, newChild int32) {
	if parent == noChild {
		tree.root = newChild
		return
	}
	n := &tree.nodes[parent]
	if n.left == oldChild {
		n.left = newChild
	} else {
		n.right = newChild
	}
}

// redistributeDepths hands out the current leaf depths so that heavier leaves
// get shallower depths.
func (tree *huffmanTree) redistributeDepths(depths []int) {
	leafDepths := make([]int, tree.numLeafs)
	copy(leafDepths, depths[:tree.numLeafs])
	sort.Ints(leafDepths)

	// Leaves are sorted by ascending weight, so the last leaf is the heaviest.
	for i := 0; i < tree.numLeafs; i++ {
		depths[tree.numLeafs-1-i] = leafDepths[i]
	}
}
