// Package table implements the mapping table (spec §3, §4.1): an immutable,
// sorted partition of a device's sector space into target intervals, looked
// up through a cache-friendly implicit B-tree.
package table

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"github.com/behrlich/go-dm/internal/constants"
	"github.com/behrlich/go-dm/internal/interfaces"
)

// keysPerNode is the per-node fanout, tuned to a cache line (spec §4.1).
const keysPerNode = constants.KeysPerNode

// ErrEmptyTable is returned when constructing a table with no targets.
var ErrEmptyTable = errors.New("table: must have at least one target")

// ErrHighsNotSorted is returned when highs is not strictly increasing.
var ErrHighsNotSorted = errors.New("table: highs must be strictly increasing")

// ErrMismatchedLengths is returned when highs and targets have different lengths.
var ErrMismatchedLengths = errors.New("table: highs and targets must be the same length")

// ErrOutOfRange is returned by Lookup when the sector exceeds the table's
// addressable range.
var ErrOutOfRange = errors.New("table: sector out of range")

// Table is an immutable sorted partition of sector space into targets. Once
// constructed it is frozen; the only mutable fields are the in-flight
// request counter and its wait set (spec §3 invariants).
type Table struct {
	highs   []uint64
	targets []*interfaces.Target

	depth int
	// nodes[level] is a flat, node-major array of keysPerNode keys per node.
	nodes [][]uint64

	hardSectSize uint32

	// pending counts in-flight FORWARDED requests against this specific
	// table instance. Incremented lock-free on the dispatch hot path;
	// decremented lock-free, with a wake only on the k->0 transition
	// (spec §4.5, §5).
	pending atomic.Int64

	waitMu   sync.Mutex
	waitCond *sync.Cond
}

// New builds a mapping table from a sorted, strictly increasing highs array
// and its parallel targets array. Construction (sorting, validation) is the
// caller's responsibility per spec §4.1 ("an external loader, out of scope").
func New(highs []uint64, targets []*interfaces.Target, hardSectSize uint32) (*Table, error) {
	if len(highs) == 0 {
		return nil, ErrEmptyTable
	}
	if len(highs) != len(targets) {
		return nil, ErrMismatchedLengths
	}
	for i := 1; i < len(highs); i++ {
		if highs[i-1] >= highs[i] {
			return nil, ErrHighsNotSorted
		}
	}

	t := &Table{
		highs:        highs,
		targets:      targets,
		hardSectSize: hardSectSize,
	}
	t.depth = computeDepth(len(highs), keysPerNode)
	t.nodes = buildTree(highs, t.depth, keysPerNode)
	t.waitCond = sync.NewCond(&t.waitMu)
	return t, nil
}

// NumTargets returns the number of targets partitioning the table.
func (t *Table) NumTargets() int { return len(t.targets) }

// Target returns the target bound to leaf index i.
func (t *Table) Target(i int) *interfaces.Target { return t.targets[i] }

// HardSectSize returns the table's hardware sector size.
func (t *Table) HardSectSize() uint32 { return t.hardSectSize }

// LastSector returns the table's highest addressable sector (inclusive).
func (t *Table) LastSector() uint64 { return t.highs[len(t.highs)-1] }

// Lookup resolves a sector to the leaf index of the target that owns it:
// the unique i such that highs[i-1] < sector <= highs[i] (spec §8 invariant
// 1; ties at a boundary belong to the lower-indexed target per spec §4.1).
func (t *Table) Lookup(sector uint64) (int, error) {
	n := 0
	for lvl := 0; lvl < t.depth; lvl++ {
		level := t.nodes[lvl]
		base := n * keysPerNode
		idx := keysPerNode
		for j := 0; j < keysPerNode; j++ {
			if level[base+j] >= sector {
				idx = j
				break
			}
		}
		if lvl == t.depth-1 {
			leafIdx := n*keysPerNode + idx
			if idx == keysPerNode || leafIdx >= len(t.highs) {
				return 0, ErrOutOfRange
			}
			return leafIdx, nil
		}
		n = n*(keysPerNode+1) + idx
	}
	return 0, ErrOutOfRange
}

// IncPending increments the in-flight counter. Called by the dispatcher
// strictly before a FORWARDED request becomes visible to the lower layer
// (spec §5 ordering guarantees).
func (t *Table) IncPending() {
	t.pending.Add(1)
}

// DecPending decrements the in-flight counter and wakes any Wait callers if
// it reaches zero. Called by the completion trampoline after the target's
// optional Err hook runs (spec §4.5).
func (t *Table) DecPending() {
	if t.pending.Add(-1) == 0 {
		t.waitMu.Lock()
		t.waitCond.Broadcast()
		t.waitMu.Unlock()
	}
}

// Pending returns the current in-flight count.
func (t *Table) Pending() int64 {
	return t.pending.Load()
}

// Wait blocks until Pending() reaches zero. Unbounded by contract (spec §5);
// callers needing a timeout must impose one externally.
func (t *Table) Wait() {
	t.waitMu.Lock()
	for t.pending.Load() != 0 {
		t.waitCond.Wait()
	}
	t.waitMu.Unlock()
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// computeDepth returns the number of tree levels: one leaf level of
// ceil(N/k) nodes, plus as many internal levels of (k+1)-way fanout as it
// takes to reach a single root. At least 1.
func computeDepth(n, k int) int {
	leafNodeCount := ceilDiv(n, k)
	if leafNodeCount < 1 {
		leafNodeCount = 1
	}
	depth := 1
	count := leafNodeCount
	for count > 1 {
		count = ceilDiv(count, k+1)
		depth++
	}
	return depth
}

// buildTree lays out the implicit B-tree as a flat, node-major array per
// level. The leaf level mirrors highs, padded to a multiple of k with
// sentinel +∞. Each internal node stores, per key slot, the maximum leaf key
// covered by the corresponding child subtree; its (k+1)-th child has no key
// and takes every sector greater than all k keys (spec §4.1).
func buildTree(highs []uint64, depth, k int) [][]uint64 {
	nodes := make([][]uint64, depth)

	leafNodeCount := ceilDiv(len(highs), k)
	if leafNodeCount < 1 {
		leafNodeCount = 1
	}
	leaf := make([]uint64, leafNodeCount*k)
	for i := range leaf {
		if i < len(highs) {
			leaf[i] = highs[i]
		} else {
			leaf[i] = math.MaxUint64
		}
	}
	nodes[depth-1] = leaf

	// subtreeMax[c] is the largest leaf key under node c of the level below.
	// The last node of every level is given +∞ so that sectors past the end
	// descend into it rather than into a node that does not exist.
	subtreeMax := make([]uint64, leafNodeCount)
	for c := range subtreeMax {
		subtreeMax[c] = leaf[c*k+k-1]
	}
	subtreeMax[leafNodeCount-1] = math.MaxUint64

	childNodeCount := leafNodeCount
	for lvl := depth - 2; lvl >= 0; lvl-- {
		parentNodeCount := ceilDiv(childNodeCount, k+1)
		level := make([]uint64, parentNodeCount*k)
		parentMax := make([]uint64, parentNodeCount)
		for n := 0; n < parentNodeCount; n++ {
			for j := 0; j < k; j++ {
				childIdx := n*(k+1) + j
				var key uint64
				if childIdx < childNodeCount {
					key = subtreeMax[childIdx]
				} else {
					key = math.MaxUint64
				}
				level[n*k+j] = key
			}
			parentMax[n] = subtreeMax[min(n*(k+1)+k, childNodeCount-1)]
		}
		nodes[lvl] = level
		subtreeMax = parentMax
		childNodeCount = parentNodeCount
	}

	return nodes
}
