package anomaly

import (
	"math"
	"math/rand"
)

const eulerGamma = 0.5772156649

// isolationForest is a small isolation forest over fixed-width feature rows.
// Leaves remember the bounding box of their samples so that points outside the
// training range are isolated even when a node could not be split further.
type isolationForest struct {
	trees      []*iNode
	sampleSize int
}

type iNode struct {
	feature     int
	split       float64
	left, right *iNode
	size        int
	min, max    []float64
}

func (n *iNode) leaf() bool { return n.left == nil }

func buildForest(data [][]float64, trees, subsample int, rng *rand.Rand) *isolationForest {
	if subsample > len(data) {
		subsample = len(data)
	}
	limit := int(math.Ceil(math.Log2(float64(subsample))))

	forest := &isolationForest{trees: make([]*iNode, 0, trees), sampleSize: subsample}
	for i := 0; i < trees; i++ {
		sample := make([][]float64, subsample)
		for j, idx := range rng.Perm(len(data))[:subsample] {
			sample[j] = data[idx]
		}
		forest.trees = append(forest.trees, growTree(sample, 0, limit, rng))
	}
	return forest
}

func growTree(rows [][]float64, depth, limit int, rng *rand.Rand) *iNode {
	mins, maxs := bounds(rows)
	node := &iNode{size: len(rows), min: mins, max: maxs}
	if depth >= limit || len(rows) <= 1 {
		return node
	}

	// only features that still vary can split this node
	var candidates []int
	for f := range mins {
		if maxs[f] > mins[f] {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return node
	}

	node.feature = candidates[rng.Intn(len(candidates))]
	lo, hi := mins[node.feature], maxs[node.feature]
	node.split = lo + rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, row := range rows {
		if row[node.feature] < node.split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	node.left = growTree(left, depth+1, limit, rng)
	node.right = growTree(right, depth+1, limit, rng)
	return node
}

func bounds(rows [][]float64) ([]float64, []float64) {
	if len(rows) == 0 {
		return nil, nil
	}
	width := len(rows[0])
	mins := make([]float64, width)
	maxs := make([]float64, width)
	copy(mins, rows[0])
	copy(maxs, rows[0])
	for _, row := range rows[1:] {
		for f, v := range row {
			mins[f] = math.Min(mins[f], v)
			maxs[f] = math.Max(maxs[f], v)
		}
	}
	return mins, maxs
}

// score returns the isolation score in (0, 1]; higher is more anomalous
func (f *isolationForest) score(x []float64) float64 {
	if len(f.trees) == 0 {
		return 0
	}
	total := 0.0
	for _, tree := range f.trees {
		total += pathLength(x, tree, 0)
	}
	mean := total / float64(len(f.trees))
	norm := averagePathLength(f.sampleSize)
	if norm == 0 {
		return 0.5
	}
	return math.Pow(2, -mean/norm)
}

func pathLength(x []float64, node *iNode, depth int) float64 {
	for !node.leaf() {
		if x[node.feature] < node.split {
			node = node.left
		} else {
			node = node.right
		}
		depth++
	}
	if node.size == 0 {
		return float64(depth)
	}
	for f, v := range x {
		if v < node.min[f] || v > node.max[f] {
			return float64(depth)
		}
	}
	return float64(depth) + averagePathLength(node.size)
}

// averagePathLength is c(n), the mean path length of an unsuccessful BST search
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	h := math.Log(float64(n-1)) + eulerGamma
	return 2*h - 2*float64(n-1)/float64(n)
}
