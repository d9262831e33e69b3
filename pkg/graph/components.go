package graph

// unionFind is a disjoint-set forest over snapshot indexes.
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(i int) int {
	for uf.parent[i] != i {
		uf.parent[i] = uf.parent[uf.parent[i]]
		i = uf.parent[i]
	}
	return i
}

func (uf *unionFind) union(i, j int) {
	ri, rj := uf.find(i), uf.find(j)
	if ri == rj {
		return
	}
	switch {
	case uf.rank[ri] < uf.rank[rj]:
		uf.parent[ri] = rj
	case uf.rank[ri] > uf.rank[rj]:
		uf.parent[rj] = ri
	default:
		uf.parent[rj] = ri
		uf.rank[ri]++
	}
}

// Components groups CI keys into weakly connected components over live
// relationships. keep filters the CIs considered; nil keeps all. Components
// are ordered by their smallest key.
func Components(s *Snapshot, keep func(key string) bool) [][]string {
	var keys []string
	for _, k := range s.Keys() {
		if keep == nil || keep(k) {
			keys = append(keys, k)
		}
	}
	index := make(map[string]int, len(keys))
	for i, k := range keys {
		index[k] = i
	}
	uf := newUnionFind(len(keys))
	for _, rel := range s.Relationships() {
		i, okI := index[rel.Source]
		j, okJ := index[rel.Target]
		if okI && okJ {
			uf.union(i, j)
		}
	}

	groups := make(map[int][]string)
	var roots []int
	for i, k := range keys {
		r := uf.find(i)
		if _, ok := groups[r]; !ok {
			roots = append(roots, r)
		}
		groups[r] = append(groups[r], k)
	}
	out := make([][]string, 0, len(roots))
	for _, r := range roots {
		out = append(out, groups[r])
	}
	return out
}
