package mesh

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// CorrespondenceSpec is one parsed correspondence record: a pair of
// tile-spec URLs, the point matches asserted between their layers, and
// whether those matches should also feed the tile configuration solve
// (component C) rather than only the spring mesh.
type CorrespondenceSpec struct {
	URL1, URL2    string
	Matches       []PointMatch
	ShouldConnect bool
}

// layerPair is an (a, b) key with a <= b always; correspondences are stored
// under the pair regardless of which URL resolved to the lower layer, so a
// record and its mirror map to the same key (and the second one added is
// rejected as a duplicate).
type layerPair struct{ a, b int }

// CorrespondenceRecord is a CorrespondenceSpec resolved to concrete layer
// indices, oriented so LayerA is always the lower index (matches are
// swapped P1/P2 if the source record had them the other way round).
type CorrespondenceRecord struct {
	URL1, URL2    string
	LayerA, LayerB int
	Matches       []PointMatch
	ShouldConnect bool
}

// CorrespondenceIndex indexes resolved correspondence records by
// (layer_a, layer_b), rejecting a second record for the same pair.
type CorrespondenceIndex struct {
	mu   sync.Mutex
	byPair map[layerPair]*CorrespondenceRecord
}

// NewCorrespondenceIndex returns an empty index.
func NewCorrespondenceIndex() *CorrespondenceIndex {
	return &CorrespondenceIndex{byPair: make(map[layerPair]*CorrespondenceRecord)}
}

// Add inserts rec, keyed by its (LayerA, LayerB) pair. Returns
// ErrDuplicateCorrespondence if a record for that pair already exists.
func (idx *CorrespondenceIndex) Add(rec *CorrespondenceRecord) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	key := layerPair{rec.LayerA, rec.LayerB}
	if _, exists := idx.byPair[key]; exists {
		return fmt.Errorf("%w: layers %d,%d", ErrDuplicateCorrespondence, rec.LayerA, rec.LayerB)
	}
	idx.byPair[key] = rec
	return nil
}

// Get returns the record for (a, b) or (b, a), whichever orientation it was
// stored under, with Matches/URL1/URL2 reported in the (a, b) orientation
// the caller asked for.
func (idx *CorrespondenceIndex) Get(a, b int) (*CorrespondenceRecord, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	rec, ok := idx.byPair[layerPair{lo, hi}]
	if !ok {
		return nil, false
	}
	if a == rec.LayerA {
		return rec, true
	}
	return swapRecord(rec), true
}

// swapRecord returns a copy of rec with LayerA/LayerB and every match's
// P1/P2 exchanged, i.e. the record as seen from the other layer's side.
func swapRecord(rec *CorrespondenceRecord) *CorrespondenceRecord {
	swapped := &CorrespondenceRecord{
		URL1: rec.URL2, URL2: rec.URL1,
		LayerA: rec.LayerB, LayerB: rec.LayerA,
		ShouldConnect: rec.ShouldConnect,
		Matches:       make([]PointMatch, len(rec.Matches)),
	}
	for i, m := range rec.Matches {
		swapped.Matches[i] = PointMatch{P1: m.P2, P2: m.P1, Weight: m.Weight}
	}
	return swapped
}

// RecordsForLayerA returns, in ascending layer-b order, every stored
// record whose lower-index side is a (i.e. in the (a,b) orientation with
// a == the given layer).
func (idx *CorrespondenceIndex) RecordsForLayerA(a int) []*CorrespondenceRecord {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var out []*CorrespondenceRecord
	for key, rec := range idx.byPair {
		if key.a == a {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LayerB < out[j].LayerB })
	return out
}

// layerResolver resolves a tile-spec URL to a layer index, consulting
// urlToLayer first and falling back to loadLayer (reading the referenced
// tile-spec file's first tile) when the map has no entry.
type layerResolver struct {
	urlToLayer map[string]int
	loadLayer  func(url string) (int, error)
}

func (r *layerResolver) resolve(url string) (int, error) {
	if layer, ok := r.urlToLayer[url]; ok {
		return layer, nil
	}
	if r.loadLayer == nil {
		return 0, fmt.Errorf("%w: %s", ErrMissingLayer, url)
	}
	layer, err := r.loadLayer(url)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrMissingLayer, url, err)
	}
	return layer, nil
}

// BuildCorrespondenceIndex resolves every spec's URLs to layer indices via
// urlToLayer (falling back to loadLayer when an entry is missing) and
// inserts the resulting records into a fresh index, orienting each record
// so LayerA <= LayerB. Fails on the first missing-layer or
// duplicate-correspondence error.
func BuildCorrespondenceIndex(specs []CorrespondenceSpec, urlToLayer map[string]int, loadLayer func(url string) (int, error)) (*CorrespondenceIndex, error) {
	resolver := &layerResolver{urlToLayer: urlToLayer, loadLayer: loadLayer}
	idx := NewCorrespondenceIndex()
	for _, spec := range specs {
		la, err := resolver.resolve(spec.URL1)
		if err != nil {
			return nil, err
		}
		lb, err := resolver.resolve(spec.URL2)
		if err != nil {
			return nil, err
		}
		rec := &CorrespondenceRecord{
			URL1: spec.URL1, URL2: spec.URL2,
			LayerA: la, LayerB: lb,
			ShouldConnect: spec.ShouldConnect,
			Matches:       spec.Matches,
		}
		if la > lb {
			rec = &CorrespondenceRecord{
				URL1: spec.URL2, URL2: spec.URL1,
				LayerA: lb, LayerB: la,
				ShouldConnect: spec.ShouldConnect,
				Matches:       mirrorMatches(spec.Matches),
			}
		}
		if err := idx.Add(rec); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func mirrorMatches(matches []PointMatch) []PointMatch {
	out := make([]PointMatch, len(matches))
	for i, m := range matches {
		out[i] = PointMatch{P1: m.P2, P2: m.P1, Weight: m.Weight}
	}
	return out
}

// ulp returns the spacing between x and its next representable float64
// toward +Inf, the unit used for the "2 ulp" vertex-snapping tolerance.
// Intentionally tight: callers with non-integer lattice spacing should
// build their own tolerance rather than relying on this one.
func ulp(x float64) float64 {
	return math.Nextafter(x, math.Inf(1)) - x
}

// within2Ulp reports whether a and b agree to within 2 ulp of a, the
// per-component snapping test used during fix-up.
func within2Ulp(a, b float64) bool {
	tol := 2 * ulp(a)
	if tol < 0 {
		tol = -tol
	}
	return math.Abs(a-b) <= tol
}

// snapVertex finds the lattice vertex of m whose local coordinates agree
// with p1 to within 2 ulp per component, per spec.md §4.D step 3. Returns
// nil if no such vertex exists (the match is outside the mesh).
func snapVertex(m *SpringMesh, p1 *Point) *Vertex {
	for _, v := range m.ActiveVertices() {
		if within2Ulp(v.L[0], p1.L[0]) && within2Ulp(v.L[1], p1.L[1]) {
			return v
		}
	}
	return nil
}

// FixUp binds every record's LayerA-side matches to the lattice vertices
// of meshes[LayerA], per spec.md §4.D. For p1 points matching a lattice
// vertex within 2 ulp, the match's P1 is replaced by that vertex's
// embedded Point and, on world-coordinate disagreement, the vertex's world
// position is overwritten by the match's (the match wins). Matches with no
// lattice vertex are dropped; the count of drops is returned. Layers are
// processed via pool.Partitions so each worker owns an exclusive,
// contiguous slab of layer indices and no lock is required; results are
// deterministic because each layer's fix-up only ever touches that
// layer's own mesh.
func FixUp(idx *CorrespondenceIndex, meshes map[int]*SpringMesh, sortedLayers []int, pool *Pool) (int, error) {
	dropped := make([]int, len(sortedLayers))
	partitions := pool.Partitions(len(sortedLayers))

	err := pool.ForEachIndex(len(partitions), func(pi int) error {
		lo, hi := partitions[pi][0], partitions[pi][1]
		for li := lo; li < hi; li++ {
			layer := sortedLayers[li]
			mesh, ok := meshes[layer]
			if !ok {
				continue
			}
			for _, rec := range idx.RecordsForLayerA(layer) {
				for i := range rec.Matches {
					m := &rec.Matches[i]
					v := snapVertex(mesh, m.P1)
					if v == nil {
						dropped[li]++
						continue
					}
					if v.W != m.P1.W {
						v.W = m.P1.W
					}
					m.P1 = &v.Point
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	total := 0
	for _, d := range dropped {
		total += d
	}
	return total, nil
}
