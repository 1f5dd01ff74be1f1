package mesh

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// defaultMLSAlpha is the inverse-distance exponent used for every emitted
// tile transform when the caller has no reason to override it, per
// spec.md §4.F's documented default.
const defaultMLSAlpha = 2.0

// AlignInput bundles everything one aligner run needs: the resolved
// config, every active layer's tile-spec records, the raw (unresolved)
// correspondence specs, and the ambient collaborators — worker pool,
// progress reporter, run report — the orchestrator reports through.
type AlignInput struct {
	Config        *Config
	TileSpecs     map[int][]TileSpecRecord
	URLToLayer    map[string]int
	LoadLayer     func(url string) (int, error)
	Specs         []CorrespondenceSpec
	SceneOriginX  float64
	SceneOriginY  float64
	Pool          *Pool
	Progress      *ProgressReporter
	Report        *RunReport
}

// AlignResult is the orchestrator's output: every non-skipped layer's
// tile-spec records, each with its new MLS transform appended and its
// world bbox recomputed.
type AlignResult struct {
	TileSpecs map[int][]TileSpecRecord
}

// Align runs the full elastic alignment sequence (spec.md §4.E) over the
// layers named by in.Config's from/to/skip range: instantiate per-layer
// tiles and meshes, fix up correspondences onto mesh vertices, wire
// inter-layer springs, pre-align the rigid tile graph, relax the meshes,
// unscale back to scene coordinates, and emit each tile's MLS transform.
func Align(ctx context.Context, in *AlignInput) (*AlignResult, error) {
	cfg := in.Config
	report := in.Report
	if report == nil {
		report = NewRunReport()
	}
	progress := in.Progress
	if progress == nil {
		progress = NewProgressReporter(nil, "")
	}
	pool := in.Pool
	if pool == nil {
		pool = NewPool(cfg.Threads, ctx)
	}

	allLayers := sortedTileSpecLayers(in.TileSpecs)
	if len(allLayers) == 0 {
		return nil, fmt.Errorf("alignment input has no tile-spec layers")
	}

	from := cfg.FromLayer
	to := cfg.ToLayer
	if to < 0 {
		to = allLayers[len(allLayers)-1]
	}
	skip := toIntSet(cfg.SkipLayers)
	fixedSet := toIntSet(cfg.FixedLayers)

	var active []int
	for _, l := range allLayers {
		if l < from || l > to {
			continue
		}
		if skip[l] {
			report.RecordSkippedLayer(l)
			continue
		}
		active = append(active, l)
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("no active layers in range [%d,%d]", from, to)
	}
	activeSet := toIntSet(active)

	modelKind := ModelKind(cfg.ModelIndex)

	// Step 1: one model-bearing tile per active layer.
	tiles := make(map[int]*Tile, len(active))
	configSolver := NewTileConfig()
	for _, layer := range active {
		t, err := NewTile(fmt.Sprintf("layer-%d", layer), modelKind)
		if err != nil {
			return nil, err
		}
		tiles[layer] = t
		configSolver.AddTile(t)
		if fixedSet[layer] {
			configSolver.FixTile(t)
		}
	}

	// Step 2: one spring mesh per active layer.
	meshW := math.Ceil(float64(cfg.ImageWidth) * cfg.LayerScale)
	meshH := math.Ceil(float64(cfg.ImageHeight) * cfg.LayerScale)
	meshes := make(map[int]*SpringMesh, len(active))
	for _, layer := range active {
		m, err := NewSpringMesh(cfg.ResolutionSpringMesh, meshW, meshH, cfg.StiffnessSpringMesh, cfg.MaxStretchSpringMesh, cfg.DampSpringMesh)
		if err != nil {
			return nil, err
		}
		meshes[layer] = m
	}

	idx, err := BuildCorrespondenceIndex(in.Specs, in.URLToLayer, in.LoadLayer)
	if err != nil {
		return nil, err
	}

	// Step 3: fix up matches onto mesh vertices.
	t0 := time.Now()
	progress.PhaseStarted(PhaseFixUp, -1)
	dropped, err := FixUp(idx, meshes, active, pool)
	if err != nil {
		progress.RunCanceled(PhaseFixUp)
		return nil, err
	}
	report.AddDroppedMatches(dropped)
	fixUpElapsed := time.Since(t0)
	report.RecordPhaseDuration(string(PhaseFixUp), fixUpElapsed.Seconds())
	progress.PhaseCompleted(PhaseFixUp, -1, fixUpElapsed)

	if err := checkCanceled(ctx); err != nil {
		report.MarkCanceled()
		return nil, err
	}

	// Step 4: wire inter-layer springs and tile-configuration edges.
	t0 = time.Now()
	progress.PhaseStarted(PhaseWiring, -1)
	if err := wireInterLayerSprings(active, activeSet, idx, meshes, tiles, configSolver, cfg, pool); err != nil {
		progress.RunCanceled(PhaseWiring)
		return nil, err
	}
	wiringElapsed := time.Since(t0)
	report.RecordPhaseDuration(string(PhaseWiring), wiringElapsed.Seconds())
	progress.PhaseCompleted(PhaseWiring, -1, wiringElapsed)

	// Step 5: pre-align the rigid tile graph, then seed every mesh from it.
	t0 = time.Now()
	progress.PhaseStarted(PhasePreAlign, -1)
	preAlignIters, err := configSolver.Optimize(ctx, cfg.MaxEpsilon*cfg.LayerScale, cfg.MaxIterationsSpringMesh, cfg.MaxPlateauwidthSpringMesh)
	if err != nil {
		if errors.Is(err, ErrCanceled) {
			report.MarkCanceled()
			progress.RunCanceled(PhasePreAlign)
		}
		return nil, err
	}
	for _, layer := range active {
		meshes[layer].PreWarp(tiles[layer].Model)
		report.RecordLayerOutcome(layer, preAlignIters, tiles[layer].Error())
	}
	preAlignElapsed := time.Since(t0)
	report.RecordPhaseDuration(string(PhasePreAlign), preAlignElapsed.Seconds())
	progress.PhaseCompleted(PhasePreAlign, -1, preAlignElapsed)

	// Step 6: relax the wired meshes.
	t0 = time.Now()
	progress.PhaseStarted(PhaseRelax, -1)
	meshList := make([]*SpringMesh, len(active))
	for i, layer := range active {
		meshList[i] = meshes[layer]
	}
	if cfg.UseLegacyOptimizer {
		err = OptimizeMeshesLegacy(meshList, cfg.MaxEpsilon, cfg.MaxIterationsSpringMesh, pool)
	} else {
		err = OptimizeMeshes(meshList, cfg.MaxEpsilon, cfg.MaxIterationsSpringMesh, cfg.MaxPlateauwidthSpringMesh, pool)
	}
	if err != nil {
		progress.RunCanceled(PhaseRelax)
		return nil, err
	}
	relaxElapsed := time.Since(t0)
	report.RecordPhaseDuration(string(PhaseRelax), relaxElapsed.Seconds())
	progress.PhaseCompleted(PhaseRelax, -1, relaxElapsed)

	// Step 7: unscale back to scene coordinates.
	t0 = time.Now()
	progress.PhaseStarted(PhaseUnscale, -1)
	origin := [2]float64{in.SceneOriginX, in.SceneOriginY}
	for _, layer := range active {
		meshes[layer].Unscale(cfg.LayerScale, origin)
	}
	unscaleElapsed := time.Since(t0)
	report.RecordPhaseDuration(string(PhaseUnscale), unscaleElapsed.Seconds())
	progress.PhaseCompleted(PhaseUnscale, -1, unscaleElapsed)

	// Step 8: emit each tile's MLS transform and recomputed bbox.
	t0 = time.Now()
	progress.PhaseStarted(PhaseEmit, -1)
	emitted := make([][]TileSpecRecord, len(active))
	partitions := pool.Partitions(len(active))
	err = pool.ForEachIndex(len(partitions), func(pi int) error {
		lo, hi := partitions[pi][0], partitions[pi][1]
		for li := lo; li < hi; li++ {
			layer := active[li]
			mesh := meshes[layer]
			recs := in.TileSpecs[layer]
			updated := make([]TileSpecRecord, len(recs))
			for i, rec := range recs {
				out, err := emitTileRecord(rec, mesh, cfg.LayerScale)
				if err != nil {
					return fmt.Errorf("layer %d: %w", layer, err)
				}
				updated[i] = out
			}
			emitted[li] = updated
		}
		return nil
	})
	if err != nil {
		progress.RunCanceled(PhaseEmit)
		return nil, err
	}
	emitElapsed := time.Since(t0)
	report.RecordPhaseDuration(string(PhaseEmit), emitElapsed.Seconds())
	progress.PhaseCompleted(PhaseEmit, -1, emitElapsed)

	out := make(map[int][]TileSpecRecord, len(active))
	for li, layer := range active {
		out[layer] = emitted[li]
	}
	return &AlignResult{TileSpecs: out}, nil
}

// checkCanceled reports ctx's error if it has already been canceled.
func checkCanceled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
	default:
		return nil
	}
}

// wireInterLayerSprings implements spec.md §4.E step 4: for every active
// layer a and every active layer b within max_layer_distance of it, looks
// up their correspondence record and, for each match, pulls the
// already-fixed-up active vertex on mesh[a] toward a tracked point on
// mesh[b] via a k_ab = 1/(b-a) spring; installs a tile-configuration edge
// when the record asks for one. Layer pairs are processed over
// pool.Partitions of the layer range, with LayerLocks serializing access
// to any given (a, b) pair.
func wireInterLayerSprings(active []int, activeSet map[int]bool, idx *CorrespondenceIndex, meshes map[int]*SpringMesh, tiles map[int]*Tile, configSolver *TileConfig, cfg *Config, pool *Pool) error {
	maxLayer := active[len(active)-1]
	locks := NewLayerLocks(maxLayer + 1)
	partitions := pool.Partitions(len(active))

	return pool.ForEachIndex(len(partitions), func(pi int) error {
		lo, hi := partitions[pi][0], partitions[pi][1]
		for li := lo; li < hi; li++ {
			a := active[li]
			maxB := a + cfg.MaxLayersDistance
			for b := a + 1; b <= maxB; b++ {
				if !activeSet[b] {
					continue
				}
				rec, ok := idx.Get(a, b)
				if !ok {
					continue
				}
				unlock := locks.LockPair(a, b)
				err := wireLayerPair(a, b, rec, meshes, tiles, configSolver)
				unlock()
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// wireLayerPair installs the springs and tile-configuration edge for one
// (a, b) correspondence record, already locked by the caller.
func wireLayerPair(a, b int, rec *CorrespondenceRecord, meshes map[int]*SpringMesh, tiles map[int]*Tile, configSolver *TileConfig) error {
	meshA, meshB := meshes[a], meshes[b]
	kab := 1.0 / float64(b-a)

	for i := range rec.Matches {
		m := &rec.Matches[i]
		owner := meshA.VertexNear(m.P1.L, 0)
		if owner == nil {
			// Fix-up guarantees every LayerA-side match binds to a mesh[a]
			// vertex; a miss here means the match was dropped during
			// fix-up and should not be wired.
			continue
		}
		q := NewVertex(m.P2.L[0], m.P2.L[1])
		q.W = m.P2.W
		meshB.AddTrackedPoint(q)
		meshA.AddCrossLink(owner, q, NewSpring(0, kab, meshA.MaxStretch))
	}

	if rec.ShouldConnect {
		configSolver.Connect(tiles[a], tiles[b], rec.Matches)
	}
	return nil
}

// emitTileRecord builds rec's new MLS transform restricted to its current
// world bbox from mesh's relaxed vertices, appends it to rec's transform
// chain, and recomputes rec's world bbox by applying the full updated
// chain to its local (0,0) and (width, height) corners. When rec
// advertises mipmap levels, the coarsest level whose downsample factor
// does not exceed 1/layerScale is selected via bestMipmapLevel and its
// scale transform is prepended to the chain, lifting the tile's
// mipmap-local coordinates to full resolution before the rest of the
// chain (and the new MLS warp) is applied.
func emitTileRecord(rec TileSpecRecord, mesh *SpringMesh, layerScale float64) (TileSpecRecord, error) {
	tileBBox := BoundFromArray(rec.BBox)

	active := mesh.ActiveVertices()
	passive := mesh.PassiveVertices()
	controls := make([]ControlPoint, 0, len(active)+len(passive))
	for _, v := range active {
		controls = append(controls, ControlPoint{L: v.L, W: v.W, Weight: 1})
	}
	for _, v := range passive {
		controls = append(controls, ControlPoint{L: v.L, W: v.W, Weight: 1})
	}

	transform, err := NewMLSTransform(controls, tileBBox, defaultMLSAlpha)
	if err != nil {
		return TileSpecRecord{}, fmt.Errorf("tile %s: %w", rec.TileID, err)
	}

	chain := append([]TransformDescriptor{}, rec.Transforms...)
	if len(rec.MipmapLevels) > 0 {
		level := bestMipmapLevel(layerScale, rec.MipmapLevels)
		scaleTransform := createScaleLevelTransform(level)
		chain = append([]TransformDescriptor{{
			ClassName:  scaleTransform.ClassName(),
			DataString: ModelDataString(scaleTransform),
		}}, chain...)
	}

	out := rec
	out.Transforms = append(chain, TransformDescriptor{
		ClassName:  transform.ClassName(),
		DataString: transform.DataString(),
	})

	corner0, err := ApplyDescriptorChain(out.Transforms, [2]float64{0, 0})
	if err != nil {
		return TileSpecRecord{}, fmt.Errorf("tile %s: recomputing bbox: %w", rec.TileID, err)
	}
	corner1, err := ApplyDescriptorChain(out.Transforms, [2]float64{float64(rec.Width), float64(rec.Height)})
	if err != nil {
		return TileSpecRecord{}, fmt.Errorf("tile %s: recomputing bbox: %w", rec.TileID, err)
	}
	bound0 := BoundFromArray([4]float64{corner0.W[0], corner0.W[1], corner0.W[0], corner0.W[1]})
	bound1 := BoundFromArray([4]float64{corner1.W[0], corner1.W[1], corner1.W[0], corner1.W[1]})
	out.BBox = ArrayFromBound(unionBound(bound0, bound1))

	return out, nil
}

// sortedTileSpecLayers returns m's keys in ascending order.
func sortedTileSpecLayers(m map[int][]TileSpecRecord) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// toIntSet returns xs as a membership set.
func toIntSet(xs []int) map[int]bool {
	out := make(map[int]bool, len(xs))
	for _, x := range xs {
		out[x] = true
	}
	return out
}
