package mesh

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/paulmach/orb"
)

// TransformDescriptor is one link of a tile's transform chain as written
// to a tile-spec file: a className discriminator plus an opaque
// dataString, matching the format every transform kind (including
// MLSTransform) serializes to and parses from.
type TransformDescriptor struct {
	ClassName  string `json:"className"`
	DataString string `json:"dataString"`
}

// TileSpecRecord is one entry of a tile-spec file.
type TileSpecRecord struct {
	TileID       string                `json:"tileId"`
	Layer        int                   `json:"layer"`
	BBox         [4]float64            `json:"bbox"`
	Transforms   []TransformDescriptor `json:"transforms"`
	MipmapLevels []int                 `json:"mipmapLevels,omitempty"`
	Width        int                   `json:"width"`
	Height       int                   `json:"height"`
	Z            *float64              `json:"z,omitempty"`
}

// LoadTileSpecs reads and decodes a tile-spec file (a JSON array of
// TileSpecRecord). A record with layer == -1 is a hard error, per
// spec.md §6.
func LoadTileSpecs(path string) ([]TileSpecRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tile-spec file %s: %w", path, err)
	}
	var records []TileSpecRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing tile-spec file %s: %w", path, err)
	}
	for _, r := range records {
		if r.Layer == -1 {
			return nil, fmt.Errorf("%w: tile %s has layer -1 in %s", ErrMissingLayer, r.TileID, path)
		}
	}
	return records, nil
}

// FirstLayer returns the layer field of the first record in path's
// tile-spec file, for resolving a correspondence record's URL when the
// caller's url-to-layer map has no entry (spec.md §4.D step 1).
func FirstLayer(path string) (int, error) {
	records, err := LoadTileSpecs(path)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, fmt.Errorf("%w: %s has no tiles", ErrMissingLayer, path)
	}
	return records[0].Layer, nil
}

// BuildURLToLayerMap indexes a set of tile-spec file paths by layer,
// assuming every tile in a file shares that file's layer (the structure
// spec.md's fix-up and wiring steps assume).
func BuildURLToLayerMap(tilespecFiles []string) (map[string]int, error) {
	out := make(map[string]int, len(tilespecFiles))
	for _, path := range tilespecFiles {
		layer, err := FirstLayer(path)
		if err != nil {
			return nil, err
		}
		out[path] = layer
	}
	return out, nil
}

// rawPoint is the wire shape of a p1/p2 entry in a correspondence file.
type rawPoint struct {
	L [2]float64 `json:"l"`
	W [2]float64 `json:"w"`
}

type rawPointPair struct {
	P1 rawPoint `json:"p1"`
	P2 rawPoint `json:"p2"`
	W  float64  `json:"w"`
}

type rawCorrespondenceRecord struct {
	URL1                    string         `json:"url1"`
	URL2                    string         `json:"url2"`
	CorrespondencePointPairs []rawPointPair `json:"correspondencePointPairs"`
	ShouldConnect           bool           `json:"shouldConnect"`
}

// LoadCorrespondenceFile reads and decodes a correspondence file (a JSON
// array of records, each carrying a list of point-match pairs), producing
// fresh *Point storage for every match endpoint.
func LoadCorrespondenceFile(path string) ([]CorrespondenceSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading correspondence file %s: %w", path, err)
	}
	var raw []rawCorrespondenceRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing correspondence file %s: %w", path, err)
	}

	specs := make([]CorrespondenceSpec, len(raw))
	for i, r := range raw {
		matches := make([]PointMatch, len(r.CorrespondencePointPairs))
		for j, pair := range r.CorrespondencePointPairs {
			p1 := &Point{L: pair.P1.L, W: pair.P1.W}
			p2 := &Point{L: pair.P2.L, W: pair.P2.W}
			weight := pair.W
			if weight < 0 {
				weight = 0
			}
			matches[j] = NewPointMatch(p1, p2, weight)
		}
		specs[i] = CorrespondenceSpec{
			URL1: r.URL1, URL2: r.URL2,
			Matches: matches, ShouldConnect: r.ShouldConnect,
		}
	}
	return specs, nil
}

// WriteTileSpecs writes records to path as a JSON array, the format
// produced by the aligner's emit step.
func WriteTileSpecs(path string, records []TileSpecRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling tile-spec records: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing tile-spec file %s: %w", path, err)
	}
	return nil
}

// BoundFromArray converts a [minX, minY, maxX, maxY] world AABB, the
// tile-spec wire format, to an orb.Bound.
func BoundFromArray(bbox [4]float64) orb.Bound {
	return orb.Bound{Min: orb.Point{bbox[0], bbox[1]}, Max: orb.Point{bbox[2], bbox[3]}}
}

// ArrayFromBound converts an orb.Bound back to the [minX, minY, maxX,
// maxY] tile-spec wire format.
func ArrayFromBound(b orb.Bound) [4]float64 {
	return [4]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
}

// unionBound returns the smallest bound containing both a and b.
func unionBound(a, b orb.Bound) orb.Bound {
	out := a.Extend(b.Min)
	out = out.Extend(b.Max)
	return out
}

// bestMipmapLevel selects the coarsest available mipmap level whose
// downsample factor (2^level) does not exceed 1/scale, per spec.md §8's
// boundary-behavior requirement. Kept even though mipmap *generation* is
// out of scope: choosing among already-described levels is metadata math
// the aligner needs when composing a tile's transform chain.
func bestMipmapLevel(scale float64, availableLevels []int) int {
	if scale <= 0 || len(availableLevels) == 0 {
		return 0
	}
	ideal := int(math.Floor(math.Log2(1 / scale)))
	best := 0
	found := false
	for _, lvl := range availableLevels {
		if lvl <= ideal && (!found || lvl > best) {
			best = lvl
			found = true
		}
	}
	return best
}

// ApplyDescriptorChain maps local point l through every transform in
// descs, in order, feeding each transform's world output as the next
// transform's local input — the same chained-application semantics the
// aligner's emit step (4.E step 8) relies on when recomputing a tile's
// world AABB after appending its new MLS link.
func ApplyDescriptorChain(descs []TransformDescriptor, l [2]float64) (Point, error) {
	cur := Point{L: l, W: l}
	for _, d := range descs {
		if d.ClassName == mlsClassName {
			t, err := ParseMLSDataString(d.DataString)
			if err != nil {
				return Point{}, fmt.Errorf("parsing mls transform: %w", err)
			}
			cur = t.Apply(Point{L: cur.W})
			continue
		}
		m, err := ParseTransformDescriptor(d)
		if err != nil {
			return Point{}, err
		}
		cur = m.Apply(Point{L: cur.W})
	}
	return cur, nil
}

// createScaleLevelTransform returns the affine model mapping a point in
// mipmap level `level`'s downsampled coordinate space to full-resolution
// coordinates: scale factor 2^level, plus the (2^level-1)/2 translation
// that keeps pixel centers aligned across levels, per spec.md §8.
func createScaleLevelTransform(level int) *AffineModel {
	s := math.Pow(2, float64(level))
	t := (s - 1) / 2
	return &AffineModel{M00: s, M11: s, Tx: t, Ty: t}
}
