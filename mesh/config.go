package mesh

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables for an alignment run, loadable from a
// YAML job file and overridable field-by-field from CLI flags (flags win),
// mirroring the teacher's config-plus-override layering in
// MergeCalibrationIntoConfig/GetEffectiveReference.
type Config struct {
	CorrFiles     []string `yaml:"corrFiles"`
	TilespecFiles []string `yaml:"tilespecFiles"`
	FixedLayers   []int    `yaml:"fixedLayers"`
	ImageWidth    int      `yaml:"imageWidth"`
	ImageHeight   int      `yaml:"imageHeight"`
	TargetDir     string   `yaml:"targetDir"`

	ModelIndex                int     `yaml:"modelIndex"`
	LayerScale                float64 `yaml:"layerScale"`
	ResolutionSpringMesh      int     `yaml:"resolutionSpringMesh"`
	StiffnessSpringMesh       float64 `yaml:"stiffnessSpringMesh"`
	DampSpringMesh            float64 `yaml:"dampSpringMesh"`
	MaxStretchSpringMesh      float64 `yaml:"maxStretchSpringMesh"`
	MaxEpsilon                float64 `yaml:"maxEpsilon"`
	MaxIterationsSpringMesh   int     `yaml:"maxIterationsSpringMesh"`
	MaxPlateauwidthSpringMesh int     `yaml:"maxPlateauwidthSpringMesh"`
	MaxLayersDistance         int     `yaml:"maxLayersDistance"`
	UseLegacyOptimizer        bool    `yaml:"useLegacyOptimizer"`
	Threads                   int     `yaml:"threads"`
	FromLayer                 int     `yaml:"fromLayer"`
	ToLayer                   int     `yaml:"toLayer"`
	SkipLayers                []int   `yaml:"skipLayers"`
}

// DefaultConfig returns a Config populated with spec.md §6's documented
// defaults.
func DefaultConfig() Config {
	return Config{
		ModelIndex:                1,
		LayerScale:                0.1,
		ResolutionSpringMesh:      32,
		StiffnessSpringMesh:       0.1,
		DampSpringMesh:            0.9,
		MaxStretchSpringMesh:      2000,
		MaxEpsilon:                200,
		MaxIterationsSpringMesh:   1000,
		MaxPlateauwidthSpringMesh: 200,
		MaxLayersDistance:         1,
		ToLayer:                   -1,
	}
}

// LoadConfig loads a YAML job file over top of DefaultConfig, so fields the
// file omits keep their documented default.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return &config, nil
}

// SaveConfig writes config to path as YAML, for checking a resolved job
// configuration into version control.
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// ParseRangeExpression parses a --skipLayers-style range expression
// ("3,5-7,12") into the sorted, deduplicated set of layer indices it names.
// Follows the teacher's hand-rolled comma/dash parser style in
// BuildForceRotationMap rather than pulling in a grammar library.
func ParseRangeExpression(expr string) ([]int, error) {
	seen := make(map[int]bool)
	remaining := strings.TrimSpace(expr)
	for remaining != "" {
		var part string
		idx := indexOfByte(remaining, ',')
		if idx == -1 {
			part = remaining
			remaining = ""
		} else {
			part = remaining[:idx]
			remaining = remaining[idx+1:]
		}
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		dash := indexOfByte(part, '-')
		if dash == -1 {
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("skipLayers: invalid entry %q: %w", part, err)
			}
			seen[n] = true
			continue
		}
		lo, err := strconv.Atoi(part[:dash])
		if err != nil {
			return nil, fmt.Errorf("skipLayers: invalid range start %q: %w", part, err)
		}
		hi, err := strconv.Atoi(part[dash+1:])
		if err != nil {
			return nil, fmt.Errorf("skipLayers: invalid range end %q: %w", part, err)
		}
		if hi < lo {
			return nil, fmt.Errorf("skipLayers: range %q is backwards", part)
		}
		for n := lo; n <= hi; n++ {
			seen[n] = true
		}
	}
	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sortInts(out)
	return out, nil
}

func sortInts(xs []int) {
	sort.Ints(xs)
}

func indexOfByte(s string, sep byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return i
		}
	}
	return -1
}

// ParseListOrListFile parses a --corrFiles/--tilespecFiles-style value: a
// literal comma-separated list, or an @-prefixed path to a list file with
// one entry per line (blank lines and lines starting with # are skipped).
func ParseListOrListFile(value string) ([]string, error) {
	if value == "" {
		return nil, nil
	}
	if strings.HasPrefix(value, "@") {
		path := value[1:]
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading list file %s: %w", path, err)
		}
		var out []string
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			out = append(out, line)
		}
		return out, nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out, nil
}

// ApplyOverrides merges CLI-flag-sourced values into cfg, field by field,
// so that flags the caller explicitly set win over whatever LoadConfig (or
// DefaultConfig) produced. set holds only the flags the caller actually
// passed, keyed by flag name (as from flag.Visit), mirroring the teacher's
// config-plus-override layering.
func ApplyOverrides(cfg *Config, set map[string]string) error {
	for name, raw := range set {
		switch name {
		case "corrFiles":
			files, err := ParseListOrListFile(raw)
			if err != nil {
				return err
			}
			cfg.CorrFiles = files
		case "tilespecFiles":
			files, err := ParseListOrListFile(raw)
			if err != nil {
				return err
			}
			cfg.TilespecFiles = files
		case "fixedLayers":
			layers, err := ParseRangeExpression(raw)
			if err != nil {
				return err
			}
			cfg.FixedLayers = layers
		case "skipLayers":
			layers, err := ParseRangeExpression(raw)
			if err != nil {
				return err
			}
			cfg.SkipLayers = layers
		case "imageWidth":
			v, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("imageWidth: %w", err)
			}
			cfg.ImageWidth = v
		case "imageHeight":
			v, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("imageHeight: %w", err)
			}
			cfg.ImageHeight = v
		case "targetDir":
			cfg.TargetDir = raw
		case "modelIndex":
			v, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("modelIndex: %w", err)
			}
			cfg.ModelIndex = v
		case "layerScale":
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("layerScale: %w", err)
			}
			cfg.LayerScale = v
		case "resolutionSpringMesh":
			v, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("resolutionSpringMesh: %w", err)
			}
			cfg.ResolutionSpringMesh = v
		case "stiffnessSpringMesh":
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("stiffnessSpringMesh: %w", err)
			}
			cfg.StiffnessSpringMesh = v
		case "dampSpringMesh":
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("dampSpringMesh: %w", err)
			}
			cfg.DampSpringMesh = v
		case "maxStretchSpringMesh":
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("maxStretchSpringMesh: %w", err)
			}
			cfg.MaxStretchSpringMesh = v
		case "maxEpsilon":
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("maxEpsilon: %w", err)
			}
			cfg.MaxEpsilon = v
		case "maxIterationsSpringMesh":
			v, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("maxIterationsSpringMesh: %w", err)
			}
			cfg.MaxIterationsSpringMesh = v
		case "maxPlateauwidthSpringMesh":
			v, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("maxPlateauwidthSpringMesh: %w", err)
			}
			cfg.MaxPlateauwidthSpringMesh = v
		case "maxLayersDistance":
			v, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("maxLayersDistance: %w", err)
			}
			cfg.MaxLayersDistance = v
		case "useLegacyOptimizer":
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("useLegacyOptimizer: %w", err)
			}
			cfg.UseLegacyOptimizer = v
		case "threads":
			v, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("threads: %w", err)
			}
			cfg.Threads = v
		case "fromLayer":
			v, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("fromLayer: %w", err)
			}
			cfg.FromLayer = v
		case "toLayer":
			v, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("toLayer: %w", err)
			}
			cfg.ToLayer = v
		}
	}
	return nil
}

// Validate checks the fields spec.md §6 marks required.
func (c *Config) Validate() error {
	if len(c.CorrFiles) == 0 {
		return fmt.Errorf("corrFiles is required")
	}
	if len(c.TilespecFiles) == 0 {
		return fmt.Errorf("tilespecFiles is required")
	}
	if c.ImageWidth <= 0 || c.ImageHeight <= 0 {
		return fmt.Errorf("imageWidth and imageHeight must be positive")
	}
	if c.TargetDir == "" {
		return fmt.Errorf("targetDir is required")
	}
	if c.ModelIndex < 0 || c.ModelIndex > 4 {
		return fmt.Errorf("modelIndex must be in [0,4], got %d", c.ModelIndex)
	}
	return nil
}
