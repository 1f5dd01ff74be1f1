package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kwv/elasticalign/mesh"
)

// Exit codes, per spec.md §6.
const (
	exitSuccess     = 0
	exitInputParse  = 1
	exitConvergence = 2
	exitIO          = 3
)

// AppOptions bundles the CLI-flag-derived values ApplyOptions copies onto
// an App.
type AppOptions struct {
	ConfigFile      string
	Overrides       map[string]string
	MQTTBroker      string
	MQTTTopicPrefix string
}

// App encapsulates the application state and dependencies for one
// alignment run.
type App struct {
	Config   *mesh.Config
	Report   *mesh.RunReport
	Progress *mesh.ProgressReporter

	// CLI flags (effectively dependencies)
	ConfigFile      string
	Overrides       map[string]string
	MQTTBroker      string
	MQTTTopicPrefix string

	mqttClient mqtt.Client
}

// NewApp creates a new App instance.
func NewApp() *App {
	return &App{Overrides: make(map[string]string)}
}

// ApplyOptions applies CLI options to the App instance.
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.Overrides = opts.Overrides
	a.MQTTBroker = opts.MQTTBroker
	a.MQTTTopicPrefix = opts.MQTTTopicPrefix
}

// Run loads configuration, parses the tile-spec and correspondence
// inputs, executes the aligner, and writes the per-layer results and run
// report to disk. It returns the process exit code spec.md §6 documents
// (0 success; 1 input-parse error; 2 convergence failure; 3 I/O error),
// never os.Exit directly, so tests and main() can share one code path.
func (a *App) Run(ctx context.Context) int {
	cfg, err := a.loadConfig()
	if err != nil {
		log.Printf("Error: %v", err)
		return exitIO
	}

	if err := mesh.ApplyOverrides(cfg, a.Overrides); err != nil {
		log.Printf("Error: invalid flag value: %v", err)
		return exitInputParse
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("Error: %v", err)
		return exitInputParse
	}
	a.Config = cfg

	tileSpecs, urlToLayer, err := loadTileSpecs(cfg.TilespecFiles)
	if err != nil {
		log.Printf("Error: %v", err)
		return exitInputParse
	}

	specs, err := loadCorrespondences(cfg.CorrFiles)
	if err != nil {
		log.Printf("Error: %v", err)
		return exitInputParse
	}

	if err := os.MkdirAll(cfg.TargetDir, 0755); err != nil {
		log.Printf("Error: creating target directory %s: %v", cfg.TargetDir, err)
		return exitIO
	}

	a.Report = mesh.NewRunReport()
	a.Progress = a.newProgressReporter()
	defer a.disconnectMQTT()

	pool := mesh.NewPool(cfg.Threads, ctx)

	log.Printf("[ALIGN] starting run: %d tile-spec files, %d correspondence files, targetDir=%s",
		len(cfg.TilespecFiles), len(cfg.CorrFiles), cfg.TargetDir)

	result, err := mesh.Align(ctx, &mesh.AlignInput{
		Config:     cfg,
		TileSpecs:  tileSpecs,
		URLToLayer: urlToLayer,
		LoadLayer:  mesh.FirstLayer,
		Specs:      specs,
		Pool:       pool,
		Progress:   a.Progress,
		Report:     a.Report,
	})
	if err != nil {
		log.Printf("Error: %v", err)
		if reportErr := a.Report.WriteJSON(filepath.Join(cfg.TargetDir, "run-report.json")); reportErr != nil {
			log.Printf("Warning: failed to write run report: %v", reportErr)
		}
		return classifyRunError(err)
	}

	if err := a.writeResults(cfg, urlToLayer, result); err != nil {
		log.Printf("Error: %v", err)
		return exitIO
	}

	if err := a.Report.WriteJSON(filepath.Join(cfg.TargetDir, "run-report.json")); err != nil {
		log.Printf("Error: writing run report: %v", err)
		return exitIO
	}

	log.Printf("[ALIGN] run complete: %d layers written to %s", len(result.TileSpecs), cfg.TargetDir)
	return exitSuccess
}

// writeResults writes every aligned layer's tile-spec records to
// cfg.TargetDir, reusing the basename of whichever input tile-spec file
// named that layer.
func (a *App) writeResults(cfg *mesh.Config, urlToLayer map[string]int, result *mesh.AlignResult) error {
	layerToFile := make(map[int]string, len(urlToLayer))
	for file, layer := range urlToLayer {
		layerToFile[layer] = file
	}
	for layer, recs := range result.TileSpecs {
		file, ok := layerToFile[layer]
		if !ok {
			file = fmt.Sprintf("layer-%d.json", layer)
		}
		outPath := filepath.Join(cfg.TargetDir, filepath.Base(file))
		if err := mesh.WriteTileSpecs(outPath, recs); err != nil {
			return err
		}
	}
	return nil
}

// loadConfig loads DefaultConfig, or a YAML job file over it when
// a.ConfigFile names one.
func (a *App) loadConfig() (*mesh.Config, error) {
	if a.ConfigFile == "" {
		cfg := mesh.DefaultConfig()
		return &cfg, nil
	}
	return mesh.LoadConfig(a.ConfigFile)
}

// newProgressReporter builds the run's progress reporter, optionally
// republishing phase events to a.MQTTBroker when one was configured.
// Connection failures are logged and fall back to the stdout-only path;
// telemetry is best-effort and never blocks a run (spec.md §4.J).
func (a *App) newProgressReporter() *mesh.ProgressReporter {
	if a.MQTTBroker == "" {
		return mesh.NewProgressReporter(nil, "")
	}

	opts := mqtt.NewClientOptions().AddBroker(a.MQTTBroker).SetClientID("elasticalign-progress")
	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		log.Printf("Warning: failed to connect to MQTT broker %s: %v", a.MQTTBroker, err)
		return mesh.NewProgressReporter(nil, "")
	}

	a.mqttClient = client
	prefix := a.MQTTTopicPrefix
	if prefix == "" {
		prefix = "elasticalign"
	}
	log.Printf("Connected to MQTT broker %s, publishing progress to %s/events", a.MQTTBroker, prefix)
	return mesh.NewProgressReporter(client, prefix+"/events")
}

func (a *App) disconnectMQTT() {
	if a.mqttClient != nil {
		a.mqttClient.Disconnect(250)
	}
}

// loadTileSpecs reads every tile-spec file, groups its records by layer,
// and returns the per-layer record map alongside the file-to-layer index
// BuildCorrespondenceIndex needs to resolve correspondence URLs.
func loadTileSpecs(paths []string) (map[int][]mesh.TileSpecRecord, map[string]int, error) {
	recsByPath := make(map[string][]mesh.TileSpecRecord, len(paths))
	var errs []error
	for _, path := range paths {
		recs, err := mesh.LoadTileSpecs(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		recsByPath[path] = recs
	}
	if len(errs) > 0 {
		return nil, nil, joinErrors(errs)
	}

	urlToLayer, err := mesh.BuildURLToLayerMap(paths)
	if err != nil {
		return nil, nil, err
	}
	out := make(map[int][]mesh.TileSpecRecord)
	for _, path := range paths {
		out[urlToLayer[path]] = append(out[urlToLayer[path]], recsByPath[path]...)
	}
	return out, urlToLayer, nil
}

// loadCorrespondences reads every correspondence file, collecting parse
// failures across all files before aborting, per spec.md §7's "abort
// after parsing completes, not on first error."
func loadCorrespondences(paths []string) ([]mesh.CorrespondenceSpec, error) {
	var out []mesh.CorrespondenceSpec
	var errs []error
	for _, path := range paths {
		specs, err := mesh.LoadCorrespondenceFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, specs...)
	}
	if len(errs) > 0 {
		return nil, joinErrors(errs)
	}
	return out, nil
}

func joinErrors(errs []error) error {
	msg := fmt.Sprintf("%d file(s) failed to parse:", len(errs))
	for _, e := range errs {
		msg += "\n  " + e.Error()
	}
	return errors.New(msg)
}

// classifyRunError maps an Align failure to the exit code spec.md §6
// documents for its error kind.
func classifyRunError(err error) int {
	switch {
	case errors.Is(err, mesh.ErrMissingLayer), errors.Is(err, mesh.ErrDuplicateCorrespondence):
		return exitInputParse
	case errors.Is(err, mesh.ErrMeshCollapse),
		errors.Is(err, mesh.ErrNotEnoughDataPoints),
		errors.Is(err, mesh.ErrNonInvertibleModel),
		errors.Is(err, mesh.ErrCanceled):
		return exitConvergence
	default:
		return exitIO
	}
}
