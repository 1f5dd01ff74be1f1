package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	configFile = flag.String("config", "", "Path to YAML job configuration file")

	corrFiles     = flag.String("corrFiles", "", "Comma-separated correspondence files, or @listfile")
	tilespecFiles = flag.String("tilespecFiles", "", "Comma-separated tile-spec files, or @listfile")
	fixedLayers   = flag.String("fixedLayers", "", "Range expression of layers to hold fixed during pre-align (e.g. 0 or 3,5-7)")
	skipLayers    = flag.String("skipLayers", "", "Range expression of layers to exclude from the run (e.g. 3,5-7,12)")
	imageWidth    = flag.Int("imageWidth", 0, "Full-resolution tile image width in pixels")
	imageHeight   = flag.Int("imageHeight", 0, "Full-resolution tile image height in pixels")
	targetDir     = flag.String("targetDir", "", "Directory to write aligned tile-spec files and the run report")

	modelIndex                = flag.Int("modelIndex", 1, "Transform model: 0=Translation 1=Rigid 2=Similarity 3=Affine 4=Homography")
	layerScale                = flag.Float64("layerScale", 0.1, "Scale factor applied to mesh coordinates during the solve")
	resolutionSpringMesh      = flag.Int("resolutionSpringMesh", 32, "Spring-mesh lattice resolution")
	stiffnessSpringMesh       = flag.Float64("stiffnessSpringMesh", 0.1, "Spring-mesh stiffness constant")
	dampSpringMesh            = flag.Float64("dampSpringMesh", 0.9, "Spring-mesh velocity damping factor")
	maxStretchSpringMesh      = flag.Float64("maxStretchSpringMesh", 2000, "Maximum spring stretch ratio before force is clipped")
	maxEpsilon                = flag.Float64("maxEpsilon", 200, "Target mean point-match error for convergence")
	maxIterationsSpringMesh   = flag.Int("maxIterationsSpringMesh", 1000, "Maximum relaxation iterations per mesh")
	maxPlateauwidthSpringMesh = flag.Int("maxPlateauwidthSpringMesh", 200, "Plateau width (iterations) before declaring convergence stalled")
	maxLayersDistance         = flag.Int("maxLayersDistance", 1, "Maximum layer distance over which inter-layer springs are wired")
	useLegacyOptimizer        = flag.Bool("useLegacyOptimizer", false, "Use the legacy (non-plateau-aware) mesh optimizer")
	threads                   = flag.Int("threads", 0, "Worker pool size (0 = runtime.NumCPU())")
	fromLayer                 = flag.Int("fromLayer", 0, "First layer index to include in the run")
	toLayer                   = flag.Int("toLayer", -1, "Last layer index to include in the run (-1 = last layer present)")

	mqttBroker      = flag.String("mqttBroker", "", "Optional MQTT broker URL for publishing run progress (e.g. tcp://localhost:1883)")
	mqttTopicPrefix = flag.String("mqttTopicPrefix", "elasticalign", "Topic prefix used when publishing progress to mqttBroker")
)

func main() {
	flag.Parse()
	fmt.Printf("elasticalign version: %s\n", Version)

	overrides := make(map[string]string)
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "corrFiles", "tilespecFiles", "fixedLayers", "skipLayers", "imageWidth", "imageHeight",
			"targetDir", "modelIndex", "layerScale", "resolutionSpringMesh", "stiffnessSpringMesh",
			"dampSpringMesh", "maxStretchSpringMesh", "maxEpsilon", "maxIterationsSpringMesh",
			"maxPlateauwidthSpringMesh", "maxLayersDistance", "useLegacyOptimizer", "threads",
			"fromLayer", "toLayer":
			overrides[f.Name] = f.Value.String()
		}
	})
	// flag.Visit reports only flags explicitly set on the command line, but
	// corrFiles/tilespecFiles/etc default to "" rather than a documented
	// Config zero value, so an explicit empty string must still be treated
	// as "not set" to avoid clobbering a job file's values with nothing.
	for _, name := range []string{"corrFiles", "tilespecFiles", "fixedLayers", "skipLayers", "targetDir"} {
		if overrides[name] == "" {
			delete(overrides, name)
		}
	}
	app := NewApp()
	app.ApplyOptions(AppOptions{
		ConfigFile:      *configFile,
		Overrides:       overrides,
		MQTTBroker:      *mqttBroker,
		MQTTTopicPrefix: *mqttTopicPrefix,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\n[ALIGN] received interrupt, canceling run...")
		cancel()
	}()

	os.Exit(app.Run(ctx))
}
