package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/sunilgandhilab/brainquant3d/internal/logx"
	"github.com/sunilgandhilab/brainquant3d/internal/models"
	"github.com/sunilgandhilab/brainquant3d/pkg/config"
	"github.com/sunilgandhilab/brainquant3d/pkg/detection"
	"github.com/sunilgandhilab/brainquant3d/pkg/errs"
	"github.com/sunilgandhilab/brainquant3d/pkg/operators"
	"github.com/sunilgandhilab/brainquant3d/pkg/synth"
	"github.com/sunilgandhilab/brainquant3d/pkg/visualization"
	"github.com/sunilgandhilab/brainquant3d/pkg/volume"
)

const usage = `Usage: brainquant3d <command> [flags]

Commands:
  detect         run the detection pipeline described by a config file
  init-config    write a default config file
  export-slices  write the planes of a volume as TIFF files
  synth          generate a synthetic volume of blobs
  operators      list the available operators

Run 'brainquant3d <command> -h' for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "detect":
		err = runDetect(ctx, os.Args[2:])
	case "init-config":
		err = runInitConfig(os.Args[2:])
	case "export-slices":
		err = runExportSlices(os.Args[2:])
	case "synth":
		err = runSynth(os.Args[2:])
	case "operators":
		for _, name := range operators.Names() {
			fmt.Println(name)
		}
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error kinds to distinct exit statuses
func exitCode(err error) int {
	if errors.Is(err, context.Canceled) {
		return 130
	}
	switch errs.Classify(err) {
	case errs.Configuration:
		return 3
	case errs.Storage:
		return 4
	case errs.Operator:
		return 5
	}
	return 1
}

func runDetect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("detect", flag.ExitOnError)
	configPath := fs.String("config", "brainquant3d.yaml", "Configuration file")
	source := fs.String("source", "", "Override source.path")
	sink := fs.String("sink", "", "Override output.sink")
	processes := fs.Int("processes", 0, "Override processing.processes")
	budget := fs.String("budget", "", "Override processing.memoryBudget, e.g. \"512 MiB\"")
	level := fs.String("log-level", "", "Override output.logLevel")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *source != "" {
		cfg.Source.Path = *source
	}
	if *sink != "" {
		cfg.Output.Sink = *sink
	}
	if *processes > 0 {
		cfg.Processing.Processes = *processes
	}
	if *budget != "" {
		cfg.Processing.MemoryBudget = *budget
	}
	if *level != "" {
		cfg.Output.LogLevel = *level
	}

	logger := logx.NewLogger(cfg.Output.LogLevel, cfg.Output.Console)
	logger.Info().Str("config", *configPath).Str("source", cfg.Source.Path).Msg("Starting detection")

	detector := detection.NewDetector(cfg, logger)
	table, err := detector.Process(ctx)
	if err != nil {
		logger.Error().Err(err).Stringer("kind", errs.Classify(err)).Msg("Detection failed")
		return err
	}

	stats := detector.GetStats()
	fmt.Printf("\nDetection completed in %.2f seconds\n", stats.Elapsed.Seconds())
	fmt.Printf("Volume: %v, %d chunks on %d workers\n", stats.Shape, stats.Chunks, cfg.Processing.Processes)
	fmt.Printf("Objects: %d kept, %d duplicates from overlaps discarded\n", stats.Kept, stats.Discarded)
	fmt.Printf("Per chunk: %.1f +/- %.1f\n", stats.MeanPerChunk, stats.StdPerChunk)
	if stats.Kept > 1 {
		fmt.Printf("Nearest neighbor distance: min %.2f, mean %.2f voxels\n", stats.MinNeighbor, stats.MeanNeighbor)
	}
	if cfg.Output.Sink != "" {
		fmt.Printf("Table with %d rows and %d columns saved to: %s\n", table.Len(), len(table.Columns), cfg.Output.Sink)
	}
	return nil
}

func runInitConfig(args []string) error {
	fs := flag.NewFlagSet("init-config", flag.ExitOnError)
	configPath := fs.String("config", "brainquant3d.yaml", "Path of the config file to write")
	force := fs.Bool("force", false, "Overwrite an existing file")
	fs.Parse(args)

	if _, err := os.Stat(*configPath); err == nil && !*force {
		return errs.Configf("init-config", "%s already exists, use -force to overwrite", *configPath)
	}
	if err := config.CreateDefaultConfigFile(*configPath); err != nil {
		return err
	}
	fmt.Printf("Default configuration written to: %s\n", *configPath)
	return nil
}

func runExportSlices(args []string) error {
	fs := flag.NewFlagSet("export-slices", flag.ExitOnError)
	input := fs.String("input", "", "Volume to export (.vol file, TIFF directory or glob)")
	outputDir := fs.String("output", "slices", "Directory for the slices")
	axes := fs.String("axes", "z", "Comma separated axes to export")
	window := fs.String("window", "", "Intensity window lo,hi; default is the value range")
	fs.Parse(args)

	if *input == "" {
		fs.Usage()
		return errs.Configf("export-slices", "-input is required")
	}

	vol, cleanup, err := openAny(*input)
	if err != nil {
		return err
	}
	defer cleanup()

	viewer := visualization.NewViewer(vol)
	if *window != "" {
		lo, hi, err := parsePair(*window)
		if err != nil {
			return err
		}
		if err := viewer.SetWindow(lo, hi); err != nil {
			return err
		}
	}
	for _, axis := range strings.Split(*axes, ",") {
		axis = strings.TrimSpace(axis)
		axisDir := filepath.Join(*outputDir, axis)
		n, err := viewer.SaveSliceSequence(axis, axisDir, "")
		if err != nil {
			return err
		}
		fmt.Printf("Saved %d %s-axis slices to: %s\n", n, axis, axisDir)
	}
	return nil
}

// openAny opens a .vol file directly and imports anything else into a
// temporary file that cleanup removes.
func openAny(path string) (*volume.Volume, func(), error) {
	if strings.EqualFold(filepath.Ext(path), volume.Extension) {
		v, err := volume.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return v, func() { v.Close() }, nil
	}
	dir, err := volume.NewRunDir("", "bq3d-export-")
	if err != nil {
		return nil, nil, err
	}
	v, err := volume.Import(path, volume.TempPath(dir), nil)
	if err != nil {
		volume.RemoveAll(dir)
		return nil, nil, err
	}
	return v, func() {
		v.Close()
		volume.RemoveAll(dir)
	}, nil
}

func runSynth(args []string) error {
	fs := flag.NewFlagSet("synth", flag.ExitOnError)
	output := fs.String("output", "synthetic.vol", "Output .vol file")
	shapeFlag := fs.String("shape", "64,64,64", "Volume shape Z,Y,X")
	grid := fs.Int("grid", 4, "Blobs per axis")
	offset := fs.Int("offset", 8, "Position of the first blob on every axis")
	spacing := fs.Int("spacing", 16, "Distance between blob centers")
	radius := fs.Int("radius", 3, "Blob half width")
	intensity := fs.Float64("intensity", 1000, "Blob intensity")
	noise := fs.Uint("noise", 50, "Uniform noise amplitude")
	seed := fs.Uint("seed", 1, "Noise seed")
	fs.Parse(args)

	shape, err := parseShape(*shapeFlag)
	if err != nil {
		return err
	}
	centers := synth.Grid(*grid, *offset, *spacing)
	v, err := synth.Blobs(shape, centers, *radius, *intensity)
	if err != nil {
		return err
	}
	synth.WithNoise(v, uint32(*noise), uint32(*seed))

	out, err := volume.Materialize(v, models.Full(shape), *output)
	if err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	fmt.Printf("Synthetic volume %v with %d blobs (%s) saved to: %s\n",
		shape, len(centers), humanize.IBytes(uint64(shape.Voxels()*v.DType().ItemSize())), *output)
	return nil
}

func parseShape(s string) (models.Shape, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return models.Shape{}, errs.Configf("synth", "shape %q must have three comma separated sizes", s)
	}
	var shape models.Shape
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 1 {
			return models.Shape{}, errs.Configf("synth", "bad size %q in shape %q", p, s)
		}
		shape[i] = n
	}
	return shape, nil
}

func parsePair(s string) (float64, float64, error) {
	lo, hi, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, errs.Configf("window", "window %q must be lo,hi", s)
	}
	a, err1 := strconv.ParseFloat(strings.TrimSpace(lo), 64)
	b, err2 := strconv.ParseFloat(strings.TrimSpace(hi), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, errs.Configf("window", "window %q must be two numbers", s)
	}
	return a, b, nil
}
