// Command segpipeline runs the full pipeline including the
// auto-segmentation stage, so the capture folder does not need
// pre-made masks. Requires OPENAI_API_KEY for the segmenter's
// prompting step.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/chsahit/metric-sam3d/appconfig"
	depspkg "github.com/chsahit/metric-sam3d/deps"
	"github.com/chsahit/metric-sam3d/pipeline"
)

func main() {
	device := flag.Int("device", -1, "CUDA device index (defaults to the configured device)")
	debug := flag.Bool("debug", false, "Keep pose registrar debug output")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <capture_folder> <output_folder>\n\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}
	captureDir, outputDir := flag.Arg(0), flag.Arg(1)

	if os.Getenv("OPENAI_API_KEY") == "" {
		log.Fatal("OPENAI_API_KEY is not set; the segmentation stage cannot run")
	}

	cfg, _, err := appconfig.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	appconfig.Set(cfg)

	dev := cfg.DefaultDevice
	if *device >= 0 {
		dev = *device
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	depspkg.RegisterAll(cfg)
	for _, id := range []string{"segmenter", "mesh-generator", "scale-estimator", "pose-registrar", "poselib"} {
		if err := depspkg.EnsureAvailable(ctx, id); err != nil {
			log.Fatalf("%v", err)
		}
	}

	m, err := pipeline.Run(ctx, cfg, captureDir, outputDir, pipeline.Options{
		Device:  dev,
		Segment: true,
		Debug:   *debug,
	})
	if err != nil {
		log.Fatalf("Pipeline failed: %v", err)
	}

	log.Printf("Run %s complete: %d objects registered under %s", m.RunID, len(m.Objects), outputDir)
}
