// Package pipeline sequences the stages of a run. Stages execute
// strictly one at a time in fixed order and the first failure aborts
// the run; artifacts from completed stages stay on disk so a run can
// be resumed with the from-stage option.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/chsahit/metric-sam3d/appconfig"
	"github.com/chsahit/metric-sam3d/capture"
	"github.com/chsahit/metric-sam3d/manifest"
	"github.com/chsahit/metric-sam3d/stages"
)

// Options configures one run.
type Options struct {
	// Device is the CUDA device index.
	Device int

	// Segment runs the auto-segmentation stage first; the capture may
	// then omit masks/.
	Segment bool

	// FromStage resumes an existing run directory starting at the
	// named stage.
	FromStage string

	EstRefineIter int
	Debug         bool

	// Log receives progress lines; defaults to the standard logger.
	Log func(string)
}

// Run executes the pipeline for one capture. On success the returned
// manifest records every artifact, including the registered meshes
// under results/completion_output/.
func Run(ctx context.Context, cfg appconfig.Config, captureDir, outputDir string, opts Options) (*manifest.Manifest, error) {
	logLine := opts.Log
	if logLine == nil {
		logLine = func(l string) { log.Println(l) }
	}
	if opts.EstRefineIter <= 0 {
		opts.EstRefineIter = cfg.EstRefineIter
	}

	order := stages.Order
	if opts.Segment {
		order = append([]string{stages.SegmentStage}, order...)
	}

	var (
		m   *manifest.Manifest
		c   *capture.Capture
		err error
	)
	start := 0
	if opts.FromStage != "" {
		m, c, start, err = resume(captureDir, outputDir, order, opts.FromStage)
		if err != nil {
			return nil, err
		}
	} else {
		c, err = capture.Load(captureDir)
		if err != nil {
			return nil, fmt.Errorf("load capture: %w", err)
		}
		// The standard pipeline needs caller-supplied masks; fail here,
		// before any stage has run.
		if !opts.Segment {
			if err := c.RequireMasks(); err != nil {
				return nil, err
			}
		}
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
		m = manifest.New(uuid.New().String(), c, outputDir, opts.Device)
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("save manifest: %w", err)
		}
	}

	run := &stages.Run{
		Config:        cfg,
		Capture:       c,
		Manifest:      m,
		OutputDir:     m.OutputDir,
		Device:        opts.Device,
		EstRefineIter: opts.EstRefineIter,
		Debug:         opts.Debug,
		Log:           logLine,
	}

	for _, id := range order[start:] {
		stage, err := stages.Get(id)
		if err != nil {
			return nil, err
		}
		logLine(fmt.Sprintf("stage %s: starting", stage.ID))
		if err := stage.Fn(ctx, run); err != nil {
			return nil, fmt.Errorf("stage %s: %w", stage.ID, err)
		}
		logLine(fmt.Sprintf("stage %s: done", stage.ID))
	}
	return m, nil
}

// resume loads an existing run directory for a from-stage restart. All
// stages before the requested one must already be complete.
func resume(captureDir, outputDir string, order []string, from string) (*manifest.Manifest, *capture.Capture, int, error) {
	start := -1
	for i, id := range order {
		if id == from {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, nil, 0, fmt.Errorf("unknown stage %q", from)
	}

	m, err := manifest.Load(outputDir)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("resume run: %w", err)
	}
	for _, id := range order[:start] {
		if !m.StageDone(id) {
			return nil, nil, 0, fmt.Errorf("cannot resume from %q: stage %q has not completed", from, id)
		}
	}

	dir := m.CaptureDir
	if captureDir != "" {
		dir = captureDir
	}
	c, err := capture.Load(dir)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("load capture: %w", err)
	}
	return m, c, start, nil
}
