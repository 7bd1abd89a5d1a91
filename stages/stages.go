// Package stages implements the pipeline stages. Each stage consumes
// artifacts recorded in the run manifest and records the artifacts it
// produces; stages never re-derive object IDs from directory listings.
package stages

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/chsahit/metric-sam3d/appconfig"
	"github.com/chsahit/metric-sam3d/capture"
	"github.com/chsahit/metric-sam3d/manifest"
)

// Run carries everything a stage needs: the loaded capture, the
// manifest it must update, and the tool configuration.
type Run struct {
	Config   appconfig.Config
	Capture  *capture.Capture
	Manifest *manifest.Manifest

	OutputDir     string
	Device        int
	EstRefineIter int
	Debug         bool

	// Log receives one line at a time, both orchestrator messages and
	// child process output.
	Log func(string)
}

func (r *Run) logf(format string, args ...interface{}) {
	if r.Log != nil {
		r.Log(fmt.Sprintf(format, args...))
	}
}

func (r *Run) logLine(line string) {
	if r.Log != nil {
		r.Log(line)
	}
}

// MeshDir is where the mesh generator writes {id}.obj per object.
func (r *Run) MeshDir() string {
	return filepath.Join(r.OutputDir, "meshes")
}

// PreparedDir is the root of the prepared-data tree.
func (r *Run) PreparedDir() string {
	return filepath.Join(r.OutputDir, "prepared_data")
}

// ScaleMapPath is the scale mapping file written by the scale stage.
func (r *Run) ScaleMapPath() string {
	return filepath.Join(r.OutputDir, "scales.txt")
}

// ResultsDir holds the registered meshes under completion_output/.
func (r *Run) ResultsDir() string {
	return filepath.Join(r.OutputDir, "results")
}

// RegisteredDir is where the pose registrar writes {id}.obj.
func (r *Run) RegisteredDir() string {
	return filepath.Join(r.ResultsDir(), "completion_output")
}

// saveManifest persists the manifest after a stage mutation.
func (r *Run) saveManifest() error {
	if err := r.Manifest.Save(); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	return nil
}

// Stage is one runnable pipeline step.
type Stage struct {
	ID   string
	Name string
	Fn   func(ctx context.Context, r *Run) error
}

var registry = map[string]Stage{}

// Order is the standard pipeline stage order. The segment stage is
// prepended only for the auto-segmentation pipeline.
var Order = []string{"meshgen", "prepare", "scale", "register"}

// SegmentStage is the optional first stage ID.
const SegmentStage = "segment"

func init() {
	register(SegmentStage, "Auto Segmentation", segmentStage)
	register("meshgen", "Mesh Generation", meshgenStage)
	register("prepare", "Data Preparation", prepareStage)
	register("scale", "Scale Estimation", scaleStage)
	register("register", "Pose Registration", registerStage)
}

func register(id, name string, fn func(ctx context.Context, r *Run) error) {
	registry[id] = Stage{ID: id, Name: name, Fn: fn}
}

// Get returns the stage with the given ID.
func Get(id string) (Stage, error) {
	s, ok := registry[id]
	if !ok {
		return Stage{}, fmt.Errorf("unknown stage %q", id)
	}
	return s, nil
}

// IDs returns all registered stage IDs in pipeline order, segment
// first.
func IDs() []string {
	return append([]string{SegmentStage}, Order...)
}
