// Package manifest defines the typed run manifest shared by all
// pipeline stages. Object identity (the integer ID) is recorded here
// exactly once, at run creation, so no stage ever re-derives it from
// directory listings.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chsahit/metric-sam3d/capture"
)

const FileName = "manifest.json"

var ErrObjectNotFound = errors.New("object not found in manifest")

// Object tracks one segmented object through the pipeline. Paths are
// relative to the run's output directory so a run folder can be moved.
type Object struct {
	ID       int    `json:"id"`
	MaskName string `json:"mask_name"`
	MaskPath string `json:"mask_path"`

	MeshPath       string  `json:"mesh_path,omitempty"`
	ScaledMeshPath string  `json:"scaled_mesh_path,omitempty"`
	RegisteredPath string  `json:"registered_path,omitempty"`
	Scale          float64 `json:"scale,omitempty"`
	HasScale       bool    `json:"has_scale,omitempty"`
}

// Manifest is the single source of truth for one pipeline run.
type Manifest struct {
	RunID      string    `json:"run_id"`
	CaptureDir string    `json:"capture_dir"`
	OutputDir  string    `json:"output_dir"`
	Device     int       `json:"device"`
	CreatedAt  time.Time `json:"created_at"`

	// Stages completed so far, in execution order.
	CompletedStages []string `json:"completed_stages"`

	Objects []Object `json:"objects"`
}

// New builds a manifest for a fresh run, assigning one Object per
// capture mask in mask order.
func New(runID string, c *capture.Capture, outputDir string, device int) *Manifest {
	m := &Manifest{
		RunID:      runID,
		CaptureDir: c.Dir,
		OutputDir:  outputDir,
		Device:     device,
		CreatedAt:  time.Now().UTC(),
	}
	m.SetObjectsFromMasks(c.Masks)
	return m
}

// SetObjectsFromMasks replaces the object table from a capture's mask
// list. Called at run creation, and again by the auto-segmentation
// stage once it has produced masks.
func (m *Manifest) SetObjectsFromMasks(masks []capture.Mask) {
	m.Objects = make([]Object, 0, len(masks))
	for _, mask := range masks {
		m.Objects = append(m.Objects, Object{
			ID:       mask.ID,
			MaskName: mask.Name,
			MaskPath: mask.Path,
		})
	}
}

// Object returns a pointer into the object table.
func (m *Manifest) Object(id int) (*Object, error) {
	for i := range m.Objects {
		if m.Objects[i].ID == id {
			return &m.Objects[i], nil
		}
	}
	return nil, fmt.Errorf("%w: id %d", ErrObjectNotFound, id)
}

// IDs returns all object IDs in table order.
func (m *Manifest) IDs() []int {
	ids := make([]int, 0, len(m.Objects))
	for _, o := range m.Objects {
		ids = append(ids, o.ID)
	}
	return ids
}

// MarkStage records a stage as completed. Idempotent.
func (m *Manifest) MarkStage(name string) {
	for _, s := range m.CompletedStages {
		if s == name {
			return
		}
	}
	m.CompletedStages = append(m.CompletedStages, name)
}

// StageDone reports whether a stage already completed, for resume.
func (m *Manifest) StageDone(name string) bool {
	for _, s := range m.CompletedStages {
		if s == name {
			return true
		}
	}
	return false
}

// Path returns the manifest's location inside its run directory.
func (m *Manifest) Path() string {
	return filepath.Join(m.OutputDir, FileName)
}

// Save writes the manifest atomically (write temp, rename) so a stage
// crash never leaves a truncated manifest behind.
func (m *Manifest) Save() error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.MkdirAll(m.OutputDir, 0755); err != nil {
		return err
	}
	tmp := m.Path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, m.Path())
}

// Load reads a manifest from a run directory.
func Load(outputDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(outputDir, FileName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	// The manifest may have been produced on another host; trust the
	// directory it was found in over the recorded absolute path.
	m.OutputDir = outputDir
	return &m, nil
}
