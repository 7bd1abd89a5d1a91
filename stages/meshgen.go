package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// meshgenStage runs mesh generation once per object. Invocations are
// strictly sequential; running masks in a batch runs the GPU out of
// memory on dense scenes.
func meshgenStage(ctx context.Context, r *Run) error {
	if err := r.Capture.RequireMasks(); err != nil {
		return err
	}

	meshDir := r.MeshDir()
	if err := os.MkdirAll(meshDir, 0755); err != nil {
		return fmt.Errorf("create mesh directory: %w", err)
	}

	tool := r.Config.MeshGenerator
	for _, id := range r.Manifest.IDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		obj, err := r.Manifest.Object(id)
		if err != nil {
			return err
		}
		r.logf("generating mesh for object %d (%s)", id, obj.MaskName)

		err = RunCommand(ctx, Command{
			Python: tool.Python,
			Script: tool.Script,
			Args: []string{
				"--capture_folder", r.Capture.Dir,
				"--mask", obj.MaskPath,
				"--output_folder", meshDir,
				"--name", strconv.Itoa(id),
			},
			Dir:         tool.Root,
			Device:      r.Device,
			LibraryPath: r.Config.PoseLibPath,
		}, r.logLine)
		if err != nil {
			return fmt.Errorf("mesh generation for object %d: %w", id, err)
		}

		meshPath := filepath.Join(meshDir, strconv.Itoa(id)+".obj")
		if _, err := os.Stat(meshPath); err != nil {
			return fmt.Errorf("mesh generation for object %d produced no %s", id, meshPath)
		}
		obj.MeshPath = meshPath
	}

	r.Manifest.MarkStage("meshgen")
	return r.saveManifest()
}
