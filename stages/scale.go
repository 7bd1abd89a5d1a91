package stages

import (
	"context"
	"fmt"

	"github.com/chsahit/metric-sam3d/manifest"
)

// scaleStage runs metric scale estimation over the prepared data and
// verifies the resulting scale mapping before the registrar may use
// it: exactly one line per object ID, no strays.
func scaleStage(ctx context.Context, r *Run) error {
	tool := r.Config.ScaleEstimator
	scalePath := r.ScaleMapPath()
	r.logf("estimating scales with model %s, camera %s", r.Config.ScaleModel, r.Config.ScaleCamera)

	err := RunCommand(ctx, Command{
		Python: tool.Python,
		Script: tool.Script,
		Args: []string{
			"--data_dir", r.PreparedDir(),
			"--model", r.Config.ScaleModel,
			"--camera", r.Config.ScaleCamera,
			"--output", scalePath,
		},
		Dir:         tool.Root,
		Device:      r.Device,
		LibraryPath: r.Config.PoseLibPath,
	}, r.logLine)
	if err != nil {
		return fmt.Errorf("scale estimation: %w", err)
	}

	scales, err := manifest.ReadScaleMap(scalePath)
	if err != nil {
		return fmt.Errorf("scale mapping %s: %w", scalePath, err)
	}
	if err := manifest.ValidateScaleMap(scales, r.Manifest); err != nil {
		return fmt.Errorf("scale mapping %s: %w", scalePath, err)
	}

	for id, s := range scales {
		obj, err := r.Manifest.Object(id)
		if err != nil {
			return err
		}
		obj.Scale = s
		obj.HasScale = true
		r.logf("object %d scale %g", id, s)
	}

	r.Manifest.MarkStage("scale")
	return r.saveManifest()
}
