package stages

import (
	"context"
	"fmt"

	"github.com/chsahit/metric-sam3d/prepare"
)

// prepareStage builds the prepared-data tree natively. This is the one
// stage with no external process: it is pure file and image plumbing.
func prepareStage(ctx context.Context, r *Run) error {
	r.logf("preparing data in %s", r.PreparedDir())
	err := prepare.Run(ctx, prepare.Params{
		Capture:  r.Capture,
		Manifest: r.Manifest,
		MeshDir:  r.MeshDir(),
		OutDir:   r.PreparedDir(),
		Log:      r.Log,
	})
	if err != nil {
		return fmt.Errorf("prepare data: %w", err)
	}

	r.Manifest.MarkStage("prepare")
	return r.saveManifest()
}
