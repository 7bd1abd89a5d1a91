package stages

import (
	"context"
	"fmt"
	"os"
)

// segmentStage runs prompt generation and promptable segmentation to
// produce masks/ inside the capture folder. It verifies every required
// input before the child process starts, so a misconfigured run fails
// before any GPU or network work.
func segmentStage(ctx context.Context, r *Run) error {
	for _, p := range []string{r.Capture.RGBPath, r.Capture.DepthPath, r.Capture.IntrinsicsPath} {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("required capture file missing: %s", p)
		}
	}
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is not set; auto segmentation needs it for prompt generation")
	}

	tool := r.Config.Segmenter
	r.logf("segmenting capture %s", r.Capture.Dir)
	err := RunCommand(ctx, Command{
		Python:      tool.Python,
		Script:      tool.Script,
		Args:        []string{"--capture_folder", r.Capture.Dir},
		Dir:         tool.Root,
		Device:      r.Device,
		LibraryPath: r.Config.PoseLibPath,
		ExtraEnv:    []string{"OPENAI_API_KEY=" + apiKey},
	}, r.logLine)
	if err != nil {
		return fmt.Errorf("segmentation: %w", err)
	}

	// Masks now exist; assign object IDs from them.
	if err := r.Capture.ReloadMasks(); err != nil {
		return fmt.Errorf("reload masks: %w", err)
	}
	if err := r.Capture.RequireMasks(); err != nil {
		return fmt.Errorf("segmentation produced no masks: %w", err)
	}
	r.Manifest.SetObjectsFromMasks(r.Capture.Masks)
	r.Manifest.MarkStage(SegmentStage)
	return r.saveManifest()
}
