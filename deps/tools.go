package deps

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/chsahit/metric-sam3d/appconfig"
)

// RegisterAll registers checks for every external tool in the
// configuration. Call again after a config reload; it resets the
// registry first.
func RegisterAll(cfg appconfig.Config) {
	Reset()

	Register(&Dependency{
		ID:          "mesh-generator",
		Name:        "Mesh Generator",
		Description: "Image-to-3D model producing one watertight mesh per segmented object",
		InstallHint: fmt.Sprintf("clone the mesh generation checkout into %s and create its conda environment", cfg.MeshGenerator.Root),
		Check:       toolCheck(cfg.MeshGenerator),
	})

	Register(&Dependency{
		ID:          "scale-estimator",
		Name:        "Scale Estimator",
		Description: "Metric scale regression from RGB-D crops and camera intrinsics",
		InstallHint: fmt.Sprintf("clone the scale estimation checkout into %s and create its conda environment", cfg.ScaleEstimator.Root),
		Check:       toolCheck(cfg.ScaleEstimator),
	})

	Register(&Dependency{
		ID:          "pose-registrar",
		Name:        "Pose Registrar",
		Description: "Model-based 6-DoF pose estimation for placing scaled meshes in the scene",
		InstallHint: fmt.Sprintf("clone the pose estimation checkout into %s and create its conda environment", cfg.PoseRegistrar.Root),
		Check:       toolCheck(cfg.PoseRegistrar),
	})

	Register(&Dependency{
		ID:          "segmenter",
		Name:        "Auto-Segmenter",
		Description: "Promptable segmentation producing per-object binary masks",
		Optional:    true,
		InstallHint: fmt.Sprintf("clone the segmentation checkout into %s; requires OPENAI_API_KEY at runtime", cfg.Segmenter.Root),
		Check:       toolCheck(cfg.Segmenter),
	})

	Register(&Dependency{
		ID:          "poselib",
		Name:        "Pose Estimation Native Libraries",
		Description: "Compiled shared libraries loaded by the pose registrar via LD_LIBRARY_PATH",
		InstallHint: fmt.Sprintf("build the pose registrar's native extensions into %s", cfg.PoseLibPath),
		Check:       dirCheck(cfg.PoseLibPath),
	})
}

// toolCheck verifies a tool's checkout, interpreter, and entry script.
func toolCheck(tool appconfig.Tool) func(ctx context.Context) (bool, string, error) {
	return func(ctx context.Context) (bool, string, error) {
		info, err := os.Stat(tool.Root)
		if os.IsNotExist(err) {
			return false, "", nil
		} else if err != nil {
			return false, "", fmt.Errorf("error checking checkout %s: %w", tool.Root, err)
		} else if !info.IsDir() {
			return false, "", fmt.Errorf("checkout path %s is not a directory", tool.Root)
		}

		if _, err := os.Stat(tool.Script); os.IsNotExist(err) {
			return false, "", nil
		} else if err != nil {
			return false, "", fmt.Errorf("error checking entry script %s: %w", tool.Script, err)
		}

		if _, err := os.Stat(tool.Python); os.IsNotExist(err) {
			return false, "", nil
		} else if err != nil {
			return false, "", fmt.Errorf("error checking interpreter %s: %w", tool.Python, err)
		}

		return true, pythonVersion(ctx, tool.Python), nil
	}
}

// dirCheck verifies a directory exists and is not empty.
func dirCheck(dir string) func(ctx context.Context) (bool, string, error) {
	return func(ctx context.Context) (bool, string, error) {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			return false, "", nil
		} else if err != nil {
			return false, "", fmt.Errorf("error checking directory %s: %w", dir, err)
		}
		if len(entries) == 0 {
			return false, "", nil
		}
		return true, "", nil
	}
}

// pythonVersion runs the interpreter with --version. Failure is not an
// error; the environment may still work even if the probe does not.
func pythonVersion(ctx context.Context, python string) string {
	versionCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(versionCtx, python, "--version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return ""
	}
	return parsePythonVersion(string(output))
}

// parsePythonVersion extracts the version number from "Python X.Y.Z".
func parsePythonVersion(output string) string {
	re := regexp.MustCompile(`Python (\S+)`)
	matches := re.FindStringSubmatch(strings.TrimSpace(output))
	if len(matches) > 1 {
		return matches[1]
	}
	return ""
}
