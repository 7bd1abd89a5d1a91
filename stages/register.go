package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/chsahit/metric-sam3d/meshio"
	"github.com/chsahit/metric-sam3d/prepare"
)

// registerStage scales each mesh to metric size in-tree, then runs
// external pose refinement per object. Output is one posed OBJ per
// object ID under results/completion_output/, all in the scene camera
// frame.
func registerStage(ctx context.Context, r *Run) error {
	registeredDir := r.RegisteredDir()
	if err := os.MkdirAll(registeredDir, 0755); err != nil {
		return fmt.Errorf("create results directory: %w", err)
	}

	layout := prepare.LayoutFor(r.PreparedDir())
	tool := r.Config.PoseRegistrar

	for _, id := range r.Manifest.IDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		obj, err := r.Manifest.Object(id)
		if err != nil {
			return err
		}
		if !obj.HasScale {
			return fmt.Errorf("object %d has no scale factor; scale stage incomplete", id)
		}

		scaledPath := filepath.Join(r.MeshDir(), strconv.Itoa(id)+"_scaled.obj")
		if err := writeScaledMesh(obj.MeshPath, scaledPath, obj.Scale); err != nil {
			return fmt.Errorf("scale mesh for object %d: %w", id, err)
		}
		obj.ScaledMeshPath = scaledPath

		r.logf("registering object %d with scale %g", id, obj.Scale)
		args := []string{
			"--data_dir", layout.GraspData,
			"--mesh", scaledPath,
			"--object_id", strconv.Itoa(id),
			"--output_dir", registeredDir,
			"--est_refine_iter", strconv.Itoa(r.EstRefineIter),
		}
		if r.Debug {
			args = append(args, "--debug")
		}
		err = RunCommand(ctx, Command{
			Python:      tool.Python,
			Script:      tool.Script,
			Args:        args,
			Dir:         tool.Root,
			Device:      r.Device,
			LibraryPath: r.Config.PoseLibPath,
		}, r.logLine)
		if err != nil {
			return fmt.Errorf("pose registration for object %d: %w", id, err)
		}

		registeredPath := filepath.Join(registeredDir, strconv.Itoa(id)+".obj")
		if _, err := os.Stat(registeredPath); err != nil {
			return fmt.Errorf("pose registration for object %d produced no %s", id, registeredPath)
		}
		obj.RegisteredPath = registeredPath
	}

	r.Manifest.MarkStage("register")
	return r.saveManifest()
}

// writeScaledMesh loads a mesh, applies the uniform metric scale to
// its vertices, and writes it alongside the original. Material and
// texture references pass through untouched.
func writeScaledMesh(src, dst string, scale float64) error {
	o, err := meshio.LoadOBJ(src)
	if err != nil {
		return err
	}
	o.Scale(scale)
	return o.SaveOBJ(dst)
}
