package pipeline

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/chsahit/metric-sam3d/appconfig"
	"github.com/chsahit/metric-sam3d/capture"
	"github.com/chsahit/metric-sam3d/manifest"
)

const (
	testW = 16
	testH = 12
)

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func makeCaptureDir(t *testing.T, withMasks bool) string {
	t.Helper()
	dir := t.TempDir()

	rgb := image.NewNRGBA(image.Rect(0, 0, testW, testH))
	for y := 0; y < testH; y++ {
		for x := 0; x < testW; x++ {
			rgb.Set(x, y, color.NRGBA{R: 180, G: 90, B: 40, A: 255})
		}
	}
	writePNG(t, filepath.Join(dir, "rgb.png"), rgb)

	depth := image.NewGray16(image.Rect(0, 0, testW, testH))
	for y := 0; y < testH; y++ {
		for x := 0; x < testW; x++ {
			depth.SetGray16(x, y, color.Gray16{Y: uint16(800 + x)})
		}
	}
	writePNG(t, filepath.Join(dir, "depth.png"), depth)

	k := mat.NewDense(3, 3, []float64{8, 0, 8, 0, 8, 6, 0, 0, 1})
	if err := capture.WriteMatrixNPY(filepath.Join(dir, "intrinsics.npy"), k); err != nil {
		t.Fatal(err)
	}

	if withMasks {
		masksDir := filepath.Join(dir, "masks")
		if err := os.MkdirAll(masksDir, 0755); err != nil {
			t.Fatal(err)
		}
		for _, name := range []string{"cup.png", "plate.png"} {
			m := image.NewNRGBA(image.Rect(0, 0, testW, testH))
			for y := 3; y < 9; y++ {
				for x := 4; x < 12; x++ {
					m.Set(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
				}
			}
			writePNG(t, filepath.Join(masksDir, name), m)
		}
	}
	return dir
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

// fakeConfig wires every external tool to a small shell script so a
// run exercises the real sequencing without any models.
func fakeConfig(t *testing.T) appconfig.Config {
	t.Helper()
	meshgen := writeScript(t, `
out=""
name=""
while [ $# -gt 0 ]; do
  case "$1" in
    --output_folder) out="$2"; shift ;;
    --name) name="$2"; shift ;;
  esac
  shift
done
printf 'v 0 0 0\nv 0.4 0 0\nv 0 0.4 0\nv 0 0 0.4\nf 1 2 3\nf 1 2 4\nf 1 3 4\nf 2 3 4\n' > "$out/$name.obj"
`)
	scale := writeScript(t, `
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    --output) out="$2"; shift ;;
  esac
  shift
done
printf '0:0.25\n1:1.5\n' > "$out"
`)
	register := writeScript(t, `
mesh=""
id=""
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    --mesh) mesh="$2"; shift ;;
    --object_id) id="$2"; shift ;;
    --output_dir) out="$2"; shift ;;
  esac
  shift
done
cp "$mesh" "$out/$id.obj"
`)
	return appconfig.Config{
		MeshGenerator:  appconfig.Tool{Python: "/bin/sh", Script: meshgen},
		ScaleEstimator: appconfig.Tool{Python: "/bin/sh", Script: scale},
		PoseRegistrar:  appconfig.Tool{Python: "/bin/sh", Script: register},
		ScaleModel:     "dinov2",
		ScaleCamera:    "realsense",
		EstRefineIter:  5,
	}
}

func discard(string) {}

func TestRunEndToEnd(t *testing.T) {
	capDir := makeCaptureDir(t, true)
	outDir := t.TempDir()

	m, err := Run(context.Background(), fakeConfig(t), capDir, outDir, Options{Log: discard})
	if err != nil {
		t.Fatalf("Run error = %v", err)
	}

	// Two masks in, two registered meshes out, IDs 0 and 1.
	for _, id := range []string{"0", "1"} {
		p := filepath.Join(outDir, "results", "completion_output", id+".obj")
		if _, err := os.Stat(p); err != nil {
			t.Errorf("registered mesh missing: %v", err)
		}
	}
	if len(m.Objects) != 2 {
		t.Fatalf("manifest has %d objects; want 2", len(m.Objects))
	}
	if m.Objects[0].MaskName != "cup.png" || m.Objects[1].MaskName != "plate.png" {
		t.Errorf("object order = %q, %q; want lexicographic mask order",
			m.Objects[0].MaskName, m.Objects[1].MaskName)
	}
	for _, name := range []string{"meshgen", "prepare", "scale", "register"} {
		if !m.StageDone(name) {
			t.Errorf("stage %s not marked complete", name)
		}
	}

	// The manifest on disk matches the returned one.
	loaded, err := manifest.Load(outDir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.RunID != m.RunID {
		t.Errorf("loaded run ID %q; want %q", loaded.RunID, m.RunID)
	}
}

func TestRunRequiresMasks(t *testing.T) {
	capDir := makeCaptureDir(t, false)
	outDir := t.TempDir()

	_, err := Run(context.Background(), fakeConfig(t), capDir, outDir, Options{Log: discard})
	if err == nil {
		t.Fatal("expected error for capture without masks")
	}

	// Nothing may run before the mask check: the output directory is
	// untouched.
	if _, statErr := os.Stat(filepath.Join(outDir, "meshes")); !os.IsNotExist(statErr) {
		t.Error("mesh directory created despite missing masks")
	}
}

func TestRunAbortsOnFirstFailure(t *testing.T) {
	capDir := makeCaptureDir(t, true)
	outDir := t.TempDir()

	cfg := fakeConfig(t)
	cfg.ScaleEstimator = appconfig.Tool{Python: "/bin/sh", Script: writeScript(t, "echo boom >&2\nexit 1\n")}

	_, err := Run(context.Background(), cfg, capDir, outDir, Options{Log: discard})
	if err == nil {
		t.Fatal("expected error from failing scale stage")
	}
	if !strings.Contains(err.Error(), "stage scale") {
		t.Errorf("error = %v; want stage scale failure", err)
	}

	// Earlier artifacts stay on disk for manual resume.
	if _, statErr := os.Stat(filepath.Join(outDir, "meshes", "0.obj")); statErr != nil {
		t.Errorf("meshgen artifacts should survive a later failure: %v", statErr)
	}
	// The failed stage's successor never ran.
	if _, statErr := os.Stat(filepath.Join(outDir, "results")); !os.IsNotExist(statErr) {
		t.Error("register stage ran after scale failed")
	}
}

func TestRunResumeFromStage(t *testing.T) {
	capDir := makeCaptureDir(t, true)
	outDir := t.TempDir()

	cfg := fakeConfig(t)
	if _, err := Run(context.Background(), cfg, capDir, outDir, Options{Log: discard}); err != nil {
		t.Fatalf("initial Run error = %v", err)
	}

	// Remove the registered meshes, then resume from register only.
	if err := os.RemoveAll(filepath.Join(outDir, "results")); err != nil {
		t.Fatal(err)
	}
	m, err := Run(context.Background(), cfg, capDir, outDir, Options{FromStage: "register", Log: discard})
	if err != nil {
		t.Fatalf("resume Run error = %v", err)
	}
	for _, id := range m.IDs() {
		obj, _ := m.Object(id)
		if obj.RegisteredPath == "" {
			t.Errorf("object %d not re-registered", id)
		}
	}
}

func TestRunResumeRejectsIncompleteHistory(t *testing.T) {
	capDir := makeCaptureDir(t, true)
	outDir := t.TempDir()

	// A manifest with no completed stages cannot resume at register.
	c, err := capture.Load(capDir)
	if err != nil {
		t.Fatal(err)
	}
	m := manifest.New("run", c, outDir, 0)
	if err := m.Save(); err != nil {
		t.Fatal(err)
	}

	_, err = Run(context.Background(), fakeConfig(t), capDir, outDir, Options{FromStage: "register", Log: discard})
	if err == nil {
		t.Fatal("expected error resuming with incomplete history")
	}
	if !strings.Contains(err.Error(), "has not completed") {
		t.Errorf("error = %v; want incomplete-history error", err)
	}
}

func TestRunRejectsUnknownFromStage(t *testing.T) {
	capDir := makeCaptureDir(t, true)
	_, err := Run(context.Background(), fakeConfig(t), capDir, t.TempDir(), Options{FromStage: "polish", Log: discard})
	if err == nil {
		t.Fatal("expected error for unknown stage name")
	}
}
