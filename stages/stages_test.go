package stages

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/chsahit/metric-sam3d/appconfig"
	"github.com/chsahit/metric-sam3d/capture"
	"github.com/chsahit/metric-sam3d/manifest"
)

const (
	testW = 8
	testH = 6
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

// makeCaptureDir builds a minimal capture folder with two masks.
func makeCaptureDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	rgb := image.NewNRGBA(image.Rect(0, 0, testW, testH))
	for y := 0; y < testH; y++ {
		for x := 0; x < testW; x++ {
			rgb.Set(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	writePNG(t, filepath.Join(dir, "rgb.png"), rgb)

	depth := image.NewGray16(image.Rect(0, 0, testW, testH))
	for y := 0; y < testH; y++ {
		for x := 0; x < testW; x++ {
			depth.SetGray16(x, y, color.Gray16{Y: 900})
		}
	}
	writePNG(t, filepath.Join(dir, "depth.png"), depth)

	k := mat.NewDense(3, 3, []float64{4, 0, 4, 0, 4, 3, 0, 0, 1})
	if err := capture.WriteMatrixNPY(filepath.Join(dir, "intrinsics.npy"), k); err != nil {
		t.Fatal(err)
	}

	masksDir := filepath.Join(dir, "masks")
	if err := os.MkdirAll(masksDir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.png", "b.png"} {
		m := image.NewNRGBA(image.Rect(0, 0, testW, testH))
		for y := 1; y < testH-1; y++ {
			for x := 1; x < testW-1; x++ {
				m.Set(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
			}
		}
		writePNG(t, filepath.Join(masksDir, name), m)
	}
	return dir
}

func newTestRun(t *testing.T) *Run {
	t.Helper()
	capDir := makeCaptureDir(t)
	c, err := capture.Load(capDir)
	if err != nil {
		t.Fatal(err)
	}
	outDir := t.TempDir()
	return &Run{
		Config:        appconfig.Config{},
		Capture:       c,
		Manifest:      manifest.New("test-run", c, outDir, 0),
		OutputDir:     outDir,
		Device:        0,
		EstRefineIter: 5,
	}
}

const testMeshOBJ = "v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n"

func TestGetUnknownStage(t *testing.T) {
	if _, err := Get("compress"); err == nil {
		t.Error("expected error for unknown stage")
	}
	for _, id := range IDs() {
		if _, err := Get(id); err != nil {
			t.Errorf("Get(%q) error = %v", id, err)
		}
	}
}

func TestSegmentStageFailsFastWithoutAPIKey(t *testing.T) {
	r := newTestRun(t)
	t.Setenv("OPENAI_API_KEY", "")

	// Point the tool at something that would fail loudly if invoked.
	r.Config.Segmenter = appconfig.Tool{Python: "/bin/false", Script: "unused"}

	err := segmentStage(context.Background(), r)
	if err == nil {
		t.Fatal("expected error with OPENAI_API_KEY unset")
	}
	if !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Errorf("error = %v; want mention of OPENAI_API_KEY", err)
	}
}

func TestSegmentStageFailsFastWithoutCaptureFiles(t *testing.T) {
	r := newTestRun(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	if err := os.Remove(r.Capture.DepthPath); err != nil {
		t.Fatal(err)
	}

	err := segmentStage(context.Background(), r)
	if err == nil {
		t.Fatal("expected error with depth.png missing")
	}
	if !strings.Contains(err.Error(), "depth.png") {
		t.Errorf("error = %v; want mention of depth.png", err)
	}
}

func TestMeshgenStageGeneratesPerObject(t *testing.T) {
	r := newTestRun(t)

	// Fake generator: parses --output_folder and --name, writes the
	// expected OBJ.
	script := writeScript(t, `
out=""
name=""
while [ $# -gt 0 ]; do
  case "$1" in
    --output_folder) out="$2"; shift ;;
    --name) name="$2"; shift ;;
  esac
  shift
done
printf 'v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n' > "$out/$name.obj"
`)
	r.Config.MeshGenerator = appconfig.Tool{Python: "/bin/sh", Script: script}

	if err := meshgenStage(context.Background(), r); err != nil {
		t.Fatalf("meshgenStage error = %v", err)
	}

	for _, id := range []int{0, 1} {
		obj, err := r.Manifest.Object(id)
		if err != nil {
			t.Fatal(err)
		}
		if obj.MeshPath == "" {
			t.Errorf("object %d has no mesh path", id)
		}
		if _, err := os.Stat(obj.MeshPath); err != nil {
			t.Errorf("object %d mesh missing: %v", id, err)
		}
	}
	if !r.Manifest.StageDone("meshgen") {
		t.Error("meshgen stage not marked complete")
	}
}

func TestMeshgenStageFailsWhenNoMeshProduced(t *testing.T) {
	r := newTestRun(t)
	script := writeScript(t, "exit 0\n")
	r.Config.MeshGenerator = appconfig.Tool{Python: "/bin/sh", Script: script}

	err := meshgenStage(context.Background(), r)
	if err == nil {
		t.Fatal("expected error when the generator writes nothing")
	}
	if !strings.Contains(err.Error(), "produced no") {
		t.Errorf("error = %v; want missing-output error", err)
	}
}

func TestScaleStageRecordsScales(t *testing.T) {
	r := newTestRun(t)
	script := writeScript(t, `
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    --output) out="$2"; shift ;;
  esac
  shift
done
printf '0:0.5\n1:2\n' > "$out"
`)
	r.Config.ScaleEstimator = appconfig.Tool{Python: "/bin/sh", Script: script}

	if err := scaleStage(context.Background(), r); err != nil {
		t.Fatalf("scaleStage error = %v", err)
	}

	obj0, _ := r.Manifest.Object(0)
	obj1, _ := r.Manifest.Object(1)
	if !obj0.HasScale || obj0.Scale != 0.5 {
		t.Errorf("object 0 scale = %v (has %v); want 0.5", obj0.Scale, obj0.HasScale)
	}
	if !obj1.HasScale || obj1.Scale != 2 {
		t.Errorf("object 1 scale = %v (has %v); want 2", obj1.Scale, obj1.HasScale)
	}
	if !r.Manifest.StageDone("scale") {
		t.Error("scale stage not marked complete")
	}
}

func TestScaleStageRejectsIncompleteMapping(t *testing.T) {
	r := newTestRun(t)
	script := writeScript(t, `
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    --output) out="$2"; shift ;;
  esac
  shift
done
printf '0:0.5\n' > "$out"
`)
	r.Config.ScaleEstimator = appconfig.Tool{Python: "/bin/sh", Script: script}

	err := scaleStage(context.Background(), r)
	if err == nil {
		t.Fatal("expected error when a mesh ID has no scale line")
	}
	if r.Manifest.StageDone("scale") {
		t.Error("scale stage should not be marked complete on failure")
	}
}

func TestRegisterStageScalesAndRegisters(t *testing.T) {
	r := newTestRun(t)

	// Seed meshes and scales as if meshgen and scale had run.
	meshDir := r.MeshDir()
	if err := os.MkdirAll(meshDir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, id := range r.Manifest.IDs() {
		p := filepath.Join(meshDir, itoa(id)+".obj")
		if err := os.WriteFile(p, []byte(testMeshOBJ), 0644); err != nil {
			t.Fatal(err)
		}
		obj, _ := r.Manifest.Object(id)
		obj.MeshPath = p
		obj.Scale = 0.5
		obj.HasScale = true
	}

	// Fake registrar: copies the scaled mesh into the output dir.
	script := writeScript(t, `
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
	r.Config.PoseRegistrar = appconfig.Tool{Python: "/bin/sh", Script: script}

	if err := registerStage(context.Background(), r); err != nil {
		t.Fatalf("registerStage error = %v", err)
	}

	for _, id := range r.Manifest.IDs() {
		obj, _ := r.Manifest.Object(id)
		if obj.ScaledMeshPath == "" {
			t.Errorf("object %d has no scaled mesh path", id)
		}
		want := filepath.Join(r.RegisteredDir(), itoa(id)+".obj")
		if obj.RegisteredPath != want {
			t.Errorf("object %d registered path = %q; want %q", id, obj.RegisteredPath, want)
		}
		data, err := os.ReadFile(obj.ScaledMeshPath)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), "v 0.5 0 0") {
			t.Errorf("scaled mesh not scaled by 0.5:\n%s", data)
		}
	}
	if !r.Manifest.StageDone("register") {
		t.Error("register stage not marked complete")
	}
}

func TestRegisterStageRequiresScales(t *testing.T) {
	r := newTestRun(t)
	meshDir := r.MeshDir()
	if err := os.MkdirAll(meshDir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, id := range r.Manifest.IDs() {
		p := filepath.Join(meshDir, itoa(id)+".obj")
		if err := os.WriteFile(p, []byte(testMeshOBJ), 0644); err != nil {
			t.Fatal(err)
		}
		obj, _ := r.Manifest.Object(id)
		obj.MeshPath = p
	}

	err := registerStage(context.Background(), r)
	if err == nil {
		t.Fatal("expected error when scale stage has not run")
	}
	if !strings.Contains(err.Error(), "no scale factor") {
		t.Errorf("error = %v; want missing-scale error", err)
	}
}

func itoa(id int) string {
	return strconv.Itoa(id)
}
