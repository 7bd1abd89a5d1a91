package main

import (
	"archive/zip"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/chsahit/metric-sam3d/appconfig"
	"github.com/chsahit/metric-sam3d/capture"
	"github.com/chsahit/metric-sam3d/jobqueue"
	"github.com/chsahit/metric-sam3d/platform"
	"github.com/chsahit/metric-sam3d/runners"
)

func TestLogTail(t *testing.T) {
	short := []string{"a", "b"}
	if got := logTail(short); len(got) != 2 {
		t.Errorf("logTail(short) returned %d lines", len(got))
	}

	long := make([]string, logTailLines+10)
	for i := range long {
		long[i] = "line"
	}
	if got := logTail(long); len(got) != logTailLines {
		t.Errorf("logTail(long) returned %d lines, want %d", len(got), logTailLines)
	}
}

func TestRunStore(t *testing.T) {
	store := newRunStore()

	sr := &serverRun{id: "run-1"}
	store.put(sr)

	if got := store.get("run-1"); got != sr {
		t.Error("get did not return stored run")
	}
	if got := store.get("run-2"); got != nil {
		t.Error("get returned a run for unknown ID")
	}

	store.remove("run-1")
	if got := store.get("run-1"); got != nil {
		t.Error("run still present after remove")
	}
}

func TestWaitForRunCompletes(t *testing.T) {
	q := jobqueue.NewQueue()
	ids, err := q.AddStageChain("run-1", "cuda:0", []string{"meshgen", "prepare"})
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		for range ids {
			job, err := q.ClaimJob()
			if err != nil || job == nil {
				return
			}
			_ = q.CompleteJob(job.ID)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := waitForRun(ctx, q, ids); err != nil {
		t.Errorf("waitForRun = %v, want nil", err)
	}
}

func TestWaitForRunFailure(t *testing.T) {
	q := jobqueue.NewQueue()
	ids, err := q.AddStageChain("run-1", "cuda:0", []string{"meshgen", "prepare"})
	if err != nil {
		t.Fatal(err)
	}

	job, err := q.ClaimJob()
	if err != nil || job == nil {
		t.Fatal("failed to claim first job")
	}
	_ = q.ErrorJob(job.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = waitForRun(ctx, q, ids)
	if err == nil {
		t.Fatal("waitForRun = nil for failed stage")
	}
	se, ok := err.(*stageError)
	if !ok {
		t.Fatalf("waitForRun returned %T, want *stageError", err)
	}
	if se.stage != "meshgen" {
		t.Errorf("failed stage = %q, want meshgen", se.stage)
	}
}

func TestWaitForRunTimeout(t *testing.T) {
	q := jobqueue.NewQueue()
	ids, err := q.AddStageChain("run-1", "cuda:0", []string{"meshgen"})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = waitForRun(ctx, q, ids)
	if err != context.DeadlineExceeded {
		t.Errorf("waitForRun = %v, want context.DeadlineExceeded", err)
	}
}

// ---------------------------------------------------------------------------
// End-to-end upload handler test with shell-script tools
// ---------------------------------------------------------------------------

const testW, testH = 16, 12

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

func makeCaptureDir(t *testing.T) string {
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
		RunsPath:       t.TempDir(),
		MeshGenerator:  appconfig.Tool{Python: "/bin/sh", Script: meshgen},
		ScaleEstimator: appconfig.Tool{Python: "/bin/sh", Script: scale},
		PoseRegistrar:  appconfig.Tool{Python: "/bin/sh", Script: register},
		ScaleModel:     "dinov2",
		ScaleCamera:    "realsense",
		EstRefineIter:  5,
		TimeoutMinutes: 1,
	}
}

func zipDirToBuffer(t *testing.T, dir string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf
}

func multipartCapture(t *testing.T, captureZip *bytes.Buffer) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("capture_zip", "capture.zip")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.Copy(fw, captureZip); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &body, mw.FormDataContentType()
}

func newTestDeps(t *testing.T) *Dependencies {
	t.Helper()
	currentConfig = fakeConfig(t)

	queue := jobqueue.NewQueue()
	store := newRunStore()
	d := &Dependencies{
		Queue: queue,
		Runs:  store,
	}
	r := runners.New(queue, makeStageHandler(store))
	t.Cleanup(r.Shutdown)
	return d
}

func TestRunHandlerEndToEnd(t *testing.T) {
	d := newTestDeps(t)
	tmpRoot := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", tmpRoot)

	captureZip := zipDirToBuffer(t, makeCaptureDir(t))
	body, contentType := multipartCapture(t, captureZip)

	req := httptest.NewRequest(http.MethodPost, "/metric_sam3d/", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	runHandler(d, false)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Run-Id") == "" {
		t.Error("response missing X-Run-Id header")
	}

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	if err != nil {
		t.Fatalf("response is not a valid zip: %v", err)
	}

	found := map[string]bool{}
	for _, f := range zr.File {
		found[f.Name] = true
	}
	for _, want := range []string{"completion_output/0.obj", "completion_output/1.obj"} {
		if !found[want] {
			t.Errorf("results zip missing %s (got %v)", want, found)
		}
	}

	// The upload is staged in the server temp dir and removed once the
	// run finishes.
	staged, err := os.ReadDir(filepath.Join(tmpRoot, platform.ServerName))
	if err != nil {
		t.Fatal(err)
	}
	if len(staged) != 0 {
		t.Errorf("staged upload not cleaned up: %d files remain", len(staged))
	}
}

func TestRunHandlerMissingFile(t *testing.T) {
	d := newTestDeps(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("device", "0")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/metric_sam3d/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()

	runHandler(d, false)(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRunHandlerMissingMasks(t *testing.T) {
	d := newTestDeps(t)

	dir := makeCaptureDir(t)
	if err := os.RemoveAll(filepath.Join(dir, "masks")); err != nil {
		t.Fatal(err)
	}
	captureZip := zipDirToBuffer(t, dir)
	body, contentType := multipartCapture(t, captureZip)

	req := httptest.NewRequest(http.MethodPost, "/metric_sam3d/", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	runHandler(d, false)(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestRunHandlerBadDevice(t *testing.T) {
	d := newTestDeps(t)

	captureZip := zipDirToBuffer(t, makeCaptureDir(t))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("capture_zip", "capture.zip")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.Copy(fw, captureZip); err != nil {
		t.Fatal(err)
	}
	_ = mw.WriteField("device", "two")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/metric_sam3d/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()

	runHandler(d, false)(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSegmentedRunRequiresAPIKey(t *testing.T) {
	d := newTestDeps(t)
	t.Setenv("OPENAI_API_KEY", "")

	captureZip := zipDirToBuffer(t, makeCaptureDir(t))
	body, contentType := multipartCapture(t, captureZip)

	req := httptest.NewRequest(http.MethodPost, "/metric_sam3d_full/", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	runHandler(d, true)(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
