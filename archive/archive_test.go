package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestZip(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeTestTarGz(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.tar.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtractZip(t *testing.T) {
	archive := writeTestZip(t, map[string]string{
		"rgb.png":        "rgb-bytes",
		"masks/0.png":    "mask-bytes",
		"intrinsics.npy": "npy-bytes",
	})

	dest := t.TempDir()
	var messages []string
	err := ExtractZip(archive, dest, "", func(msg string) { messages = append(messages, msg) })
	if err != nil {
		t.Fatalf("ExtractZip failed: %v", err)
	}

	for name, want := range map[string]string{
		"rgb.png":        "rgb-bytes",
		"masks/0.png":    "mask-bytes",
		"intrinsics.npy": "npy-bytes",
	} {
		data, err := os.ReadFile(filepath.Join(dest, name))
		if err != nil {
			t.Fatalf("missing extracted file %s: %v", name, err)
		}
		if string(data) != want {
			t.Errorf("%s content = %q, want %q", name, data, want)
		}
	}

	if len(messages) == 0 {
		t.Error("no progress messages reported")
	}
}

func TestExtractZipStripPrefix(t *testing.T) {
	archive := writeTestZip(t, map[string]string{
		"capture/rgb.png":   "rgb-bytes",
		"capture/depth.png": "depth-bytes",
	})

	dest := t.TempDir()
	if err := ExtractZip(archive, dest, "capture/", nil); err != nil {
		t.Fatalf("ExtractZip failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dest, "rgb.png")); err != nil {
		t.Errorf("prefix not stripped: %v", err)
	}
}

func TestExtractZipRejectsTraversal(t *testing.T) {
	archive := writeTestZip(t, map[string]string{
		"../escape.txt": "bad",
	})

	dest := t.TempDir()
	if err := ExtractZip(archive, dest, "", nil); err == nil {
		t.Fatal("ExtractZip accepted a path-traversal entry")
	}

	if _, err := os.Stat(filepath.Join(filepath.Dir(dest), "escape.txt")); err == nil {
		t.Error("traversal entry was written outside destination")
	}
}

func TestExtractTarGz(t *testing.T) {
	archive := writeTestTarGz(t, map[string]string{
		"rgb.png":   "rgb-bytes",
		"depth.png": "depth-bytes",
	})

	dest := t.TempDir()
	if err := ExtractTarGz(archive, dest, nil); err != nil {
		t.Fatalf("ExtractTarGz failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "depth.png"))
	if err != nil {
		t.Fatalf("missing extracted file: %v", err)
	}
	if string(data) != "depth-bytes" {
		t.Errorf("content = %q, want %q", data, "depth-bytes")
	}
}

func TestExtractAuto(t *testing.T) {
	zipPath := writeTestZip(t, map[string]string{"a.txt": "a"})
	dest := t.TempDir()
	if err := ExtractAuto(zipPath, dest, nil); err != nil {
		t.Errorf("ExtractAuto zip failed: %v", err)
	}

	tgzPath := writeTestTarGz(t, map[string]string{"b.txt": "b"})
	dest2 := t.TempDir()
	if err := ExtractAuto(tgzPath, dest2, nil); err != nil {
		t.Errorf("ExtractAuto tar.gz failed: %v", err)
	}

	if err := ExtractAuto("capture.rar", t.TempDir(), nil); err == nil {
		t.Error("ExtractAuto accepted unsupported format")
	}
}

func TestFlattenSingleDir(t *testing.T) {
	dir := t.TempDir()
	inner := filepath.Join(dir, "capture_2026_01_15")
	if err := os.MkdirAll(filepath.Join(inner, "masks"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(inner, "rgb.png"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := FlattenSingleDir(dir); err != nil {
		t.Fatalf("FlattenSingleDir failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "rgb.png")); err != nil {
		t.Errorf("file not moved up: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "masks")); err != nil {
		t.Errorf("subdirectory not moved up: %v", err)
	}
	if _, err := os.Stat(inner); !os.IsNotExist(err) {
		t.Error("inner directory still present")
	}
}

func TestFlattenSingleDirNoop(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "rgb.png"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "masks"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := FlattenSingleDir(dir); err != nil {
		t.Fatalf("FlattenSingleDir failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "rgb.png")); err != nil {
		t.Errorf("flat layout was disturbed: %v", err)
	}
}

func TestZipDirRoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "results", "completion_output"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"manifest.json":                   `{"run_id":"r1"}`,
		"scales.txt":                      "0:0.5\n",
		"results/completion_output/0.obj": "v 0 0 0\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(src, filepath.FromSlash(name)), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if err := ZipDir(src, &buf); err != nil {
		t.Fatalf("ZipDir failed: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("output is not a valid zip: %v", err)
	}

	got := map[string]bool{}
	for _, f := range zr.File {
		got[f.Name] = true
		if strings.Contains(f.Name, "\\") {
			t.Errorf("entry %q uses backslashes", f.Name)
		}
	}
	for name := range files {
		if !got[name] {
			t.Errorf("zip missing entry %q", name)
		}
	}
}
