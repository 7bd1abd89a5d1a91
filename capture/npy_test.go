package capture

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestMatrixNPYRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intrinsics.npy")

	want := mat.NewDense(3, 3, []float64{
		615.3, 0, 321.7,
		0, 615.9, 240.2,
		0, 0, 1,
	})
	if err := WriteMatrixNPY(path, want); err != nil {
		t.Fatalf("WriteMatrixNPY: %v", err)
	}

	got, err := ReadMatrixNPY(path)
	if err != nil {
		t.Fatalf("ReadMatrixNPY: %v", err)
	}
	if !mat.EqualApprox(got, want, 1e-12) {
		t.Errorf("round trip mismatch:\ngot  %v\nwant %v", mat.Formatted(got), mat.Formatted(want))
	}
}

func TestMatrixNPYHeaderAlignment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.npy")
	if err := WriteMatrixNPY(path, mat.NewDense(2, 2, []float64{1, 2, 3, 4})); err != nil {
		t.Fatalf("WriteMatrixNPY: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	headerLen := int(binary.LittleEndian.Uint16(raw[8:10]))
	if (10+headerLen)%64 != 0 {
		t.Errorf("header end %d not 64-byte aligned", 10+headerLen)
	}
	if raw[10+headerLen-1] != '\n' {
		t.Error("header not newline-terminated")
	}
}

func TestMatrixNPYFloat32(t *testing.T) {
	// Hand-build a float32 NPY payload the way numpy would write it.
	header := "{'descr': '<f4', 'fortran_order': False, 'shape': (2, 3), }"
	for (10+len(header)+1)%64 != 0 {
		header += " "
	}
	header += "\n"

	buf := []byte(npyMagic)
	buf = append(buf, 1, 0)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(header)))
	buf = append(buf, header...)
	vals := []float32{1, 2, 3, 4, 5, 6}
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}

	got, err := decodeMatrixNPY(buf)
	if err != nil {
		t.Fatalf("decodeMatrixNPY: %v", err)
	}
	rows, cols := got.Dims()
	if rows != 2 || cols != 3 {
		t.Fatalf("shape = %dx%d; want 2x3", rows, cols)
	}
	if got.At(1, 2) != 6 {
		t.Errorf("At(1,2) = %v; want 6", got.At(1, 2))
	}
}

func TestMatrixNPYRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"bad magic", []byte("NOTNPY\x01\x00\x00\x00")},
		{"truncated", []byte(npyMagic)},
		{"fortran order", buildNPY(t, "{'descr': '<f8', 'fortran_order': True, 'shape': (3, 3), }", nil)},
		{"1-d shape", buildNPY(t, "{'descr': '<f8', 'fortran_order': False, 'shape': (9,), }", make([]byte, 72))},
		{"bad dtype", buildNPY(t, "{'descr': '<i8', 'fortran_order': False, 'shape': (3, 3), }", make([]byte, 72))},
		{"negative dim", buildNPY(t, "{'descr': '<f8', 'fortran_order': False, 'shape': (-1, 3), }", make([]byte, 72))},
		{"zero dim", buildNPY(t, "{'descr': '<f8', 'fortran_order': False, 'shape': (0, 3), }", nil)},
		{"short data", buildNPY(t, "{'descr': '<f8', 'fortran_order': False, 'shape': (3, 3), }", make([]byte, 8))},
	}

	for _, tt := range tests {
		if _, err := decodeMatrixNPY(tt.raw); err == nil {
			t.Errorf("%s: expected error, got nil", tt.name)
		}
	}
}

func buildNPY(t *testing.T, header string, data []byte) []byte {
	t.Helper()
	header += "\n"
	buf := []byte(npyMagic)
	buf = append(buf, 1, 0)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(header)))
	buf = append(buf, header...)
	return append(buf, data...)
}

