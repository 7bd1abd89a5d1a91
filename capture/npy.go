package capture

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// NPY v1 container for small 2-D float matrices. This is the subset the
// capture contract uses: C-order float32/float64 arrays such as the 3x3
// intrinsics matrix. Anything else is rejected.

const npyMagic = "\x93NUMPY"

var npyShapeRe = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
var npyDescrRe = regexp.MustCompile(`'descr':\s*'([^']+)'`)
var npyOrderRe = regexp.MustCompile(`'fortran_order':\s*(True|False)`)

// ReadMatrixNPY reads a 2-D float matrix from an NPY file.
func ReadMatrixNPY(path string) (*mat.Dense, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeMatrixNPY(raw)
}

func decodeMatrixNPY(raw []byte) (*mat.Dense, error) {
	if len(raw) < 10 || string(raw[:6]) != npyMagic {
		return nil, fmt.Errorf("not an NPY file")
	}
	major := raw[6]
	if major != 1 {
		return nil, fmt.Errorf("unsupported NPY version %d", major)
	}
	headerLen := int(binary.LittleEndian.Uint16(raw[8:10]))
	if len(raw) < 10+headerLen {
		return nil, fmt.Errorf("truncated NPY header")
	}
	header := string(raw[10 : 10+headerLen])
	data := raw[10+headerLen:]

	m := npyDescrRe.FindStringSubmatch(header)
	if m == nil {
		return nil, fmt.Errorf("NPY header missing descr")
	}
	descr := m[1]

	m = npyOrderRe.FindStringSubmatch(header)
	if m == nil {
		return nil, fmt.Errorf("NPY header missing fortran_order")
	}
	if m[1] == "True" {
		return nil, fmt.Errorf("fortran-order NPY arrays are not supported")
	}

	m = npyShapeRe.FindStringSubmatch(header)
	if m == nil {
		return nil, fmt.Errorf("NPY header missing shape")
	}
	dims := []int{}
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("bad NPY shape component %q", part)
		}
		dims = append(dims, n)
	}
	if len(dims) != 2 {
		return nil, fmt.Errorf("expected 2-D NPY array, got %d dimensions", len(dims))
	}
	rows, cols := dims[0], dims[1]

	var elemSize int
	switch descr {
	case "<f8":
		elemSize = 8
	case "<f4":
		elemSize = 4
	default:
		return nil, fmt.Errorf("unsupported NPY dtype %q", descr)
	}
	if len(data) < rows*cols*elemSize {
		return nil, fmt.Errorf("NPY data too short for shape (%d, %d)", rows, cols)
	}

	vals := make([]float64, rows*cols)
	for i := range vals {
		off := i * elemSize
		if elemSize == 8 {
			vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
		} else {
			vals[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off:])))
		}
	}
	return mat.NewDense(rows, cols, vals), nil
}

// WriteMatrixNPY writes a matrix as a little-endian float64 NPY v1 file.
func WriteMatrixNPY(path string, m *mat.Dense) error {
	rows, cols := m.Dims()
	header := fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': (%d, %d), }", rows, cols)
	// Total header size (magic + version + length field + dict + newline)
	// must be a multiple of 64.
	total := 10 + len(header) + 1
	pad := (64 - total%64) % 64
	header += strings.Repeat(" ", pad) + "\n"

	buf := make([]byte, 0, 10+len(header)+rows*cols*8)
	buf = append(buf, npyMagic...)
	buf = append(buf, 1, 0)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(header)))
	buf = append(buf, header...)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(m.At(r, c)))
		}
	}
	return os.WriteFile(path, buf, 0644)
}
