// Package capture models the on-disk RGB-D capture folder that every
// pipeline run starts from: rgb.png, depth.png, intrinsics.npy, and an
// optional masks/ directory with one binary PNG per object.
package capture

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrNoMasks = errors.New("capture has no masks")
)

// Mask is one object mask. IDs are assigned once, at capture load, by
// lexicographic order of the mask filenames. Every later artifact keys
// off this ID, so it is never re-derived downstream.
type Mask struct {
	ID   int
	Name string
	Path string
}

// Intrinsics is a 3x3 pinhole camera matrix.
type Intrinsics struct {
	K *mat.Dense
}

func (in *Intrinsics) Fx() float64 { return in.K.At(0, 0) }
func (in *Intrinsics) Fy() float64 { return in.K.At(1, 1) }
func (in *Intrinsics) Cx() float64 { return in.K.At(0, 2) }
func (in *Intrinsics) Cy() float64 { return in.K.At(1, 2) }

// FlatRowMajor returns the nine matrix entries in row-major order.
func (in *Intrinsics) FlatRowMajor() []float64 {
	out := make([]float64, 0, 9)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out = append(out, in.K.At(r, c))
		}
	}
	return out
}

// LoadIntrinsics reads a 3x3 intrinsics matrix from an NPY file.
func LoadIntrinsics(path string) (*Intrinsics, error) {
	m, err := ReadMatrixNPY(path)
	if err != nil {
		return nil, fmt.Errorf("read intrinsics %s: %w", path, err)
	}
	rows, cols := m.Dims()
	if rows != 3 || cols != 3 {
		return nil, fmt.Errorf("intrinsics %s: expected 3x3 matrix, got %dx%d", path, rows, cols)
	}
	return &Intrinsics{K: m}, nil
}

// Capture is a validated capture folder.
type Capture struct {
	Dir            string
	RGBPath        string
	DepthPath      string
	IntrinsicsPath string
	MasksDir       string

	Width      int
	Height     int
	Intrinsics *Intrinsics
	Masks      []Mask
}

// Load validates the required capture files and enumerates any masks.
// The masks/ directory may legitimately be absent when the
// auto-segmentation stage will produce it; callers that need masks up
// front should also call RequireMasks.
func Load(dir string) (*Capture, error) {
	c := &Capture{
		Dir:            dir,
		RGBPath:        filepath.Join(dir, "rgb.png"),
		DepthPath:      filepath.Join(dir, "depth.png"),
		IntrinsicsPath: filepath.Join(dir, "intrinsics.npy"),
		MasksDir:       filepath.Join(dir, "masks"),
	}

	for _, p := range []string{c.RGBPath, c.DepthPath, c.IntrinsicsPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("capture %s: missing required file %s", dir, filepath.Base(p))
		}
	}

	cfg, err := decodePNGConfig(c.RGBPath)
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", dir, err)
	}
	c.Width, c.Height = cfg.Width, cfg.Height

	intr, err := LoadIntrinsics(c.IntrinsicsPath)
	if err != nil {
		return nil, err
	}
	c.Intrinsics = intr

	if err := c.ReloadMasks(); err != nil {
		return nil, err
	}
	return c, nil
}

// ReloadMasks re-enumerates masks/ and reassigns IDs 0..N-1 in
// lexicographic filename order. Used after the auto-segmentation stage
// writes its output.
func (c *Capture) ReloadMasks() error {
	c.Masks = nil
	entries, err := os.ReadDir(c.MasksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read masks dir: %w", err)
	}

	names := []string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ".png") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for i, name := range names {
		path := filepath.Join(c.MasksDir, name)
		// Reject undecodable masks here, before any stage has started.
		if _, err := decodePNGConfig(path); err != nil {
			return fmt.Errorf("mask %s: %w", name, err)
		}
		c.Masks = append(c.Masks, Mask{
			ID:   i,
			Name: name,
			Path: path,
		})
	}
	return nil
}

// RequireMasks errors when the capture has no usable masks. The
// standard pipeline calls this before any stage runs so an empty or
// absent masks/ folder never silently produces a zero-object run.
func (c *Capture) RequireMasks() error {
	if len(c.Masks) == 0 {
		return fmt.Errorf("%w: no PNG files under %s", ErrNoMasks, c.MasksDir)
	}
	return nil
}

// LoadRGB decodes the scene color image.
func (c *Capture) LoadRGB() (image.Image, error) {
	return decodePNG(c.RGBPath)
}

// LoadDepth decodes the scene depth image as 16-bit grayscale
// (millimeters). 8-bit depth files are rejected since downstream
// unprojection would silently lose range.
func (c *Capture) LoadDepth() (*image.Gray16, error) {
	img, err := decodePNG(c.DepthPath)
	if err != nil {
		return nil, err
	}
	g16, ok := img.(*image.Gray16)
	if !ok {
		return nil, fmt.Errorf("depth %s: expected 16-bit grayscale PNG, got %T", c.DepthPath, img)
	}
	return g16, nil
}

// LoadMask decodes one object mask.
func (c *Capture) LoadMask(m Mask) (image.Image, error) {
	return decodePNG(m.Path)
}

func decodePNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

func decodePNGConfig(path string) (image.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, err
	}
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	if err != nil {
		return image.Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}
