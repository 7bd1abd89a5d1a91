// Package prepare restructures a run's capture and generated meshes
// into the directory tree the scale estimator expects. This is the one
// pipeline stage implemented natively: it is pure file and image
// plumbing, and its output layout is a literal contract with the
// downstream tools.
package prepare

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/anthonynsimon/bild/blend"
	"github.com/disintegration/imaging"

	"github.com/chsahit/metric-sam3d/capture"
	"github.com/chsahit/metric-sam3d/manifest"
	"github.com/chsahit/metric-sam3d/meshio"
)

// Layout is the prepared-data directory tree. The imesh_outputs
// subtree mirrors what the scale estimator was built against and must
// not be renamed.
type Layout struct {
	Root      string
	GraspData string
	Meshes    string
	Videos    string
	Images    string
}

// LayoutFor maps a prepared-data root to its fixed subdirectories.
func LayoutFor(root string) Layout {
	imesh := filepath.Join(root, "imesh_outputs", "instant-mesh-large")
	return Layout{
		Root:      root,
		GraspData: filepath.Join(root, "grasp_data"),
		Meshes:    filepath.Join(imesh, "meshes"),
		Videos:    filepath.Join(imesh, "videos"),
		Images:    filepath.Join(imesh, "images"),
	}
}

func (l Layout) mkdirs() error {
	for _, dir := range []string{l.GraspData, l.Meshes, l.Videos, l.Images} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// Params configures one prepare run.
type Params struct {
	Capture  *capture.Capture
	Manifest *manifest.Manifest
	// MeshDir holds the generator's output: {id}.obj plus
	// mask_{id}.png per object.
	MeshDir string
	// OutDir is the prepared_data root.
	OutDir string
	// Log receives progress lines; nil discards them.
	Log func(string)
}

func (p Params) logf(format string, args ...any) {
	if p.Log != nil {
		p.Log(fmt.Sprintf(format, args...))
	}
}

// Run builds the prepared-data tree for every object in the manifest.
func Run(ctx context.Context, p Params) error {
	layout := LayoutFor(p.OutDir)
	if err := layout.mkdirs(); err != nil {
		return fmt.Errorf("create prepared-data tree: %w", err)
	}

	if err := writeIntrinsics(layout, p.Capture); err != nil {
		return err
	}

	if err := copyFile(p.Capture.RGBPath, filepath.Join(layout.GraspData, "scene_full_image.png")); err != nil {
		return err
	}
	if err := copyFile(p.Capture.DepthPath, filepath.Join(layout.GraspData, "scene_full_depth.png")); err != nil {
		return err
	}

	rgb, err := p.Capture.LoadRGB()
	if err != nil {
		return err
	}
	depth, err := p.Capture.LoadDepth()
	if err != nil {
		return err
	}

	for i := range p.Manifest.Objects {
		if err := ctx.Err(); err != nil {
			return err
		}
		obj := &p.Manifest.Objects[i]
		p.logf("preparing object %d (%s)", obj.ID, obj.MaskName)
		if err := prepareObject(layout, p, obj, rgb, depth); err != nil {
			return fmt.Errorf("object %d: %w", obj.ID, err)
		}
	}
	return nil
}

func writeIntrinsics(layout Layout, c *capture.Capture) error {
	// cam_K.txt: one space-separated row per line.
	var b strings.Builder
	for r := 0; r < 3; r++ {
		row := make([]string, 3)
		for col := 0; col < 3; col++ {
			row[col] = strconv.FormatFloat(c.Intrinsics.K.At(r, col), 'f', -1, 64)
		}
		b.WriteString(strings.Join(row, " "))
		b.WriteByte('\n')
	}
	if err := os.WriteFile(filepath.Join(layout.GraspData, "cam_K.txt"), []byte(b.String()), 0644); err != nil {
		return err
	}
	return writeIntrinsicsJSON(filepath.Join(layout.GraspData, "cam_K.json"), c)
}

func writeIntrinsicsJSON(path string, c *capture.Capture) error {
	payload := struct {
		Width           int       `json:"width"`
		Height          int       `json:"height"`
		IntrinsicMatrix []float64 `json:"intrinsic_matrix"`
	}{
		Width:           c.Width,
		Height:          c.Height,
		IntrinsicMatrix: c.Intrinsics.FlatRowMajor(),
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func prepareObject(layout Layout, p Params, obj *manifest.Object, rgb image.Image, depth *image.Gray16) error {
	maskImg, err := p.Capture.LoadMask(capture.Mask{ID: obj.ID, Name: obj.MaskName, Path: obj.MaskPath})
	if err != nil {
		return err
	}
	mask := imaging.Grayscale(maskImg)
	id := strconv.Itoa(obj.ID)

	if err := writePNG(filepath.Join(layout.GraspData, id+"_mask.png"), mask); err != nil {
		return err
	}

	// Masked RGB: multiply blend against the white-on-black mask
	// blacks out everything outside the object.
	masked := blend.Multiply(rgb, mask)
	if err := writePNG(filepath.Join(layout.GraspData, id+"_masked.png"), masked); err != nil {
		return err
	}

	maskedDepth := maskDepth(depth, mask)
	if err := writePNG(filepath.Join(layout.GraspData, id+"_depth.png"), maskedDepth); err != nil {
		return err
	}

	meshSrc := filepath.Join(p.MeshDir, id+".obj")
	o, err := meshio.LoadOBJ(meshSrc)
	if err != nil {
		return fmt.Errorf("load generated mesh: %w", err)
	}
	meshDst := filepath.Join(layout.Meshes, id+"_rgba.obj")
	if err := copyFile(meshSrc, meshDst); err != nil {
		return err
	}
	if err := copySidecars(p.MeshDir, layout.Meshes, id, o); err != nil {
		return err
	}

	// Fixed-viewpoint render for the correspondence matcher.
	o.Center()
	renderRGB, renderDepth, err := RenderMesh(o, p.Capture.Intrinsics, p.Capture.Width, p.Capture.Height)
	if err != nil {
		return fmt.Errorf("render mesh: %w", err)
	}
	if err := writePNG(filepath.Join(layout.Videos, id+"_rgba.png"), renderRGB); err != nil {
		return err
	}
	if err := writePNG(filepath.Join(layout.Videos, id+"_rgba_depth.png"), renderDepth); err != nil {
		return err
	}
	if err := writeIntrinsicsJSON(filepath.Join(layout.Videos, id+"_rgba.json"), p.Capture); err != nil {
		return err
	}

	// Per-object crop of the masked scene; the scale estimator also
	// uses this directory to discover which objects exist.
	crop := cropToMask(masked, mask)
	return writePNG(filepath.Join(layout.Images, id+"_rgba.png"), crop)
}

// maskDepth zeroes depth outside the mask. Depth stays 16-bit.
func maskDepth(depth *image.Gray16, mask *image.NRGBA) *image.Gray16 {
	b := depth.Bounds()
	out := image.NewGray16(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if maskOn(mask, x, y) {
				out.SetGray16(x, y, depth.Gray16At(x, y))
			}
		}
	}
	return out
}

func maskOn(mask *image.NRGBA, x, y int) bool {
	return mask.NRGBAAt(x, y).R > 127
}

// cropToMask crops the image to the mask's bounding box with 10%
// padding per side. A fully empty mask falls back to the whole frame
// rather than producing a zero-size crop.
func cropToMask(img *image.RGBA, mask *image.NRGBA) image.Image {
	b := mask.Bounds()
	minX, minY := b.Max.X, b.Max.Y
	maxX, maxY := b.Min.X-1, b.Min.Y-1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if maskOn(mask, x, y) {
				if x < minX {
					minX = x
				}
				if x > maxX {
					maxX = x
				}
				if y < minY {
					minY = y
				}
				if y > maxY {
					maxY = y
				}
			}
		}
	}
	if maxX < minX || maxY < minY {
		return img
	}
	padX := (maxX - minX + 1) / 10
	padY := (maxY - minY + 1) / 10
	rect := image.Rect(minX-padX, minY-padY, maxX+padX+1, maxY+padY+1).Intersect(b)
	return imaging.Crop(img, rect)
}

// copySidecars copies material and texture files referenced by the
// mesh (mtllib entries, the {id}.mtl/{id}.png convention, and the
// material_{id}.png pattern some exporters use).
func copySidecars(srcDir, dstDir, id string, o *meshio.OBJ) error {
	seen := map[string]bool{}
	copyIfPresent := func(name, dstName string) error {
		if seen[name] {
			return nil
		}
		src := filepath.Join(srcDir, name)
		if _, err := os.Stat(src); err != nil {
			return nil
		}
		seen[name] = true
		return copyFile(src, filepath.Join(dstDir, dstName))
	}

	for _, lib := range o.MaterialLibs() {
		if err := copyIfPresent(lib, lib); err != nil {
			return err
		}
	}
	for _, ext := range []string{".mtl", ".png"} {
		if err := copyIfPresent(id+ext, id+"_rgba"+ext); err != nil {
			return err
		}
	}
	return copyIfPresent("material_"+id+".png", "material_"+id+".png")
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
