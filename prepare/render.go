package prepare

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/nfnt/resize"
	"github.com/unixpickle/model3d/model3d"
	xdraw "golang.org/x/image/draw"
	"gonum.org/v1/gonum/mat"

	"github.com/chsahit/metric-sam3d/capture"
	"github.com/chsahit/metric-sam3d/meshio"
)

// Fixed mesh-render viewpoint. The downstream correspondence matcher
// assumes exactly this camera placement, so these are wire constants,
// not tunables.
const (
	renderRadius    = 4.5
	renderElevation = 20.0 // degrees above the horizontal
	supersample     = 2
)

var renderUp = model3d.XYZ(0, 1, 0)

// renderPose returns the world-to-camera rotation and the camera
// position for the fixed viewpoint: the camera sits at renderRadius
// from the origin, renderElevation degrees up, looking at the origin
// with renderUp as the up hint. OpenCV convention: x right, y down,
// z forward.
func renderPose() (*mat.Dense, model3d.Coord3D) {
	e := renderElevation * math.Pi / 180
	pos := model3d.XYZ(0, renderRadius*math.Sin(e), renderRadius*math.Cos(e))

	forward := pos.Scale(-1).Normalize()
	right := forward.Cross(renderUp).Normalize()
	down := forward.Cross(right)

	r := mat.NewDense(3, 3, []float64{
		right.X, right.Y, right.Z,
		down.X, down.Y, down.Z,
		forward.X, forward.Y, forward.Z,
	})
	return r, pos
}

type renderTri struct {
	cam    [3]model3d.Coord3D // camera-space vertices
	colors [3][3]float64
	shade  float64
}

// RenderMesh renders a centroid-centered mesh from the fixed viewpoint
// using the capture's pinhole intrinsics. It returns the color render
// and a 16-bit depth image in millimeters, both at the capture's
// resolution. Geometry is rasterized at 2x and downsampled: Lanczos
// for color, nearest-neighbor for depth so no depth values are
// invented along silhouettes.
func RenderMesh(o *meshio.OBJ, intr *capture.Intrinsics, width, height int) (*image.NRGBA, *image.Gray16, error) {
	faces, err := o.TriangleFaces()
	if err != nil {
		return nil, nil, err
	}
	if len(faces) == 0 {
		return nil, nil, fmt.Errorf("mesh has no faces to render")
	}
	verts := o.Vertices()
	colors, hasColors := o.VertexColors()

	rot, pos := renderPose()
	toCam := func(p model3d.Coord3D) model3d.Coord3D {
		d := p.Sub(pos)
		v := mat.NewVecDense(3, []float64{d.X, d.Y, d.Z})
		var out mat.VecDense
		out.MulVec(rot, v)
		return model3d.XYZ(out.AtVec(0), out.AtVec(1), out.AtVec(2))
	}

	camVerts := make([]model3d.Coord3D, len(verts))
	for i, v := range verts {
		camVerts[i] = toCam(v)
	}

	tris := make([]renderTri, 0, len(faces))
	for _, f := range faces {
		t := renderTri{cam: [3]model3d.Coord3D{camVerts[f[0]], camVerts[f[1]], camVerts[f[2]]}}
		if hasColors {
			t.colors = [3][3]float64{colors[f[0]], colors[f[1]], colors[f[2]]}
		} else {
			t.colors = [3][3]float64{{0.8, 0.8, 0.8}, {0.8, 0.8, 0.8}, {0.8, 0.8, 0.8}}
		}
		// Headlight lambert term from the camera-space normal.
		n := triNormal(t.cam)
		t.shade = 0.35 + 0.65*math.Abs(n.Z)
		tris = append(tris, t)
	}

	sw, sh := width*supersample, height*supersample
	fx := intr.Fx() * supersample
	fy := intr.Fy() * supersample
	cx := intr.Cx() * supersample
	cy := intr.Cy() * supersample

	colorBuf := image.NewNRGBA(image.Rect(0, 0, sw, sh))
	depthBuf := make([]float64, sw*sh) // camera-space z, 0 = empty

	for _, t := range tris {
		rasterize(t, fx, fy, cx, cy, sw, sh, colorBuf, depthBuf)
	}

	depthImg := image.NewGray16(image.Rect(0, 0, sw, sh))
	for y := 0; y < sh; y++ {
		for x := 0; x < sw; x++ {
			z := depthBuf[y*sw+x]
			mm := math.Round(z * 1000)
			if mm > math.MaxUint16 {
				mm = math.MaxUint16
			}
			depthImg.SetGray16(x, y, color.Gray16{Y: uint16(mm)})
		}
	}

	outColor := toNRGBA(resize.Resize(uint(width), uint(height), colorBuf, resize.Lanczos3))
	outDepth := image.NewGray16(image.Rect(0, 0, width, height))
	xdraw.NearestNeighbor.Scale(outDepth, outDepth.Bounds(), depthImg, depthImg.Bounds(), xdraw.Src, nil)

	return outColor, outDepth, nil
}

func triNormal(v [3]model3d.Coord3D) model3d.Coord3D {
	n := v[1].Sub(v[0]).Cross(v[2].Sub(v[0]))
	if n.Norm() == 0 {
		return model3d.XYZ(0, 0, 1)
	}
	return n.Normalize()
}

// rasterize scan-converts one camera-space triangle with a z-buffer.
// Depth is interpolated perspective-correctly via 1/z; triangles
// touching the camera plane are dropped (the object sits at the
// origin, renderRadius away, so this only trims broken geometry).
func rasterize(t renderTri, fx, fy, cx, cy float64, w, h int, dst *image.NRGBA, depth []float64) {
	const near = 1e-6
	var sx, sy, invZ [3]float64
	for i, v := range t.cam {
		if v.Z <= near {
			return
		}
		sx[i] = fx*v.X/v.Z + cx
		sy[i] = fy*v.Y/v.Z + cy
		invZ[i] = 1 / v.Z
	}

	minX := int(math.Floor(math.Min(sx[0], math.Min(sx[1], sx[2]))))
	maxX := int(math.Ceil(math.Max(sx[0], math.Max(sx[1], sx[2]))))
	minY := int(math.Floor(math.Min(sy[0], math.Min(sy[1], sy[2]))))
	maxY := int(math.Ceil(math.Max(sy[0], math.Max(sy[1], sy[2]))))
	if minX < 0 {
		minX = 0
	}
	if minY < 0 {
		minY = 0
	}
	if maxX >= w {
		maxX = w - 1
	}
	if maxY >= h {
		maxY = h - 1
	}
	if minX > maxX || minY > maxY {
		return
	}

	area := edge(sx[0], sy[0], sx[1], sy[1], sx[2], sy[2])
	if area == 0 {
		return
	}

	for y := minY; y <= maxY; y++ {
		py := float64(y) + 0.5
		for x := minX; x <= maxX; x++ {
			px := float64(x) + 0.5
			w0 := edge(sx[1], sy[1], sx[2], sy[2], px, py) / area
			w1 := edge(sx[2], sy[2], sx[0], sy[0], px, py) / area
			w2 := edge(sx[0], sy[0], sx[1], sy[1], px, py) / area
			if w0 < 0 || w1 < 0 || w2 < 0 {
				continue
			}
			iz := w0*invZ[0] + w1*invZ[1] + w2*invZ[2]
			z := 1 / iz
			idx := y*w + x
			if depth[idx] != 0 && depth[idx] <= z {
				continue
			}
			depth[idx] = z

			// Perspective-correct color interpolation.
			c0 := w0 * invZ[0] / iz
			c1 := w1 * invZ[1] / iz
			c2 := w2 * invZ[2] / iz
			var rgb [3]float64
			for i := 0; i < 3; i++ {
				rgb[i] = (c0*t.colors[0][i] + c1*t.colors[1][i] + c2*t.colors[2][i]) * t.shade
			}
			dst.SetNRGBA(x, y, color.NRGBA{
				R: clamp8(rgb[0]),
				G: clamp8(rgb[1]),
				B: clamp8(rgb[2]),
				A: 255,
			})
		}
	}
}

func edge(ax, ay, bx, by, px, py float64) float64 {
	return (bx-ax)*(py-ay) - (by-ay)*(px-ax)
}

func clamp8(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	out := image.NewNRGBA(img.Bounds())
	xdraw.Draw(out, out.Bounds(), img, img.Bounds().Min, xdraw.Src)
	return out
}
