// Package meshio reads and writes the textured OBJ files exchanged
// with the external mesh-generation and registration tools. Geometry
// is carried as model3d coordinates; all non-geometry lines (mtllib,
// usemtl, vt, vn, f, comments) pass through byte-exact, since the
// downstream tools parse these files literally.
package meshio

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/unixpickle/model3d/model3d"
)

type lineKind int

const (
	kindVertex lineKind = iota
	kindFace
	kindOther
)

type objLine struct {
	kind   lineKind
	vertex model3d.Coord3D
	// Trailing vertex-line tokens after x y z (per-vertex colors in
	// meshes baked by the generator). Preserved through transforms.
	vertexExtra []string
	// Vertex indices for face lines (1-based, as in the file).
	face []int
	raw  string
}

// OBJ is a parsed wavefront file that can be transformed and written
// back without disturbing its material or face structure.
type OBJ struct {
	lines []objLine
}

// ReadOBJ parses an OBJ stream.
func ReadOBJ(r io.Reader) (*OBJ, error) {
	o := &OBJ{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		fields := strings.Fields(raw)
		if len(fields) == 0 {
			o.lines = append(o.lines, objLine{kind: kindOther, raw: raw})
			continue
		}
		switch fields[0] {
		case "v":
			if len(fields) < 4 {
				return nil, fmt.Errorf("line %d: short vertex line %q", lineNo, raw)
			}
			var coords [3]float64
			for i := 0; i < 3; i++ {
				v, err := strconv.ParseFloat(fields[1+i], 64)
				if err != nil {
					return nil, fmt.Errorf("line %d: bad vertex coordinate %q", lineNo, fields[1+i])
				}
				coords[i] = v
			}
			o.lines = append(o.lines, objLine{
				kind:        kindVertex,
				vertex:      model3d.XYZ(coords[0], coords[1], coords[2]),
				vertexExtra: append([]string{}, fields[4:]...),
			})
		case "f":
			indices := make([]int, 0, len(fields)-1)
			for _, tok := range fields[1:] {
				// v, v/vt, v//vn, v/vt/vn all start with the vertex index.
				idxStr, _, _ := strings.Cut(tok, "/")
				idx, err := strconv.Atoi(idxStr)
				if err != nil {
					return nil, fmt.Errorf("line %d: bad face index %q", lineNo, tok)
				}
				indices = append(indices, idx)
			}
			o.lines = append(o.lines, objLine{kind: kindFace, face: indices, raw: raw})
		default:
			o.lines = append(o.lines, objLine{kind: kindOther, raw: raw})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return o, nil
}

// LoadOBJ reads an OBJ file from disk.
func LoadOBJ(path string) (*OBJ, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	o, err := ReadOBJ(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return o, nil
}

// Write serializes the OBJ. Vertex lines are re-encoded from the
// (possibly transformed) coordinates; everything else is emitted as
// read.
func (o *OBJ) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, ln := range o.lines {
		switch ln.kind {
		case kindVertex:
			fmt.Fprintf(bw, "v %s %s %s",
				formatCoord(ln.vertex.X), formatCoord(ln.vertex.Y), formatCoord(ln.vertex.Z))
			for _, extra := range ln.vertexExtra {
				bw.WriteByte(' ')
				bw.WriteString(extra)
			}
			bw.WriteByte('\n')
		default:
			bw.WriteString(ln.raw)
			bw.WriteByte('\n')
		}
	}
	return bw.Flush()
}

// SaveOBJ writes the OBJ to disk.
func (o *OBJ) SaveOBJ(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := o.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// NumVertices returns the vertex count.
func (o *OBJ) NumVertices() int {
	n := 0
	for _, ln := range o.lines {
		if ln.kind == kindVertex {
			n++
		}
	}
	return n
}

// Vertices returns all vertex coordinates in file order.
func (o *OBJ) Vertices() []model3d.Coord3D {
	out := make([]model3d.Coord3D, 0, o.NumVertices())
	for _, ln := range o.lines {
		if ln.kind == kindVertex {
			out = append(out, ln.vertex)
		}
	}
	return out
}

// MapCoords applies f to every vertex in place.
func (o *OBJ) MapCoords(f func(model3d.Coord3D) model3d.Coord3D) {
	for i := range o.lines {
		if o.lines[i].kind == kindVertex {
			o.lines[i].vertex = f(o.lines[i].vertex)
		}
	}
}

// Scale multiplies every vertex by s about the origin. This is how a
// metric scale factor is applied before registration.
func (o *OBJ) Scale(s float64) {
	o.MapCoords(func(c model3d.Coord3D) model3d.Coord3D {
		return c.Scale(s)
	})
}

// Centroid returns the mean vertex position.
func (o *OBJ) Centroid() model3d.Coord3D {
	var sum model3d.Coord3D
	n := 0
	for _, ln := range o.lines {
		if ln.kind == kindVertex {
			sum = sum.Add(ln.vertex)
			n++
		}
	}
	if n == 0 {
		return model3d.Coord3D{}
	}
	return sum.Scale(1 / float64(n))
}

// Center translates the mesh so its centroid sits at the origin.
// Relative scale is deliberately not normalized: the scale estimator
// depends on the generator's output proportions.
func (o *OBJ) Center() {
	c := o.Centroid()
	o.MapCoords(func(v model3d.Coord3D) model3d.Coord3D {
		return v.Sub(c)
	})
}

// TriangleFaces returns triangulated faces as 0-based vertex index
// triples, fan-triangulating polygons. Negative (relative) indices
// follow the OBJ convention.
func (o *OBJ) TriangleFaces() ([][3]int, error) {
	n := o.NumVertices()
	resolve := func(idx int) (int, error) {
		switch {
		case idx > 0 && idx <= n:
			return idx - 1, nil
		case idx < 0 && -idx <= n:
			return n + idx, nil
		default:
			return 0, fmt.Errorf("face index %d out of range (have %d vertices)", idx, n)
		}
	}

	var faces [][3]int
	for _, ln := range o.lines {
		if ln.kind != kindFace {
			continue
		}
		if len(ln.face) < 3 {
			return nil, fmt.Errorf("degenerate face %q", ln.raw)
		}
		first, err := resolve(ln.face[0])
		if err != nil {
			return nil, err
		}
		for i := 1; i+1 < len(ln.face); i++ {
			b, err := resolve(ln.face[i])
			if err != nil {
				return nil, err
			}
			c, err := resolve(ln.face[i+1])
			if err != nil {
				return nil, err
			}
			faces = append(faces, [3]int{first, b, c})
		}
	}
	return faces, nil
}

// Triangles converts faces to model3d triangles.
func (o *OBJ) Triangles() ([]*model3d.Triangle, error) {
	faces, err := o.TriangleFaces()
	if err != nil {
		return nil, err
	}
	verts := o.Vertices()
	tris := make([]*model3d.Triangle, 0, len(faces))
	for _, f := range faces {
		tris = append(tris, &model3d.Triangle{verts[f[0]], verts[f[1]], verts[f[2]]})
	}
	return tris, nil
}

// VertexColors returns per-vertex RGB values in [0,1] when every
// vertex line carries color tokens (the generator bakes vertex colors
// this way). The second return is false when any vertex lacks them.
func (o *OBJ) VertexColors() ([][3]float64, bool) {
	colors := make([][3]float64, 0, o.NumVertices())
	for _, ln := range o.lines {
		if ln.kind != kindVertex {
			continue
		}
		if len(ln.vertexExtra) < 3 {
			return nil, false
		}
		var c [3]float64
		for i := 0; i < 3; i++ {
			v, err := strconv.ParseFloat(ln.vertexExtra[i], 64)
			if err != nil {
				return nil, false
			}
			c[i] = v
		}
		colors = append(colors, c)
	}
	return colors, true
}

// Mesh builds a model3d mesh from the triangulated faces.
func (o *OBJ) Mesh() (*model3d.Mesh, error) {
	tris, err := o.Triangles()
	if err != nil {
		return nil, err
	}
	return model3d.NewMeshTriangles(tris), nil
}

// MaterialLibs lists mtllib references, used to copy material and
// texture sidecars alongside a relocated mesh.
func (o *OBJ) MaterialLibs() []string {
	var libs []string
	for _, ln := range o.lines {
		if ln.kind != kindOther {
			continue
		}
		fields := strings.Fields(ln.raw)
		if len(fields) >= 2 && fields[0] == "mtllib" {
			libs = append(libs, fields[1:]...)
		}
	}
	return libs
}
