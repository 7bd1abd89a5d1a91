package meshio

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/lucasb-eyer/go-colorful"
)

// WriteScenePLY writes the vertices of several registered meshes as a
// single ASCII PLY point cloud, one distinct color per object, for
// quick visual inspection of a finished run. Objects are colored in
// ascending ID order so the same object keeps the same color across
// re-runs.
func WriteScenePLY(w io.Writer, objects map[int]*OBJ) error {
	ids := make([]int, 0, len(objects))
	total := 0
	for id, o := range objects {
		ids = append(ids, id)
		total += o.NumVertices()
	}
	sort.Ints(ids)

	palette := colorful.FastHappyPalette(len(ids))

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "ply")
	fmt.Fprintln(bw, "format ascii 1.0")
	fmt.Fprintf(bw, "element vertex %d\n", total)
	fmt.Fprintln(bw, "property float x")
	fmt.Fprintln(bw, "property float y")
	fmt.Fprintln(bw, "property float z")
	fmt.Fprintln(bw, "property uchar red")
	fmt.Fprintln(bw, "property uchar green")
	fmt.Fprintln(bw, "property uchar blue")
	fmt.Fprintln(bw, "end_header")

	for i, id := range ids {
		r, g, b := palette[i].Clamped().RGB255()
		for _, v := range objects[id].Vertices() {
			fmt.Fprintf(bw, "%g %g %g %d %d %d\n", v.X, v.Y, v.Z, r, g, b)
		}
	}
	return bw.Flush()
}

// SaveScenePLY writes the colored scene point cloud to disk.
func SaveScenePLY(path string, objects map[int]*OBJ) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteScenePLY(f, objects); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
