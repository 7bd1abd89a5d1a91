// Command scenepreview exports the registered meshes of a finished
// run as a single colored point cloud PLY for quick inspection in a
// viewer.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chsahit/metric-sam3d/meshio"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s <results_folder> <scene.ply>\n\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}
	resultsDir, outPath := flag.Arg(0), flag.Arg(1)

	// Accept either the results folder itself or its parent.
	meshDir := resultsDir
	if sub := filepath.Join(resultsDir, "completion_output"); dirExists(sub) {
		meshDir = sub
	}

	paths, err := filepath.Glob(filepath.Join(meshDir, "*.obj"))
	if err != nil {
		log.Fatalf("Failed to list meshes: %v", err)
	}
	if len(paths) == 0 {
		log.Fatalf("No registered meshes found under %s", meshDir)
	}

	objects := make(map[int]*meshio.OBJ, len(paths))
	for _, p := range paths {
		base := strings.TrimSuffix(filepath.Base(p), ".obj")
		id, err := strconv.Atoi(base)
		if err != nil {
			log.Printf("Skipping %s: name is not an object ID", filepath.Base(p))
			continue
		}
		o, err := meshio.LoadOBJ(p)
		if err != nil {
			log.Fatalf("Failed to read %s: %v", p, err)
		}
		objects[id] = o
	}
	if len(objects) == 0 {
		log.Fatalf("No object meshes found under %s", meshDir)
	}

	if err := meshio.SaveScenePLY(outPath, objects); err != nil {
		log.Fatalf("Failed to write %s: %v", outPath, err)
	}
	log.Printf("Wrote %d objects to %s", len(objects), outPath)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
