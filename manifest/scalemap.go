package manifest

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// The scale mapping file is the wire contract between the scale
// estimator and the pose registrar: one "{id}:{scale}" line per object,
// nothing else. Downstream tools parse it literally, so both the
// format and its validation are strict.

// ReadScaleMap parses a scale mapping file. Blank lines are tolerated;
// anything else that is not a well-formed int:float line is an error,
// as is a duplicated ID.
func ReadScaleMap(path string) (map[int]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scale map: %w", err)
	}
	defer f.Close()

	scales := make(map[int]float64)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, scale, err := parseScaleLine(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		if _, dup := scales[id]; dup {
			return nil, fmt.Errorf("%s:%d: duplicate scale for object %d", path, lineNo, id)
		}
		scales[id] = scale
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return scales, nil
}

func parseScaleLine(line string) (int, float64, error) {
	idStr, scaleStr, ok := strings.Cut(line, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed scale line %q", line)
	}
	id, err := strconv.Atoi(strings.TrimSpace(idStr))
	if err != nil {
		return 0, 0, fmt.Errorf("bad object id in %q", line)
	}
	scale, err := strconv.ParseFloat(strings.TrimSpace(scaleStr), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad scale value in %q", line)
	}
	if scale <= 0 {
		return 0, 0, fmt.Errorf("non-positive scale %v for object %d", scale, id)
	}
	return id, scale, nil
}

// WriteScaleMap writes scales in ascending ID order.
func WriteScaleMap(path string, scales map[int]float64) error {
	ids := make([]int, 0, len(scales))
	for id := range scales {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var b strings.Builder
	for _, id := range ids {
		b.WriteString(strconv.Itoa(id))
		b.WriteByte(':')
		b.WriteString(strconv.FormatFloat(scales[id], 'f', -1, 64))
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}

// ValidateScaleMap checks that the scale map covers every manifest
// object exactly once and introduces no unknown IDs. Run after the
// scale stage and before registration, so a missing correspondence is
// caught here rather than deep inside the registrar.
func ValidateScaleMap(scales map[int]float64, m *Manifest) error {
	for _, o := range m.Objects {
		if _, ok := scales[o.ID]; !ok {
			return fmt.Errorf("scale map missing object %d (%s)", o.ID, o.MaskName)
		}
	}
	if len(scales) != len(m.Objects) {
		for id := range scales {
			if _, err := m.Object(id); err != nil {
				return fmt.Errorf("scale map has unknown object %d", id)
			}
		}
	}
	return nil
}
