package pose

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"
)

// DefaultNumAnchors is the number of anchors of the BlazePose detector.
const DefaultNumAnchors = 2254

// Anchor is the normalized centre of one detector candidate region.
type Anchor struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// Vec2 returns the anchor as a vector.
func (a Anchor) Vec2() mgl32.Vec2 {
	return mgl32.Vec2{a.X, a.Y}
}

// AnchorTable is an immutable table of detector anchors, indexed like the detector's outputs.
type AnchorTable struct {
	anchors []Anchor
}

// LoadAnchorsFile reads an anchor table from a CSV file. See LoadAnchors.
func LoadAnchorsFile(path string, n int) (*AnchorTable, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, &ResourceLoadError{Resource: path, Err: err}
	}
	defer f.Close()
	return LoadAnchors(f, path, n)
}

// LoadAnchors parses comma-separated rows of at least two numbers, of which the first two are the
// anchor x and y. Blank lines are skipped. It fails with a *ParseError unless exactly n rows parse.
func LoadAnchors(r io.Reader, name string, n int) (*AnchorTable, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	anchors := make([]Anchor, 0, n)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var csvErr *csv.ParseError
			if errors.As(err, &csvErr) {
				return nil, &ParseError{Resource: name, Line: csvErr.Line, Reason: csvErr.Err.Error()}
			}
			return nil, &ResourceLoadError{Resource: name, Err: err}
		}
		line, _ := reader.FieldPos(0)
		if len(record) < 2 {
			return nil, &ParseError{Resource: name, Line: line, Reason: "expected at least 2 columns"}
		}
		var xy [2]float32
		for i := range xy {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 32)
			if err != nil {
				return nil, &ParseError{Resource: name, Line: line, Reason: errors.Wrapf(err, "column %d", i+1).Error()}
			}
			xy[i] = float32(v)
		}
		anchors = append(anchors, Anchor{X: xy[0], Y: xy[1]})
	}
	if len(anchors) != n {
		return nil, &ParseError{Resource: name, Reason: errors.Errorf("expected %d anchors, found %d", n, len(anchors)).Error()}
	}
	return &AnchorTable{anchors: anchors}, nil
}

// Len returns the number of anchors.
func (t *AnchorTable) Len() int {
	return len(t.anchors)
}

// Get returns the anchor at index.
func (t *AnchorTable) Get(index int) (Anchor, error) {
	if index < 0 || index >= len(t.anchors) {
		return Anchor{}, &IndexError{Index: index, Len: len(t.anchors)}
	}
	return t.anchors[index], nil
}
