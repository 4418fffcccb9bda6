// Package layout positions content inside appearance boxes.
package layout

import (
	"fmt"
	"strings"

	"github.com/georgepadayatti/eidsign/pdf/generic"
)

// Alignment places an item along one axis of its container.
type Alignment int

const (
	// AlignMin is left horizontally and bottom vertically, in PDF user space.
	AlignMin Alignment = iota
	AlignMid
	AlignMax
)

// String returns the name used in configuration files.
func (a Alignment) String() string {
	switch a {
	case AlignMid:
		return "mid"
	case AlignMax:
		return "max"
	default:
		return "min"
	}
}

// ParseAlignment parses "min", "mid" or "max". The empty string is AlignMin.
func ParseAlignment(s string) (Alignment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "min":
		return AlignMin, nil
	case "mid":
		return AlignMid, nil
	case "max":
		return AlignMax, nil
	}
	return AlignMin, fmt.Errorf("unknown alignment %q (must be min, mid or max)", s)
}

// Offset returns the distance from the container's low edge to the item's
// low edge. Items larger than the container overflow on the high side for
// AlignMin, on both sides for AlignMid and on the low side for AlignMax.
func (a Alignment) Offset(containerSize, itemSize float64) float64 {
	switch a {
	case AlignMid:
		return (containerSize - itemSize) / 2
	case AlignMax:
		return containerSize - itemSize
	default:
		return 0
	}
}

// Margins is the space left between a box edge and its content.
type Margins struct {
	Top, Right, Bottom, Left float64
}

// UniformMargins creates margins with the same value on all sides.
func UniformMargins(value float64) Margins {
	return Margins{value, value, value, value}
}

// Apply shrinks r by the margins.
func (m Margins) Apply(r generic.Rectangle) generic.Rectangle {
	return generic.Rectangle{
		LLX: r.LLX + m.Left,
		LLY: r.LLY + m.Bottom,
		URX: r.URX - m.Right,
		URY: r.URY - m.Top,
	}
}
