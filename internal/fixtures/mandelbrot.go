package fixtures

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/oriys/mechanic/internal/arena"
	"github.com/oriys/mechanic/internal/layout"
	"github.com/oriys/mechanic/internal/registry"
)

// MandelbrotMaxIter is the escape-iteration ceiling: a point that hasn't
// diverged after this many iterations is treated as inside the set.
const MandelbrotMaxIter = 256

// mandelbrotSchema holds one escape-iteration count per board cell.
var mandelbrotSchema = &layout.Schema{
	Name:       "escape",
	Rank:       2,
	Dims:       []int{1, 1},
	Datatype:   layout.DatatypeInt,
	Discipline: layout.Board,
	Sync:       true,
}

// Mandelbrot builds the escape-time module over the complex plane
// rectangle [-2, 1] x [-1.5, 1.5], mapped across the board's X/Y extent.
// Each task computes the escape iteration count for its own cell and
// writes it into a one-element BOARD dataset.
func Mandelbrot(dims layout.BoardDims) *registry.Module {
	return &registry.Module{
		Name:       "mandelbrot",
		APIVersion: "1.0",
		Schemas:    []*layout.Schema{mandelbrotSchema},
		Process: func(ctx context.Context, loc layout.Location, taskID int, in *arena.Arena) error {
			buf, ok := in.Get("escape")
			if !ok {
				return fmt.Errorf("mandelbrot: escape buffer not allocated")
			}
			cre := planeCoord(loc.X, dims.X, -2.0, 1.0)
			cim := planeCoord(loc.Y, dims.Y, -1.5, 1.5)
			count := escapeIterations(cre, cim, MandelbrotMaxIter)
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], uint32(count))
			return buf.WriteAt([]int{0, 0}, 4, b[:])
		},
	}
}

// planeCoord maps a board index in [0, n) onto [lo, hi], pinning a
// single-cell axis to lo rather than dividing by zero.
func planeCoord(idx, n int, lo, hi float64) float64 {
	if n <= 1 {
		return lo
	}
	return lo + (hi-lo)*float64(idx)/float64(n-1)
}

// escapeIterations runs the standard z = z^2 + c recurrence from z=0,
// returning the iteration at which |z| exceeds 2, or maxIter if it never
// does within that budget.
func escapeIterations(cre, cim float64, maxIter int) int {
	var zre, zim float64
	for i := 0; i < maxIter; i++ {
		zre2, zim2 := zre*zre, zim*zim
		if zre2+zim2 > 4 {
			return i
		}
		zim = 2*zre*zim + cim
		zre = zre2 - zim2 + cre
	}
	return maxIter
}
