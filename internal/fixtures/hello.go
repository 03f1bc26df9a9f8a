// Package fixtures holds the statically-linked example modules that ship
// with the binary, selected by name via the --module flag. A Go build
// cannot load an arbitrary shared-object module the way the reference
// implementation does, so the example modules the reference ships
// alongside the core framework (a minimal "hello" pool and a Mandelbrot
// pool) are compiled in here and looked up by name instead, the same
// "selectable builtin" pattern the teacher uses for backend selection.
package fixtures

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/oriys/mechanic/internal/arena"
	"github.com/oriys/mechanic/internal/layout"
	"github.com/oriys/mechanic/internal/registry"
)

// helloResultSchema is a 3-int LIST dataset: one [x,y,z] triple per task,
// laid out row-major across the pool once every task completes.
var helloResultSchema = &layout.Schema{
	Name:       "result",
	Rank:       2,
	Dims:       []int{3, 1},
	Datatype:   layout.DatatypeInt,
	Discipline: layout.List,
	Sync:       true,
}

// Hello builds the minimal module: every task writes its own board
// location into its result buffer, exercising the dispatch and
// checkpoint paths end to end without any real computation.
func Hello() *registry.Module {
	return &registry.Module{
		Name:       "hello",
		APIVersion: "1.0",
		Schemas:    []*layout.Schema{helloResultSchema},
		Process: func(ctx context.Context, loc layout.Location, taskID int, in *arena.Arena) error {
			buf, ok := in.Get("result")
			if !ok {
				return fmt.Errorf("hello: result buffer not allocated")
			}
			coords := [3]int32{int32(loc.X), int32(loc.Y), int32(loc.Z)}
			for i, v := range coords {
				var b [4]byte
				binary.BigEndian.PutUint32(b[:], uint32(v))
				if err := buf.WriteAt([]int{i, 0}, 4, b[:]); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
