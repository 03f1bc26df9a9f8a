package fixtures

import (
	"context"
	"fmt"

	"github.com/oriys/mechanic/internal/arena"
	"github.com/oriys/mechanic/internal/layout"
	"github.com/oriys/mechanic/internal/registry"
)

// Core is the built-in default module: it declares no schemas and its
// Process hook does nothing but mark the task done. It exists so the
// framework always has a module to dispatch against, even when a run's
// only purpose is exercising the board/master/worker wiring itself.
func Core() *registry.Module {
	return &registry.Module{
		Name:       "core",
		APIVersion: "1.0",
		Process: func(ctx context.Context, loc layout.Location, taskID int, in *arena.Arena) error {
			return nil
		},
	}
}

// Lookup resolves a module by its --module flag name, the same
// registered-by-name pattern the config package uses for INI sections.
func Lookup(name string, dims layout.BoardDims) (*registry.Module, error) {
	switch name {
	case "", "core":
		return Core(), nil
	case "hello":
		return Hello(), nil
	case "mandelbrot":
		return Mandelbrot(dims), nil
	default:
		return nil, fmt.Errorf("fixtures: unknown module %q", name)
	}
}
