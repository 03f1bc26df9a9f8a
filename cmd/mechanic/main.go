// Command mechanic runs a checkpointed master/worker task farm over a
// 3-D board, backed by a self-describing binary archive.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/mechanic/internal/mecherr"
)

// buildVersion is overridden at link time via -ldflags, mirroring the
// teacher's own version command pattern.
var buildVersion = "dev"

func main() {
	root := &cobra.Command{
		Use:           "mechanic",
		Short:         "Checkpointed master/worker task farm over a 3-D board",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newValidateConfigCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var ce *mecherr.CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return mecherr.ExitUsage
}
