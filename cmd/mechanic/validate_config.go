package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oriys/mechanic/internal/config"
	"github.com/oriys/mechanic/internal/mecherr"
)

func newValidateConfigCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Parse a config file or run manifest and report any errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				return mecherr.New(mecherr.ExitSetupInvalid, fmt.Errorf("validate-config: --config is required"))
			}
			cfg := config.DefaultConfig()
			if err := loadConfigFile(cfg, path); err != nil {
				return mecherr.New(mecherr.ExitSetupInvalid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: module=%s board=%dx%dx%d archive=%s\n",
				cfg.ModuleName, cfg.BoardX, cfg.BoardY, cfg.BoardZ, cfg.ArchivePath)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "config", "", "path to the config file or run manifest")
	return cmd
}

// loadConfigFile dispatches to the YAML manifest loader or the strict INI
// loader based on the file's extension, the same dual-format config
// surface run.go applies.
func loadConfigFile(cfg *config.Config, path string) error {
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		m, err := config.LoadManifest(path)
		if err != nil {
			return err
		}
		config.ApplyManifest(cfg, m)
		return nil
	}
	return config.LoadINI(path, cfg)
}
