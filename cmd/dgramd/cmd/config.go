package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/srediag/plugin-dgram/pkg/config"
)

var (
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect and generate configuration files",
	}
	configInitCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE:  startConfigInit,
	}
	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration, defaults and environment included",
		RunE:  startConfigShow,
	}
	configInitFlags = struct {
		Force bool
	}{}
)

func init() {
	configInitCmd.Flags().BoolVarP(&configInitFlags.Force, "force", "f", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	Root.AddCommand(configCmd)
}

func startConfigInit(cmd *cobra.Command, args []string) error {
	path := "dgramd.yaml"
	if len(args) == 1 {
		path = args[0]
	}
	if !configInitFlags.Force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if err := config.WriteFile(path, config.DefaultConfig()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}

func startConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(rootFlags.Config)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
