package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/srediag/plugin-dgram/internal/version"
)

var (
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Version information",
		Run:   startVersion,
	}
)

func init() {
	Root.AddCommand(versionCmd)
}

func startVersion(cmd *cobra.Command, args []string) {
	out := cmd.OutOrStdout()
	fmt.Fprint(out, version.String())
	if ts := version.HumanRevisionTime(); ts != "" {
		fmt.Fprintf(out, " (%s)", ts)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
