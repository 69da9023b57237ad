package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conneroisu/snipbox/internal/version"
)

var (
	versionFormat   string
	versionShort    bool
	versionDetailed bool
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Display version information for snipbox including the version,
the git commit, the build time, the Go version and the target platform.

Examples:
  snipbox version              # Show version and commit
  snipbox version --detailed   # Show every build attribute
  snipbox version --format json`,
	RunE: runVersionCommand,
}

func init() {
	rootCmd.AddCommand(versionCmd)

	versionCmd.Flags().StringVarP(&versionFormat, "format", "f", "text", "Output format (text, json, yaml)")
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Show short version only")
	versionCmd.Flags().BoolVar(&versionDetailed, "detailed", false, "Show detailed version information")
}

func runVersionCommand(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	switch versionFormat {
	case FormatJSON:
		return outputJSON(out, version.Get())
	case FormatYAML:
		return outputYAML(out, version.Get())
	case "text":
		switch {
		case versionShort:
			_, err := fmt.Fprintln(out, version.Short())
			return err
		case versionDetailed:
			_, err := fmt.Fprintln(out, version.Detailed())
			return err
		}
		_, err := fmt.Fprintf(out, "snipbox %s\n", version.Short())
		return err
	default:
		return fmt.Errorf("unsupported format: %s (supported: text, json, yaml)", versionFormat)
	}
}
