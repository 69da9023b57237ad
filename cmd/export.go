package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/conneroisu/snipbox/internal/export"
	"github.com/conneroisu/snipbox/internal/logging"
	"github.com/conneroisu/snipbox/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export <component-id>...",
	Short: "Write a component bundle to disk",
	Long: `Write a stored component as a bundle holding index.html, style.css,
script.js and component.json. The archive is named after the component
unless --output is given; "--output -" writes it to stdout.

Several ids are packaged together: one page with every component in its
own container, a combined style.css and script.js, and components.json.

Examples:
  snipbox export comp-1                     # navigation-bar.zip
  snipbox export comp-2 --format tar.zst    # hero-section.tar.zst
  snipbox export comp-3 -o counter.tgz --format tgz
  snipbox export comp-1 comp-2 comp-3       # components.zip`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExport,
}

var (
	exportFormat string
	exportOutput string
)

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVar(&exportFormat, "format", string(export.FormatZip), "Archive format (zip, tar.gz, tar.zst)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default <slug>.<format>)")

	AddFlagValidation(exportCmd, "format", func(s string) error {
		_, err := export.ParseFormat(s)
		return err
	})
}

func runExport(cmd *cobra.Command, args []string) error {
	format, err := export.ParseFormat(exportFormat)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)

	st, err := openStore(ctx, cfg, logging.NewNop(), nil)
	if err != nil {
		return err
	}
	defer st.Close()

	components := make([]store.Component, 0, len(args))
	for _, id := range args {
		c, err := st.Component(ctx, id, userFlag)
		if err != nil {
			return err
		}
		components = append(components, *c)
	}

	write := func(w io.Writer) error { return export.Write(w, components[0], format) }
	path, label := export.FileName(components[0], format), components[0].Name
	if len(components) > 1 {
		write = func(w io.Writer) error { return export.WriteMulti(w, components, format) }
		path, label = export.PackageFileName(format), fmt.Sprintf("%d components", len(components))
	}

	if exportOutput == "-" {
		return write(cmd.OutOrStdout())
	}

	var buf bytes.Buffer
	if err := write(&buf); err != nil {
		return err
	}
	if exportOutput != "" {
		path = exportOutput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Exported %s to %s (%d bytes)\n", label, path, buf.Len())
	return nil
}
