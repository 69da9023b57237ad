package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/conneroisu/snipbox/internal/config"
	"github.com/conneroisu/snipbox/internal/isolation"
	"github.com/conneroisu/snipbox/internal/logging"
	"github.com/conneroisu/snipbox/internal/preview"
	"github.com/conneroisu/snipbox/internal/sanitizer"
)

var renderCmd = &cobra.Command{
	Use:   "render [component-id]",
	Short: "Print the sandboxed preview document of a component",
	Long: `Sanitize and compose a component into the self-contained document that
the preview frame loads, and print it. The source is either a stored
component or the files named by --html, --css and --js ("-" reads stdin).

Examples:
  snipbox render comp-1                       # A stored component
  snipbox render --html card.html --css a.css # Files on disk
  snipbox render comp-3 --frame --width 320   # The sandboxed iframe instead`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRender,
}

// sourceFlags names the inputs of commands that render a component.
type sourceFlags struct {
	HTML   string
	CSS    string
	JS     string
	Width  string
	Height string
}

func (f *sourceFlags) add(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.HTML, "html", "", "Markup file")
	cmd.Flags().StringVar(&f.CSS, "css", "", "Style sheet file")
	cmd.Flags().StringVar(&f.JS, "js", "", "Script file")
	cmd.Flags().StringVar(&f.Width, "width", "", "Frame width (CSS length)")
	cmd.Flags().StringVar(&f.Height, "height", "", "Frame height (CSS length)")
}

var (
	renderSource      sourceFlags
	renderFrame       bool
	renderPlaceholder bool
)

func init() {
	rootCmd.AddCommand(renderCmd)

	renderSource.add(renderCmd)
	renderCmd.Flags().BoolVar(&renderFrame, "frame", false, "Print the sandboxed iframe instead of the document")
	renderCmd.Flags().BoolVar(&renderPlaceholder, "placeholder", false, "Print the placeholder a view without frame support receives")
}

func runRender(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)

	req, err := loadRequest(ctx, cmd, cfg, args, renderSource)
	if err != nil {
		return err
	}

	pipeline, err := newPipeline(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !renderFrame && !renderPlaceholder {
		prep, err := pipeline.Prepare(ctx, req)
		if err != nil {
			return err
		}
		printWarnings(cmd.ErrOrStderr(), prep.Warnings)
		_, err = io.WriteString(out, prep.Document.String())
		return err
	}

	capability := isolation.Always()
	if renderPlaceholder {
		capability = isolation.Never()
	}
	res, err := pipeline.RenderContext(ctx, nil, req, capability)
	if err != nil {
		return err
	}
	printWarnings(cmd.ErrOrStderr(), res.Warnings)
	if err := res.Frame.Render(ctx, out); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out)
	return err
}

// loadRequest builds a render request from a stored component named by
// args, or from the source files.
func loadRequest(ctx context.Context, cmd *cobra.Command, cfg *config.Config, args []string, src sourceFlags) (preview.Request, error) {
	req := preview.Request{Width: src.Width, Height: src.Height}

	if len(args) == 1 {
		if src.HTML != "" || src.CSS != "" || src.JS != "" {
			return req, fmt.Errorf("a component id cannot be combined with --html, --css or --js")
		}
		st, err := openStore(ctx, cfg, logging.NewNop(), nil)
		if err != nil {
			return req, err
		}
		defer st.Close()

		c, err := st.Component(ctx, args[0], userFlag)
		if err != nil {
			return req, err
		}
		req.Markup, req.Style, req.Script = c.HTML, c.CSS, c.JS
		return req, nil
	}

	if src.HTML == "" && src.CSS == "" && src.JS == "" {
		return req, fmt.Errorf("a component id or at least one of --html, --css and --js is required")
	}

	var err error
	stdin := cmd.InOrStdin()
	if req.Markup, err = readSource(src.HTML, stdin); err != nil {
		return req, err
	}
	if req.Style, err = readSource(src.CSS, stdin); err != nil {
		return req, err
	}
	if req.Script, err = readSource(src.JS, stdin); err != nil {
		return req, err
	}
	return req, nil
}

func readSource(path string, stdin io.Reader) (string, error) {
	switch path {
	case "":
		return "", nil
	case "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

func newPipeline(cfg *config.Config) (*preview.Pipeline, error) {
	pipeline, _, err := preview.FromConfig(cfg.Preview, preview.Options{
		Sanitizer: sanitizer.New(),
		Logger:    newLogger(cfg),
	})
	return pipeline, err
}

func printWarnings(w io.Writer, warnings []string) {
	for _, warning := range warnings {
		fmt.Fprintln(w, "warning:", warning)
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
