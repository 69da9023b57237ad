package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/conneroisu/snipbox/internal/errors"
	"github.com/conneroisu/snipbox/internal/headless"
)

var checkCmd = &cobra.Command{
	Use:   "check [component-id]",
	Short: "Run a component's scripts headlessly and report what they did",
	Long: `Run the scripts of a composed preview document in a headless window and
report the error banners it shows, the host surfaces it tried to reach, and
whether the embedding page stayed untouched.

The command fails when the embedding page was touched, or with --strict when
any error banner was shown.

Examples:
  snipbox check comp-3                 # A stored component
  snipbox check --js widget.js -f json # A script file, as JSON
  snipbox check comp-1 --budget 1s     # A longer settle budget`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

// checkReport is the printed form of a headless run.
type checkReport struct {
	Contained   bool     `json:"contained" yaml:"contained"`
	Banners     []string `json:"banners" yaml:"banners"`
	Blocked     []string `json:"blocked,omitempty" yaml:"blocked,omitempty"`
	Messages    []string `json:"messages,omitempty" yaml:"messages,omitempty"`
	Console     []string `json:"console,omitempty" yaml:"console,omitempty"`
	HostTouched bool     `json:"host_touched" yaml:"host_touched"`
	TimedOut    bool     `json:"timed_out" yaml:"timed_out"`
	DurationMS  int64    `json:"duration_ms" yaml:"duration_ms"`
	Warnings    []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

func newCheckReport(r *headless.Report, warnings []string) checkReport {
	banners := r.Banners
	if banners == nil {
		banners = []string{}
	}
	return checkReport{
		Contained:   r.Contained(),
		Banners:     banners,
		Blocked:     r.Blocked,
		Messages:    r.Messages,
		Console:     r.Console,
		HostTouched: r.HostTouched,
		TimedOut:    r.TimedOut,
		DurationMS:  r.Duration.Milliseconds(),
		Warnings:    warnings,
	}
}

var (
	checkSource sourceFlags
	checkFlags  *OutputFlags
	checkBudget time.Duration
	checkStrict bool
)

func init() {
	rootCmd.AddCommand(checkCmd)

	checkSource.add(checkCmd)
	checkFlags = AddOutputFlags(checkCmd)
	checkCmd.Flags().DurationVar(&checkBudget, "budget", 0, "How long timers may run (default from preview.script_budget)")
	checkCmd.Flags().BoolVar(&checkStrict, "strict", false, "Fail when an error banner is shown")
}

func runCheck(cmd *cobra.Command, args []string) error {
	if err := checkFlags.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)

	req, err := loadRequest(ctx, cmd, cfg, args, checkSource)
	if err != nil {
		return err
	}
	pipeline, err := newPipeline(cfg)
	if err != nil {
		return err
	}
	prep, err := pipeline.Prepare(ctx, req)
	if err != nil {
		return err
	}

	budget := checkBudget
	if budget <= 0 {
		budget = cfg.Preview.ScriptBudget
	}
	report, err := headless.Run(ctx, prep.Document, headless.Options{Budget: budget, Logger: newLogger(cfg)})
	if err != nil {
		return err
	}

	result := newCheckReport(report, prep.Warnings)
	if !checkFlags.Quiet {
		out := cmd.OutOrStdout()
		err = writeFormatted(out, checkFlags.Format, result, func() error {
			t := newTable(out, "CHECK", "RESULT")
			t.row("contained", strconv.FormatBool(result.Contained))
			t.row("banners", joinOrNone(report.Banners))
			t.row("blocked", joinOrNone(report.Blocked))
			t.row("messages", joinOrNone(report.Messages))
			t.row("console", joinOrNone(report.Console))
			t.row("timed out", strconv.FormatBool(report.TimedOut))
			t.row("duration", report.Duration.Round(time.Millisecond).String())
			for _, w := range prep.Warnings {
				t.row("warning", w)
			}
			return t.flush()
		})
		if err != nil {
			return err
		}
	}

	switch {
	case !result.Contained:
		return errors.NewSecurityError(errors.ErrCodeIsolationBreach, "component scripts touched the embedding page")
	case checkStrict && len(report.Banners) > 0:
		return fmt.Errorf("component showed %d error banner(s)", len(report.Banners))
	}
	return nil
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, "; ")
}
