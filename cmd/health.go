package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/conneroisu/snipbox/internal/monitoring"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health status of a running snipbox server",
	Long: `Query the /health endpoint of a running snipbox server and report the
store and runtime checks. The command fails unless the server is healthy.

This command is used by container health checks and deployment readiness checks.

Examples:
  snipbox health                           # localhost:8080
  snipbox health -H 10.0.0.5 -p 3000 -f json
  snipbox health --url https://snipbox.internal`,
	RunE: runHealthCheck,
}

var (
	healthPort    int
	healthHost    string
	healthURL     string
	healthTimeout time.Duration
	healthFlags   *OutputFlags
)

func init() {
	rootCmd.AddCommand(healthCmd)

	healthCmd.Flags().IntVarP(&healthPort, "port", "p", 8080, "Port of the server")
	healthCmd.Flags().StringVarP(&healthHost, "host", "H", "localhost", "Host of the server")
	healthCmd.Flags().StringVar(&healthURL, "url", "", "Base URL of the server (overrides --host and --port)")
	healthCmd.Flags().DurationVarP(&healthTimeout, "timeout", "t", 3*time.Second, "Timeout for the health request")
	healthFlags = AddOutputFlags(healthCmd)

	AddFlagValidation(healthCmd, "port", ValidatePort)
}

func runHealthCheck(cmd *cobra.Command, args []string) error {
	base := healthURL
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", healthHost, healthPort)
	}
	base = strings.TrimRight(base, "/")

	resp, err := resty.New().
		SetTimeout(healthTimeout).
		R().
		SetContext(commandContext(cmd)).
		SetHeader("Accept", "application/json").
		Get(base + "/health")
	if err != nil {
		return fmt.Errorf("server at %s is not responding: %w", base, err)
	}

	// unhealthy servers answer 503 with the same body
	var health monitoring.HealthResponse
	if err := json.Unmarshal(resp.Body(), &health); err != nil {
		return fmt.Errorf("unexpected health response (HTTP %d): %w", resp.StatusCode(), err)
	}

	if !healthFlags.Quiet {
		out := cmd.OutOrStdout()
		err = writeFormatted(out, healthFlags.Format, health, func() error {
			fmt.Fprintf(out, "%s is %s (version %s, up %s)\n\n", base, health.Status, health.Version, health.Uptime)
			names := make([]string, 0, len(health.Checks))
			for name := range health.Checks {
				names = append(names, name)
			}
			sort.Strings(names)

			t := newTable(out, "CHECK", "STATUS", "CRITICAL", "MESSAGE")
			for _, name := range names {
				c := health.Checks[name]
				t.row(name, string(c.Status), strconv.FormatBool(c.Critical), c.Message)
			}
			return t.flush()
		})
		if err != nil {
			return err
		}
	}

	if health.Status != monitoring.HealthStatusHealthy {
		return fmt.Errorf("server is %s", health.Status)
	}
	return nil
}
