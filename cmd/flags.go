package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Output formats shared by the reporting commands.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// OutputFlags provides consistent output flag definitions across commands
type OutputFlags struct {
	Format string `flag:"format,f" desc:"Output format (table|json|yaml)" default:"table"`
	Quiet  bool   `flag:"quiet,q" desc:"Suppress output" default:"false"`
}

// AddOutputFlags adds the output flags to a command and validates the
// format as it is parsed.
func AddOutputFlags(cmd *cobra.Command) *OutputFlags {
	flags := &OutputFlags{}
	cmd.Flags().StringVarP(&flags.Format, "format", "f", FormatTable, "Output format (table|json|yaml)")
	cmd.Flags().BoolVarP(&flags.Quiet, "quiet", "q", false, "Suppress output")
	AddFlagValidation(cmd, "format", ValidateChoice(FormatTable, FormatJSON, FormatYAML))
	return flags
}

// Validate checks the flag values.
func (f *OutputFlags) Validate() error {
	return ValidateChoice(FormatTable, FormatJSON, FormatYAML)(f.Format)
}

// AddFlagValidation adds validation for a specific flag
func AddFlagValidation(cmd *cobra.Command, flagName string, validator func(string) error) {
	flag := cmd.Flags().Lookup(flagName)
	if flag == nil {
		return
	}

	originalSet := flag.Value.Set
	flag.Value = &validatingValue{
		Value:       flag.Value,
		validator:   validator,
		originalSet: originalSet,
	}
}

type validatingValue struct {
	pflag.Value
	validator   func(string) error
	originalSet func(string) error
}

func (v *validatingValue) Set(val string) error {
	if v.validator != nil {
		if err := v.validator(val); err != nil {
			return err
		}
	}
	return v.originalSet(val)
}

// ValidatePort checks a TCP port number.
func ValidatePort(portStr string) error {
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port number: %s", portStr)
	}

	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}

	return nil
}

// ValidateFileExists accepts the empty string for optional files.
func ValidateFileExists(filename string) error {
	if filename == "" {
		return nil
	}

	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return fmt.Errorf("file does not exist: %s", filename)
	}

	return nil
}

// ValidateChoice returns a validator accepting one of choices, ignoring
// case. The error suggests the choice sharing the longest prefix with the
// input.
func ValidateChoice(choices ...string) func(string) error {
	return func(value string) error {
		v := strings.ToLower(strings.TrimSpace(value))
		for _, c := range choices {
			if v == c {
				return nil
			}
		}

		msg := fmt.Sprintf("invalid value %q, must be one of: %s", value, strings.Join(choices, ", "))
		if s := suggest(v, choices); s != "" {
			msg += fmt.Sprintf(" (did you mean %q?)", s)
		}
		return fmt.Errorf("%s", msg)
	}
}

func suggest(value string, choices []string) string {
	best, bestLen := "", 0
	for _, c := range choices {
		n := 0
		for n < len(value) && n < len(c) && value[n] == c[n] {
			n++
		}
		if n > bestLen {
			best, bestLen = c, n
		}
	}
	return best
}
