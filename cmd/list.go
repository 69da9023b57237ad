package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conneroisu/snipbox/internal/logging"
	"github.com/conneroisu/snipbox/internal/store"
)

var listCmd = &cobra.Command{
	Use:       "list [components|projects|tags]",
	Aliases:   []string{"l", "ls"},
	Short:     "List stored components, projects or tags",
	ValidArgs: []string{"components", "projects", "tags"},
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	Long: `List the components, projects or tags owned by the current user.

Examples:
  snipbox list                       # Components as a table
  snipbox list projects -f json      # Projects as JSON
  snipbox list --tag tag-5 -f yaml   # Components carrying a tag, as YAML
  snipbox list --user alice tags     # Another user's tags`,
	RunE: runList,
}

var (
	listFlags   *OutputFlags
	listProject string
	listTag     string
)

func init() {
	rootCmd.AddCommand(listCmd)

	listFlags = AddOutputFlags(listCmd)
	listCmd.Flags().StringVar(&listProject, "project", "", "Only components of this project")
	listCmd.Flags().StringVar(&listTag, "tag", "", "Only components carrying this tag id")
}

func runList(cmd *cobra.Command, args []string) error {
	if err := listFlags.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
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

	kind := "components"
	if len(args) == 1 {
		kind = args[0]
	}

	out := cmd.OutOrStdout()
	switch kind {
	case "projects":
		projects, err := st.Projects(ctx, userFlag)
		if err != nil {
			return err
		}
		if listFlags.Quiet {
			return nil
		}
		return writeFormatted(out, listFlags.Format, projects, func() error {
			t := newTable(out, "ID", "NAME", "DESCRIPTION")
			for _, p := range projects {
				t.row(p.ID, p.Name, p.Description)
			}
			return t.flush()
		})

	case "tags":
		tags, err := st.Tags(ctx, userFlag)
		if err != nil {
			return err
		}
		if listFlags.Quiet {
			return nil
		}
		return writeFormatted(out, listFlags.Format, tags, func() error {
			t := newTable(out, "ID", "NAME")
			for _, tag := range tags {
				t.row(tag.ID, tag.Name)
			}
			return t.flush()
		})
	}

	components, err := st.Components(ctx, userFlag)
	if err != nil {
		return err
	}
	components = filterComponents(components, listProject, listTag)
	if listFlags.Quiet {
		return nil
	}
	if len(components) == 0 && strings.EqualFold(listFlags.Format, FormatTable) {
		fmt.Fprintln(out, "No components found.")
		return nil
	}

	return writeFormatted(out, listFlags.Format, components, func() error {
		t := newTable(out, "ID", "NAME", "PROJECT", "TAGS", "SIZE")
		for _, c := range components {
			size := len(c.HTML) + len(c.CSS) + len(c.JS)
			t.row(c.ID, c.Name, c.ProjectID, strings.Join(c.Tags, ","), strconv.Itoa(size))
		}
		return t.flush()
	})
}

func filterComponents(components []store.Component, projectID, tagID string) []store.Component {
	if projectID == "" && tagID == "" {
		return components
	}
	out := make([]store.Component, 0, len(components))
	for _, c := range components {
		if projectID != "" && c.ProjectID != projectID {
			continue
		}
		if tagID != "" && !hasTag(c, tagID) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func hasTag(c store.Component, tagID string) bool {
	for _, t := range c.Tags {
		if t == tagID {
			return true
		}
	}
	return false
}
