package cmd

import (
	"fmt"

	"github.com/Iron-Ham/ladder/internal/taskgraph"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <graph-file>",
	Short: "Check a task graph for structural errors",
	Long: `Validate a task graph (JSON, YAML or TOML) without touching any state.

Errors (duplicate ids, bad levels, unknown or forward dependencies, cycles,
unreachable tasks, consumers without an integration test) fail the command.
Warnings (orphan tasks) are reported but allowed.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

var validateJSON bool

func init() {
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Output the result as JSON")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	g, err := taskgraph.LoadFile(args[0])
	if err != nil {
		return err
	}
	res := taskgraph.Validate(g)
	out := cmd.OutOrStdout()

	if validateJSON {
		if err := printJSON(out, res); err != nil {
			return err
		}
		return res.Err()
	}

	for _, m := range res.Errors {
		fmt.Fprintf(out, "error   %s\n", m)
	}
	for _, m := range res.Warnings {
		fmt.Fprintf(out, "warning %s\n", m)
	}
	if !res.Valid() {
		return res.Err()
	}
	fmt.Fprintf(out, "%s: %d tasks in %d levels, valid", g.Feature, len(g.Tasks), len(g.LevelNumbers()))
	if n := len(res.Warnings); n > 0 {
		fmt.Fprintf(out, " with %d warning(s)", n)
	}
	fmt.Fprintln(out)
	return nil
}
