package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/offliner/internal/models"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Merge the logs of every known machine into this one",
	Long: `Sync reads every machine record under <root>/.machines, merges the
operations this machine has not seen yet and mirrors the resulting moves
and deletions onto the library root.

Conflicts never stop a sync. They are resolved deterministically, so all
machines converge, and listed for review.`,
	Example: `  offliner sync --root ~/Library
  offliner sync --json`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	start := time.Now()
	status, err := e.DoSync(cmd.Context())
	duration := time.Since(start)

	if jsonOutput {
		result := map[string]interface{}{
			"success":  err == nil,
			"status":   status.State.String(),
			"files":    len(e.Files()),
			"peers":    len(e.Peers()),
			"duration": duration.String(),
		}
		if status.HasConflicts() {
			result["conflicts"] = status.Conflicts
		}
		if warnings := e.Warnings(); len(warnings) > 0 {
			msgs := make([]string, len(warnings))
			for i, w := range warnings {
				msgs[i] = w.Error()
			}
			result["warnings"] = msgs
		}
		if err != nil {
			result["error"] = err.Error()
		}
		printJSON(result)
		return err
	}

	if err != nil {
		printError("Sync failed: %v", err)
		return err
	}

	for _, w := range e.Warnings() {
		printWarning("Skipped machine record: %v", w)
	}

	printInfo("Merged %d peer(s) into %d file(s) in %s",
		len(e.Peers()), len(e.Files()), duration.Round(time.Millisecond))

	if status.State == models.StateRunWithErr {
		printWarning("Sync finished with %d conflict(s):", len(status.Conflicts))
		printConflicts(status.Conflicts)
		return nil
	}

	printSuccess("Sync completed")
	return nil
}
