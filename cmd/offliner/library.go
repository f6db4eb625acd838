package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/offliner/internal/models"
)

var lsCmd = &cobra.Command{
	Use:   "ls [path-prefix]",
	Short: "List documents in the merged view",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runList,
}

var lsDeleted bool

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Register documents added to the root since the last scan",
	Args:  cobra.NoArgs,
	RunE:  runScan,
}

var machinesCmd = &cobra.Command{
	Use:   "machines",
	Short: "Show the local machine and its known peers",
	Args:  cobra.NoArgs,
	RunE:  runMachines,
}

func init() {
	rootCmd.AddCommand(lsCmd, scanCmd, machinesCmd)

	lsCmd.Flags().BoolVar(&lsDeleted, "deleted", false,
		"List ids of deleted documents instead")
}

func runList(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	if lsDeleted {
		ids := e.Tombstones()
		if jsonOutput {
			printJSON(map[string]interface{}{"deleted": ids})
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	}

	var prefix string
	if len(args) == 1 {
		prefix = models.NormalizePath(args[0])
	}

	var files []models.File
	for _, f := range e.Files() {
		if prefix == "" || strings.HasPrefix(f.RelativePath, prefix) {
			files = append(files, f)
		}
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"files": files})
		return nil
	}

	for _, f := range files {
		fmt.Println(fileLine(f))
	}
	return nil
}

func runScan(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	// Opening the environment already scans; a second pass catches files
	// written in between and reports the total.
	added, err := e.Rescan(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"added": added,
			"files": len(e.Files()),
		})
		return nil
	}

	printSuccess("%d document(s) in library, %d newly registered", len(e.Files()), added)
	return nil
}

func runMachines(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	local := e.Local()
	peers := e.Peers()

	// Machines whose history arrived only through relays have no record here.
	known := map[models.MachineID]bool{local.ID: true}
	for _, p := range peers {
		known[p.ID] = true
	}
	var relayed []models.MachineID
	for _, id := range local.Merged.Machines() {
		if !known[id] {
			relayed = append(relayed, id)
		}
	}

	if jsonOutput {
		type machineInfo struct {
			ID        models.MachineID `json:"id"`
			Local     bool             `json:"local"`
			CreatedAt time.Time        `json:"created_at"`
			Entries   int              `json:"entries"`
			Merged    uint64           `json:"merged"`
			Relayed   bool             `json:"relayed,omitempty"`
		}
		out := []machineInfo{{
			ID: local.ID, Local: true, CreatedAt: local.CreatedAt, Entries: local.Log.Len(),
		}}
		for _, p := range peers {
			out = append(out, machineInfo{
				ID:        p.ID,
				CreatedAt: p.CreatedAt,
				Entries:   p.Log.Len(),
				Merged:    local.Merged.Get(p.ID),
			})
		}
		for _, id := range relayed {
			out = append(out, machineInfo{ID: id, Merged: local.Merged.Get(id), Relayed: true})
		}
		printJSON(map[string]interface{}{"machines": out})
		return nil
	}

	fmt.Printf("%s %s  %d entries  (this machine)\n", green("*"), local.ID, local.Log.Len())
	for _, p := range peers {
		fmt.Printf("  %s  %d entries  merged through #%d\n", p.ID, p.Log.Len(), local.Merged.Get(p.ID))
	}
	for _, id := range relayed {
		fmt.Printf("  %s  %s\n", id, faint("no record here, merged through #%d via relays", local.Merged.Get(id)))
	}
	for _, w := range e.Warnings() {
		printWarning("  unreadable: %v", w)
	}
	return nil
}
