package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/offliner/internal/models"
)

var setCmd = &cobra.Command{
	Use:   "set <file> title|author [value]",
	Short: "Set or clear a document's title or author",
	Long: `Set records a new title or author for a document. Omit the value to
clear the field. <file> is a relative path, a file id or an id prefix.`,
	Example: `  offliner set papers/raft.pdf title "In Search of an Understandable Consensus Algorithm"
  offliner set 3f2a9c1e author`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runSet,
}

var tagCmd = &cobra.Command{
	Use:   "tag <file> <name>",
	Short: "Attach a tag to a document",
	Args:  cobra.ExactArgs(2),
	RunE:  runTag,
}

var tagRemove bool

var mvCmd = &cobra.Command{
	Use:   "mv <file> <new-path>",
	Short: "Move a document within the library",
	Args:  cobra.ExactArgs(2),
	RunE:  runMove,
}

var rmCmd = &cobra.Command{
	Use:   "rm <file>",
	Short: "Delete a document on every machine",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemove,
}

func init() {
	rootCmd.AddCommand(setCmd, tagCmd, mvCmd, rmCmd)

	tagCmd.Flags().BoolVarP(&tagRemove, "remove", "d", false,
		"Detach the tag instead")
}

func runSet(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	f, err := e.Resolve(args[0])
	if err != nil {
		return err
	}

	var value *string
	if len(args) == 3 {
		value = models.StringPtr(args[2])
	}

	switch args[1] {
	case "title":
		f, err = e.SetTitle(cmd.Context(), f.ID, value)
	case "author":
		f, err = e.SetAuthor(cmd.Context(), f.ID, value)
	default:
		return fmt.Errorf("unknown field %q (want title or author)", args[1])
	}
	if err != nil {
		return err
	}

	return report(f)
}

func runTag(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	f, err := e.Resolve(args[0])
	if err != nil {
		return err
	}

	if tagRemove {
		key := models.FoldTagName(args[1])
		for _, t := range f.Attrs.SortedTags() {
			if models.FoldTagName(t.Name) != key {
				continue
			}
			if f, err = e.RemoveTag(cmd.Context(), f.ID, t.ID); err != nil {
				return err
			}
		}
		return report(f)
	}

	if _, err := e.AddTag(cmd.Context(), f.ID, args[1]); err != nil {
		return err
	}
	f, err = e.File(f.ID)
	if err != nil {
		return err
	}
	return report(f)
}

func runMove(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	f, err := e.Resolve(args[0])
	if err != nil {
		return err
	}

	f, err = e.MoveFile(cmd.Context(), f.ID, args[1])
	if err != nil {
		return err
	}
	return report(f)
}

func runRemove(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	f, err := e.Resolve(args[0])
	if err != nil {
		return err
	}

	if err := e.DeleteFile(cmd.Context(), f.ID); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"deleted": f.ID})
		return nil
	}
	printSuccess("Deleted %s", f.RelativePath)
	return nil
}

func report(f models.File) error {
	if jsonOutput {
		printJSON(f)
		return nil
	}
	fmt.Println(fileLine(f))
	return nil
}
