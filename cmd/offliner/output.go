package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/TheMichaelB/offliner/internal/models"
)

var (
	red    = color.New(color.FgHiRed, color.Bold).SprintfFunc()
	green  = color.New(color.FgHiGreen).SprintfFunc()
	yellow = color.New(color.FgHiYellow).SprintfFunc()
	cyan   = color.New(color.FgHiCyan).SprintfFunc()
	faint  = color.New(color.Faint).SprintfFunc()
)

func printSuccess(format string, args ...interface{}) {
	fmt.Fprintln(os.Stdout, green(format, args...))
}

func printInfo(format string, args ...interface{}) {
	fmt.Fprintln(os.Stdout, cyan(format, args...))
}

func printWarning(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, yellow(format, args...))
}

func printError(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, red(format, args...))
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		printError("encode output: %v", err)
	}
}

// fileLine renders one file for listings.
func fileLine(f models.File) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-4s  %s", faint(f.ID.Short()), f.Attrs.Type, f.RelativePath)
	if f.Attrs.Title != nil {
		fmt.Fprintf(&b, "  %q", *f.Attrs.Title)
	}
	if f.Attrs.Author != nil {
		fmt.Fprintf(&b, "  by %s", *f.Attrs.Author)
	}
	if tags := f.Attrs.SortedTags(); len(tags) > 0 {
		names := make([]string, len(tags))
		for i, t := range tags {
			names[i] = t.Name
		}
		fmt.Fprintf(&b, "  [%s]", cyan("%s", strings.Join(names, ", ")))
	}
	return b.String()
}

func printConflicts(conflicts []*models.ConflictError) {
	for _, c := range conflicts {
		printWarning("  ! %s", c.Error())
	}
}
