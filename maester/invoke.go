package maester

// invoke.go contains utilities for building the PowerShell invocation
// of the Maester module.

import (
	"fmt"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/urfave/cli/v2"
)

// DefaultExecutable is the PowerShell binary used when none is configured.
const DefaultExecutable = "pwsh"

// DefaultModule is the PowerShell module imported before invoking tests.
const DefaultModule = "Maester"

// InvokeOptions contains options for a single Invoke-Maester run.
type InvokeOptions struct {
	Tags               []string // Tags to select
	IncludeLongRunning bool     // Add -IncludeLongRunning
	IncludePreview     bool     // Add -IncludePreview
	OutputPath         string   // HTML report destination
	Module             string   // Module to import (default: Maester)
	SkipConnect        bool     // Do not call Connect-Maester
}

// BuildScript builds the PowerShell script passed to -Command.
func BuildScript(opts InvokeOptions) string {
	module := opts.Module
	if module == "" {
		module = DefaultModule
	}

	statements := []string{
		fmt.Sprintf("Import-Module %s -ErrorAction Stop", quotePS(module)),
	}

	// Credentials are expected to be available to the process already
	if !opts.SkipConnect {
		statements = append(statements, "Connect-Maester -ErrorAction Stop")
	}

	invoke := []string{"Invoke-Maester"}

	tags := make([]string, 0, len(opts.Tags))
	for _, tag := range opts.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		tags = append(tags, quotePS(tag))
	}
	if len(tags) > 0 {
		invoke = append(invoke, "-Tag", strings.Join(tags, ","))
	}

	if opts.IncludeLongRunning {
		invoke = append(invoke, "-IncludeLongRunning")
	}

	if opts.IncludePreview {
		invoke = append(invoke, "-IncludePreview")
	}

	invoke = append(invoke, "-OutputHtmlFile", quotePS(opts.OutputPath), "-NonInteractive")

	statements = append(statements, strings.Join(invoke, " "))
	return strings.Join(statements, "; ")
}

// BuildArgs builds the PowerShell command line arguments.
func BuildArgs(opts InvokeOptions) []string {
	return []string{"-NoProfile", "-NonInteractive", "-Command", BuildScript(opts)}
}

// BuildCommand builds a single-line command string, used for logging.
// It reuses BuildArgs and joins the arguments with proper shell escaping.
func BuildCommand(executable string, opts InvokeOptions) string {
	if executable == "" {
		executable = DefaultExecutable
	}
	args := BuildArgs(opts)

	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellescape.Quote(executable))

	for _, arg := range args {
		parts = append(parts, shellescape.Quote(arg))
	}

	return strings.Join(parts, " ")
}

// quotePS wraps s in PowerShell single quotes. Embedded quotes are doubled.
func quotePS(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// TagFlag returns the tag flag (can be repeated).
func TagFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:    "tag",
		Aliases: []string{"t"},
		Usage:   "Only run tests with this tag (can be specified multiple times)",
	}
}

// IncludeLongRunningFlag returns the flag enabling long running tests.
func IncludeLongRunningFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "include-long-running",
		Usage: "Include long running tests",
	}
}

// IncludePreviewFlag returns the flag enabling preview tests.
func IncludePreviewFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "include-preview",
		Usage: "Include preview tests",
	}
}
