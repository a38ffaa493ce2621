package cli

// This file contains the reports commands for browsing published reports.

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/maesterweb/maesterweb/model"
	"github.com/maesterweb/maesterweb/storage"
)

func (a *App) reportsList(ctx *cli.Context) error {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.openPublisher(ctx.Context, cfg)
	if err != nil {
		return err
	}

	limit := ctx.Int("limit")
	reports, err := publisher.List(ctx.Context, limit)
	if err != nil {
		return err
	}

	if len(reports) == 0 {
		fmt.Fprintln(a.out, "No reports found")
		return nil
	}

	fmt.Fprintf(a.out, "\n=== Reports (%d shown) ===\n\n", len(reports))
	for _, r := range reports {
		printReport(a.out, r)
	}
	return nil
}

func (a *App) reportsLatest(ctx *cli.Context) error {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.openPublisher(ctx.Context, cfg)
	if err != nil {
		return err
	}

	report, err := publisher.Latest(ctx.Context)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no reports found")
	}
	if err != nil {
		return err
	}

	printReport(a.out, *report)
	return nil
}

func (a *App) reportsShow(ctx *cli.Context) error {
	id, err := reportArg(ctx)
	if err != nil {
		return err
	}
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.openPublisher(ctx.Context, cfg)
	if err != nil {
		return err
	}

	report, err := publisher.Get(ctx.Context, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no report found matching ID: %s", id)
	}
	if err != nil {
		return err
	}

	printReport(a.out, report.Report)
	fmt.Fprintf(a.out, "   URL: %s\n", report.URL)
	return nil
}

func (a *App) reportsDownload(ctx *cli.Context) error {
	id, err := reportArg(ctx)
	if err != nil {
		return err
	}
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.openPublisher(ctx.Context, cfg)
	if err != nil {
		return err
	}

	content, err := publisher.Download(ctx.Context, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no report found matching ID: %s", id)
	}
	if err != nil {
		return err
	}

	output := downloadPath(id, ctx.String("output"))
	if output == "-" {
		_, err := a.out.Write(content)
		return err
	}
	if err := os.WriteFile(output, content, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	a.logger.Info().Str("file", output).Int("bytes", len(content)).Msg("Report downloaded")
	return nil
}

func (a *App) reportsDelete(ctx *cli.Context) error {
	id, err := reportArg(ctx)
	if err != nil {
		return err
	}
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.openPublisher(ctx.Context, cfg)
	if err != nil {
		return err
	}

	return publisher.Delete(ctx.Context, id)
}

func reportArg(ctx *cli.Context) (string, error) {
	if ctx.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one report ID, got %d arguments", ctx.NArg())
	}
	return ctx.Args().First(), nil
}

// downloadPath returns the file a report is written to.
func downloadPath(id, output string) string {
	if output != "" {
		return output
	}
	return strings.TrimSuffix(id, model.ReportExtension) + model.ReportExtension
}

func printReport(w io.Writer, r model.Report) {
	timestamp := r.UploadedAt.Local().Format("2006-01-02 15:04:05")
	fmt.Fprintf(w, "%s  %s  [%.1f KB]\n", timestamp, r.ID, float64(r.Size)/1024)

	if job := r.Metadata[model.MetaJobID]; job != "" {
		fmt.Fprintf(w, "   Job: %s\n", job)
	}
	if opts := r.Metadata[model.MetaOptions]; opts != "" && opts != "{}" {
		fmt.Fprintf(w, "   Options: %s\n", opts)
	}

	var extra []string
	for k, v := range r.Metadata {
		switch k {
		case model.MetaJobID, model.MetaOptions, model.MetaUploadedAt, model.MetaReportName:
			continue
		}
		extra = append(extra, k+"="+v)
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		fmt.Fprintf(w, "   Metadata: %s\n", strings.Join(extra, " "))
	}
}
