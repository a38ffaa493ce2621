package cli

// This file contains the run command, which runs Maester in-process and
// waits for the report to be published.

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/maesterweb/maesterweb/model"
)

func (a *App) run(ctx *cli.Context) error {
	pollInterval := ctx.Duration("poll-interval")
	if pollInterval <= 0 {
		return fmt.Errorf("invalid --poll-interval %s: must be positive", pollInterval)
	}

	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}

	runCtx, stop := waitForSignal(ctx.Context)
	defer stop()

	publisher, err := a.openPublisher(runCtx, cfg)
	if err != nil {
		return err
	}

	notifier, notifierCloser, err := a.newNotifier(cfg)
	if err != nil {
		return err
	}
	defer notifierCloser.Close()

	jobs := a.newTracker(cfg, publisher, notifier)
	defer jobs.Close()

	jobID, err := jobs.Start(model.RunOptions{
		Tags:               ctx.StringSlice("tag"),
		IncludeLongRunning: ctx.Bool("include-long-running"),
		IncludePreview:     ctx.Bool("include-preview"),
	})
	if err != nil {
		return err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var job model.JobSnapshot
	for {
		select {
		case <-runCtx.Done():
			a.logger.Warn().Str("job_id", jobID).Msg("Interrupted, stopping test run")
			// Close kills the child and waits until the job is marked failed
			jobs.Close()
		case <-ticker.C:
		}

		snapshot, ok := jobs.Status(jobID)
		if !ok {
			return fmt.Errorf("job %s disappeared", jobID)
		}
		a.logger.Debug().Str("job_id", jobID).Str("status", string(snapshot.Status)).Msg("Polled job status")
		if snapshot.Status.Terminal() {
			job = snapshot
			break
		}
	}

	printJob(a.out, job)
	if job.Status == model.JobStatusFailed {
		return errors.New("test run failed")
	}
	return nil
}

func printJob(w io.Writer, job model.JobSnapshot) {
	status := "✓"
	if job.Status != model.JobStatusCompleted {
		status = "✗"
	}

	fmt.Fprintf(w, "%s  %s  id=%s\n", status, job.Status, job.JobID)
	fmt.Fprintf(w, "   Started: %s\n", job.StartTime.Format("2006-01-02 15:04:05"))
	if job.EndTime != nil {
		fmt.Fprintf(w, "   Duration: %s\n", job.EndTime.Sub(job.StartTime).Round(time.Millisecond))
	}
	if len(job.Options.Tags) > 0 {
		fmt.Fprintf(w, "   Tags: %s\n", strings.Join(job.Options.Tags, ", "))
	}
	if job.ReportName != "" {
		fmt.Fprintf(w, "   Report: %s\n", job.ReportName)
	}
	if job.Error != "" {
		fmt.Fprintf(w, "   Error: %s\n", job.Error)
	}
}
