// Package tracker runs Maester test jobs as child processes, keeps their
// state in memory and publishes the produced reports.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/maesterweb/maesterweb/maester"
	"github.com/maesterweb/maesterweb/model"
)

// DefaultRetention is how long a finished job stays queryable.
const DefaultRetention = time.Hour

// Executor runs a child process to completion.
type Executor interface {
	Run(ctx context.Context, inv maester.Invocation) (maester.Result, error)
}

// Publisher stores a finished report.
type Publisher interface {
	Publish(ctx context.Context, name string, content []byte, metadata map[string]string) (*model.ArtifactRef, error)
}

// Notifier is told about every job that reached a terminal state.
type Notifier interface {
	Notify(ctx context.Context, job model.JobSnapshot) error
}

// Options configures a Tracker.
type Options struct {
	// Directory the runner writes reports to
	OutputDir string
	// PowerShell executable (default: pwsh)
	Executable string
	// PowerShell module to import (default: Maester)
	Module string
	// Do not call Connect-Maester before running
	SkipConnect bool
	// How long finished jobs stay queryable (default: one hour)
	Retention time.Duration
	// Kill runs exceeding this duration (0: no limit)
	Timeout time.Duration
	// Optional completion notifier
	Notifier Notifier
}

// Tracker owns the job registry. All job mutations go through its methods.
type Tracker struct {
	logger    zerolog.Logger
	executor  Executor
	publisher Publisher
	opts      Options

	mu     sync.RWMutex
	jobs   map[string]*model.Job
	timers map[string]*time.Timer
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now   func() time.Time
	newID func() string
}

func New(logger zerolog.Logger, executor Executor, publisher Publisher, opts Options) *Tracker {
	if opts.Executable == "" {
		opts.Executable = maester.DefaultExecutable
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	// The child runs inside OutputDir, so the report path must not be relative
	if abs, err := filepath.Abs(opts.OutputDir); err == nil {
		opts.OutputDir = abs
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		logger:    logger.With().Str("component", "tracker").Logger(),
		executor:  executor,
		publisher: publisher,
		opts:      opts,
		jobs:      make(map[string]*model.Job),
		timers:    make(map[string]*time.Timer),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// Start creates a running job and launches it in the background. It returns
// without waiting for the test run.
func (t *Tracker) Start(options model.RunOptions) (string, error) {
	if err := os.MkdirAll(t.opts.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	id := t.newID()
	start := t.now()
	job := &model.Job{
		ID:         id,
		Status:     model.JobStatusRunning,
		StartTime:  start,
		OutputPath: filepath.Join(t.opts.OutputDir, outputFileName(start, id)),
		Options:    copyOptions(options),
	}

	inv := t.invocation(job)

	// Registering under the lock keeps wg.Add ordered before Close's Wait
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", errors.New("tracker is closed")
	}
	t.jobs[id] = job
	t.wg.Add(1)
	t.mu.Unlock()

	t.logger.Info().
		Str("job_id", id).
		Str("command", maester.BuildCommand(inv.Executable, t.invokeOptions(job))).
		Msg("Starting Maester test job")

	go func() {
		defer t.wg.Done()
		t.execute(id, inv)
	}()

	return id, nil
}

// Status returns a snapshot of the job. The second result is false when the
// id is unknown or the job has been evicted.
func (t *Tracker) Status(id string) (model.JobSnapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[id]
	if !ok {
		return model.JobSnapshot{}, false
	}
	return job.Snapshot(), true
}

// Jobs returns snapshots of all retained jobs, newest first.
func (t *Tracker) Jobs() []model.JobSnapshot {
	t.mu.RLock()
	snapshots := make([]model.JobSnapshot, 0, len(t.jobs))
	for _, job := range t.jobs {
		snapshots = append(snapshots, job.Snapshot())
	}
	t.mu.RUnlock()

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].StartTime.After(snapshots[j].StartTime)
	})
	return snapshots
}

// Close kills running test processes, waits for their jobs to finish and
// stops pending evictions.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

func (t *Tracker) invokeOptions(job *model.Job) maester.InvokeOptions {
	return maester.InvokeOptions{
		Tags:               job.Options.Tags,
		IncludeLongRunning: job.Options.IncludeLongRunning,
		IncludePreview:     job.Options.IncludePreview,
		OutputPath:         job.OutputPath,
		Module:             t.opts.Module,
		SkipConnect:        t.opts.SkipConnect,
	}
}

func (t *Tracker) invocation(job *model.Job) maester.Invocation {
	return maester.Invocation{
		Executable: t.opts.Executable,
		Args:       maester.BuildArgs(t.invokeOptions(job)),
		Dir:        t.opts.OutputDir,
		Env:        []string{"PESTER_VERBOSITY=None"},
	}
}

// outcome is the terminal result of a job execution.
type outcome struct {
	exitCode   *int
	reportName string
	err        string
}

func (t *Tracker) execute(id string, inv maester.Invocation) {
	logger := t.logger.With().Str("job_id", id).Logger()

	ctx := t.ctx
	if t.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
		defer cancel()
	}

	res, err := t.executor.Run(ctx, inv)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to run Maester")
		msg := fmt.Sprintf("Failed to start PowerShell: %s", err)
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("Test run exceeded timeout of %s", t.opts.Timeout)
		} else if errors.Is(err, context.Canceled) {
			msg = "Test run cancelled: server shutting down"
		}
		t.finish(id, outcome{err: msg})
		return
	}

	exitCode := res.ExitCode
	if exitCode != 0 {
		logger.Error().Int("exit_code", exitCode).Msg("Maester test job failed")
		t.finish(id, outcome{
			exitCode: &exitCode,
			err:      fmt.Sprintf("PowerShell process exited with code %d\nStderr: %s", exitCode, strings.TrimSpace(res.Stderr)),
		})
		return
	}

	reportName, err := t.publish(ctx, id)
	if err != nil {
		logger.Error().Err(err).Msg("Maester test job failed")
		t.finish(id, outcome{
			exitCode: &exitCode,
			err:      fmt.Sprintf("Failed to process report: %s", err),
		})
		return
	}

	logger.Info().Str("report", reportName).Msg("Maester test job completed successfully")
	t.finish(id, outcome{exitCode: &exitCode, reportName: reportName})
}

// publish uploads the report written by a successful run and removes the
// local copy afterwards.
func (t *Tracker) publish(ctx context.Context, id string) (string, error) {
	t.mu.RLock()
	job := t.jobs[id]
	outputPath := job.OutputPath
	options := copyOptions(job.Options)
	t.mu.RUnlock()

	content, err := os.ReadFile(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to read report: %w", err)
	}

	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("failed to encode run options: %w", err)
	}

	reportName := strings.TrimSuffix(filepath.Base(outputPath), filepath.Ext(outputPath))
	if _, err := t.publisher.Publish(ctx, reportName, content, map[string]string{
		model.MetaJobID:   id,
		model.MetaOptions: string(optionsJSON),
	}); err != nil {
		return "", err
	}

	// Clean up local file after upload
	if err := os.Remove(outputPath); err != nil {
		t.logger.Warn().Err(err).Str("job_id", id).Str("file", outputPath).Msg("Failed to delete local report")
	}

	return reportName, nil
}

// finish moves a running job into its terminal state and schedules its
// eviction.
func (t *Tracker) finish(id string, out outcome) {
	t.mu.Lock()
	job, ok := t.jobs[id]
	if !ok || job.Status.Terminal() {
		t.mu.Unlock()
		return
	}

	job.EndTime = t.now()
	job.ExitCode = out.exitCode
	if out.err != "" {
		job.Status = model.JobStatusFailed
		job.Error = out.err
	} else {
		job.Status = model.JobStatusCompleted
		job.ReportName = out.reportName
	}
	snapshot := job.Snapshot()

	// Keep job in memory for status checks until the retention window passed
	t.timers[id] = time.AfterFunc(t.opts.Retention, func() {
		t.evict(id)
	})
	t.mu.Unlock()

	if t.opts.Notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := t.opts.Notifier.Notify(ctx, snapshot); err != nil {
			t.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to send job notification")
		}
	}
}

func (t *Tracker) evict(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, id)
	delete(t.timers, id)
	t.logger.Debug().Str("job_id", id).Msg("Evicted job")
}

var fileNameReplacer = strings.NewReplacer(":", "-", ".", "-")

// outputFileName derives a unique report file name from the start time and
// job id.
func outputFileName(start time.Time, id string) string {
	timestamp := fileNameReplacer.Replace(start.UTC().Format("2006-01-02T15:04:05.000Z"))
	shortID := id
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	return fmt.Sprintf("maester-report-%s-%s%s", timestamp, shortID, model.ReportExtension)
}

func copyOptions(o model.RunOptions) model.RunOptions {
	if o.Tags != nil {
		o.Tags = append([]string(nil), o.Tags...)
	}
	return o
}
