package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/maesterweb/maesterweb/model"
)

// DefaultListLimit bounds List when no positive limit is given.
const DefaultListLimit = 100

const htmlContentType = "text/html"

// Publisher stores Maester reports as one object per report and serves them
// back for listing and viewing.
type Publisher struct {
	logger zerolog.Logger
	store  ObjectStore
	now    func() time.Time
}

func NewPublisher(logger zerolog.Logger, store ObjectStore) *Publisher {
	return &Publisher{
		logger: logger.With().Str("component", "publisher").Logger(),
		store:  store,
		now:    time.Now,
	}
}

// Initialize makes sure the report bucket exists. It must be called once
// before any other method.
func (p *Publisher) Initialize(ctx context.Context) error {
	created, err := p.store.EnsureBucket(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize report storage: %w", err)
	}
	if created {
		p.logger.Info().Str("bucket", p.store.Bucket()).Msg("Created report bucket")
	} else {
		p.logger.Info().Str("bucket", p.store.Bucket()).Msg("Report bucket already exists")
	}
	return nil
}

// Publish uploads content as <name>.html, replacing any report of the same
// name. The metadata is stamped with the upload time and the report name.
func (p *Publisher) Publish(ctx context.Context, name string, content []byte, metadata map[string]string) (*model.ArtifactRef, error) {
	if name == "" {
		return nil, errors.New("report name must not be empty")
	}
	key := objectKey(name)

	full := copyMetadata(metadata)
	full[model.MetaUploadedAt] = p.now().UTC().Format(time.RFC3339Nano)
	full[model.MetaReportName] = reportID(name)

	if err := p.store.Put(ctx, key, content, htmlContentType, full); err != nil {
		return nil, fmt.Errorf("failed to upload report %s: %w", key, err)
	}

	p.logger.Info().Str("report", key).Int("size", len(content)).Msg("Report uploaded")
	return &model.ArtifactRef{
		Name:     key,
		URL:      p.store.URL(key),
		Metadata: full,
	}, nil
}

// List returns up to maxResults reports, newest first.
func (p *Publisher) List(ctx context.Context, maxResults int) ([]model.Report, error) {
	if maxResults <= 0 {
		maxResults = DefaultListLimit
	}

	objects, err := p.store.List(ctx, model.ReportExtension)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	reports := make([]model.Report, 0, len(objects))
	for _, obj := range objects {
		reports = append(reports, toReport(obj))
	}

	// Sort by upload time (newest first)
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].UploadedAt.After(reports[j].UploadedAt)
	})

	if len(reports) > maxResults {
		reports = reports[:maxResults]
	}
	return reports, nil
}

// Latest returns the most recently uploaded report, or ErrNotFound.
func (p *Publisher) Latest(ctx context.Context) (*model.Report, error) {
	reports, err := p.List(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, ErrNotFound
	}
	return &reports[0], nil
}

// Get returns the report with the given id (with or without ".html").
func (p *Publisher) Get(ctx context.Context, id string) (*model.ReportDetail, error) {
	key := objectKey(id)
	info, err := p.store.Stat(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get report %s: %w", key, err)
	}

	return &model.ReportDetail{
		Report: toReport(info),
		URL:    p.store.URL(key),
	}, nil
}

// Download returns the HTML content of a report.
func (p *Publisher) Download(ctx context.Context, id string) ([]byte, error) {
	key := objectKey(id)
	data, err := p.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to download report %s: %w", key, err)
	}
	return data, nil
}

// Delete removes a report. Deleting a missing report succeeds.
func (p *Publisher) Delete(ctx context.Context, id string) error {
	key := objectKey(id)
	if err := p.store.Remove(ctx, key); err != nil {
		return fmt.Errorf("failed to delete report %s: %w", key, err)
	}
	p.logger.Info().Str("report", key).Msg("Report deleted")
	return nil
}

func objectKey(id string) string {
	if strings.HasSuffix(id, model.ReportExtension) {
		return id
	}
	return id + model.ReportExtension
}

func reportID(name string) string {
	return strings.TrimSuffix(name, model.ReportExtension)
}

func toReport(obj ObjectInfo) model.Report {
	uploadedAt := obj.LastModified
	if raw, ok := obj.Metadata[model.MetaUploadedAt]; ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			uploadedAt = t
		}
	}

	return model.Report{
		ID:         reportID(obj.Key),
		Name:       obj.Key,
		UploadedAt: uploadedAt,
		Size:       obj.Size,
		Metadata:   obj.Metadata,
	}
}
