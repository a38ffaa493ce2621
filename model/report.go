package model

import "time"

// Metadata keys stamped on every published report
const (
	MetaUploadedAt = "uploadedAt"
	MetaReportName = "reportName"
	MetaJobID      = "jobId"
	MetaOptions    = "options"
)

// ReportExtension is the suffix of every report object
const ReportExtension = ".html"

// Report summarises a published report document
type Report struct {
	// Report name without extension
	ID string `json:"id"`
	// Object name (ID + ".html")
	Name string `json:"name"`
	// Publish time, taken from metadata or the object's modification time
	UploadedAt time.Time `json:"uploadedAt"`
	// Content length in bytes
	Size int64 `json:"size"`
	// Free-form metadata
	Metadata map[string]string `json:"metadata"`
}

// ReportDetail is a report together with its resolved location
type ReportDetail struct {
	Report
	URL string `json:"url"`
}

// ArtifactRef is returned when a report has been published
type ArtifactRef struct {
	Name     string            `json:"name"`
	URL      string            `json:"url"`
	Metadata map[string]string `json:"metadata"`
}
