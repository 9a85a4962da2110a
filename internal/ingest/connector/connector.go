// Package connector defines the fixed interfaces through which the ingestion
// manager talks to output and transformation connectors, connector pools, and
// the crawler's activity log. The implementations live outside this module;
// the manager only consumes them.
package connector

import (
	"context"
	"time"
)

// VersionContext is an opaque fingerprint a connector produces to summarise a
// stage specification at a point in time.
type VersionContext string

// Specification is the opaque per-stage connection specification handed to a
// connector when asking for its pipeline description.
type Specification string

// Status is the verdict a stage returns for a delivered document.
type Status int

const (
	// StatusAccepted means the document was taken by at least one output.
	StatusAccepted Status = iota
	// StatusRejected means the document is permanently illegal for the stage
	// and must not be resent.
	StatusRejected
)

// HistoryActivity records time-stamped activity rows in the crawler's log.
// A zero start time means the activity began and finished at the same moment;
// dataSize may be -1 when no byte count applies.
type HistoryActivity interface {
	RecordActivity(start time.Time, kind string, dataSize int64, entityURI, resultCode, resultDescription string) error
}

// CheckActivity lets a stage ask whether the stages downstream of it would
// accept a document with the given property.
type CheckActivity interface {
	CheckMimeType(ctx context.Context, mimeType string) (bool, error)
	CheckDocument(ctx context.Context, localFile string) (bool, error)
	CheckLength(ctx context.Context, length int64) (bool, error)
	CheckURL(ctx context.Context, url string) (bool, error)
}

// AddActivity is the downstream pipe handed to a transformation connector: it
// can probe downstream acceptance, forward a (possibly rewritten) document,
// and record activity.
type AddActivity interface {
	CheckActivity
	HistoryActivity
	SendDocument(ctx context.Context, uri string, doc *Document, authority string) (Status, error)
}

// RemoveActivity is the activity surface available during document removal.
type RemoveActivity interface {
	HistoryActivity
}

// PipelineConnector is the surface shared by output and transformation
// connectors.
type PipelineConnector interface {
	// GetPipelineDescription summarises spec as an opaque version fingerprint.
	GetPipelineDescription(ctx context.Context, spec Specification) (VersionContext, error)

	CheckMimeTypeIndexable(ctx context.Context, desc VersionContext, mimeType string, act CheckActivity) (bool, error)
	CheckDocumentIndexable(ctx context.Context, desc VersionContext, localFile string, act CheckActivity) (bool, error)
	CheckLengthIndexable(ctx context.Context, desc VersionContext, length int64, act CheckActivity) (bool, error)
	CheckURLIndexable(ctx context.Context, desc VersionContext, url string, act CheckActivity) (bool, error)

	// AddOrReplaceDocument processes one document. Transformation connectors
	// hand results onward through act.SendDocument; output connectors index
	// the document under uri.
	AddOrReplaceDocument(ctx context.Context, uri string, desc VersionContext, doc *Document, authority string, act AddActivity) (Status, error)
}

// OutputConnector is a downstream index endpoint.
type OutputConnector interface {
	PipelineConnector

	// RemoveDocument deletes the document stored under uri.
	RemoveDocument(ctx context.Context, uri string, outputVersion string, act RemoveActivity) error

	// NoteAllRecordsRemoved tells the connector every record it held has been
	// forgotten (output connection removed).
	NoteAllRecordsRemoved(ctx context.Context) error
}

// TransformationConnector rewrites or enriches documents mid-pipeline.
type TransformationConnector interface {
	PipelineConnector
}

// OutputPool hands out pooled output connector handles by connection name.
// A nil handle with nil error means the connector is not installed.
type OutputPool interface {
	Grab(ctx context.Context, name string) (OutputConnector, error)
	GrabMultiple(ctx context.Context, names []string) ([]OutputConnector, error)
	Release(ctx context.Context, name string, c OutputConnector)
	ReleaseMultiple(ctx context.Context, names []string, cs []OutputConnector)
}

// TransformationPool hands out pooled transformation connector handles.
type TransformationPool interface {
	Grab(ctx context.Context, name string) (TransformationConnector, error)
	GrabMultiple(ctx context.Context, names []string) ([]TransformationConnector, error)
	Release(ctx context.Context, name string, c TransformationConnector)
	ReleaseMultiple(ctx context.Context, names []string, cs []TransformationConnector)
}

// AcceptAllChecks is the terminal CheckActivity below the last pipeline
// stage: nothing further constrains the document.
type AcceptAllChecks struct{}

func (AcceptAllChecks) CheckMimeType(context.Context, string) (bool, error) { return true, nil }
func (AcceptAllChecks) CheckDocument(context.Context, string) (bool, error) { return true, nil }
func (AcceptAllChecks) CheckLength(context.Context, int64) (bool, error)    { return true, nil }
func (AcceptAllChecks) CheckURL(context.Context, string) (bool, error)      { return true, nil }
