package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/searchforge/ingestmgr/internal/ingest/connector"
)

// QualifiedActivitySink forwards activity records to a delegate with the
// activity kind qualified by the originating connection's name, so log rows
// from different stages remain distinguishable. A nil delegate discards
// records.
type QualifiedActivitySink struct {
	ConnectionName string
	Delegate       connector.HistoryActivity
}

var _ connector.HistoryActivity = QualifiedActivitySink{}

func (q QualifiedActivitySink) RecordActivity(start time.Time, kind string, dataSize int64, entityURI, resultCode, resultDescription string) error {
	if q.Delegate == nil {
		return nil
	}
	return q.Delegate.RecordActivity(start, QualifyActivity(kind, q.ConnectionName), dataSize, entityURI, resultCode, resultDescription)
}

// QualifyActivity tags an activity kind with the connection it came through.
func QualifyActivity(kind, connectionName string) string {
	return kind + " (" + connectionName + ")"
}

// discardHistory drops activity records; used when the caller passed no sink.
type discardHistory struct{}

func (discardHistory) RecordActivity(time.Time, string, int64, string, string, string) error {
	return nil
}

// leafActivity is the activity surface handed to an output connector: checks
// terminate (nothing is downstream of an output), history records are
// qualified with the output connection's name, and forwarding a document
// further is a programming error.
type leafActivity struct {
	connector.AcceptAllChecks
	QualifiedActivitySink
}

var _ connector.AddActivity = leafActivity{}

func (leafActivity) SendDocument(context.Context, string, *connector.Document, string) (connector.Status, error) {
	return connector.StatusRejected, fmt.Errorf("output stage has no downstream stage")
}
