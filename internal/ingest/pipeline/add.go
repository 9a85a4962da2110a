package pipeline

import (
	"context"
	"time"

	"github.com/searchforge/ingestmgr/internal/ingest/connector"
	"github.com/searchforge/ingestmgr/internal/ingest/record"
)

// StateStore is the slice of the ingest record store an add pipeline needs to
// keep per-output delivery state consistent while documents flow.
type StateStore interface {
	LookupURIInfo(ctx context.Context, output, docKey string) (record.URIInfo, bool, error)
	DeleteOtherURIMatches(ctx context.Context, output, uriHash, excludeDocKey string) error
	Upsert(ctx context.Context, output, docKey string, f record.IngestFields, ingestTime int64) error
}

// addEntry is one stage node of an add pipeline.
type addEntry interface {
	connector.CheckActivity
	Active() bool
	Send(ctx context.Context, uri string, doc *connector.Document, authority string) (connector.Status, error)
}

// AddEntryPoint wraps a transformation stage. It is active when any output
// beneath it needs the document; inactive subtrees are skipped entirely.
type AddEntryPoint struct {
	conn       connector.PipelineConnector
	desc       connector.VersionContext
	downstream connector.AddActivity
	active     bool
}

func (p *AddEntryPoint) Active() bool { return p.active }

func (p *AddEntryPoint) CheckMimeType(ctx context.Context, mimeType string) (bool, error) {
	return p.conn.CheckMimeTypeIndexable(ctx, p.desc, mimeType, p.downstream)
}

func (p *AddEntryPoint) CheckDocument(ctx context.Context, localFile string) (bool, error) {
	return p.conn.CheckDocumentIndexable(ctx, p.desc, localFile, p.downstream)
}

func (p *AddEntryPoint) CheckLength(ctx context.Context, length int64) (bool, error) {
	return p.conn.CheckLengthIndexable(ctx, p.desc, length, p.downstream)
}

func (p *AddEntryPoint) CheckURL(ctx context.Context, url string) (bool, error) {
	return p.conn.CheckURLIndexable(ctx, p.desc, url, p.downstream)
}

func (p *AddEntryPoint) Send(ctx context.Context, uri string, doc *connector.Document, authority string) (connector.Status, error) {
	return p.conn.AddOrReplaceDocument(ctx, uri, p.desc, doc, authority, p.downstream)
}

// AddFanout multiplexes a document stream across sibling subtrees. It is the
// AddActivity handed to the transformation connector above it: sends fan out
// to every active sibling, checks OR across all siblings, and activity
// records flow to the final sink qualified by the upstream connection name.
type AddFanout struct {
	entries []addEntry
	history connector.HistoryActivity
}

var _ connector.AddActivity = (*AddFanout)(nil)

// AnyActive reports whether at least one subtree still needs the document.
func (f *AddFanout) AnyActive() bool {
	for _, e := range f.entries {
		if e.Active() {
			return true
		}
	}
	return false
}

// SendDocument forwards the document to every active sibling. With two or
// more active siblings, each receives an independent copy minted by a
// DocumentFactory so their stream reads cannot interfere. The fan-out accepts
// if any sibling accepts.
func (f *AddFanout) SendDocument(ctx context.Context, uri string, doc *connector.Document, authority string) (connector.Status, error) {
	var active []addEntry
	for _, e := range f.entries {
		if e.Active() {
			active = append(active, e)
		}
	}
	if len(active) <= 1 {
		result := connector.StatusRejected
		for _, e := range active {
			status, err := e.Send(ctx, uri, doc, authority)
			if err != nil {
				return connector.StatusRejected, err
			}
			if status == connector.StatusAccepted {
				result = connector.StatusAccepted
			}
		}
		return result, nil
	}

	factory, err := connector.NewDocumentFactory(doc)
	if err != nil {
		return connector.StatusRejected, err
	}
	defer factory.Close()

	result := connector.StatusRejected
	for _, e := range active {
		dup, err := factory.NewDocument()
		if err != nil {
			return connector.StatusRejected, err
		}
		status, err := e.Send(ctx, uri, dup, authority)
		if err != nil {
			return connector.StatusRejected, err
		}
		if status == connector.StatusAccepted {
			result = connector.StatusAccepted
		}
	}
	return result, nil
}

func (f *AddFanout) CheckMimeType(ctx context.Context, mimeType string) (bool, error) {
	for _, e := range f.entries {
		ok, err := e.CheckMimeType(ctx, mimeType)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (f *AddFanout) CheckDocument(ctx context.Context, localFile string) (bool, error) {
	for _, e := range f.entries {
		ok, err := e.CheckDocument(ctx, localFile)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (f *AddFanout) CheckLength(ctx context.Context, length int64) (bool, error) {
	for _, e := range f.entries {
		ok, err := e.CheckLength(ctx, length)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (f *AddFanout) CheckURL(ctx context.Context, url string) (bool, error) {
	for _, e := range f.entries {
		ok, err := e.CheckURL(ctx, url)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (f *AddFanout) RecordActivity(start time.Time, kind string, dataSize int64, entityURI, resultCode, resultDescription string) error {
	return f.history.RecordActivity(start, kind, dataSize, entityURI, resultCode, resultDescription)
}

// AddPipeline is an executable delivery pipeline rooted at the virtual
// source's fan-out.
type AddPipeline struct {
	root *AddFanout
}

// NeedsWork reports whether any output stage still requires the document.
func (p *AddPipeline) NeedsWork() bool { return p.root.AnyActive() }

// Send delivers the document through the pipeline and reports whether any
// output accepted it.
func (p *AddPipeline) Send(ctx context.Context, uri string, doc *connector.Document, authority string) (connector.Status, error) {
	return p.root.SendDocument(ctx, uri, doc, authority)
}
