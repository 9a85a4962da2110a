package pipeline

import (
	"context"
	"database/sql"

	"github.com/searchforge/ingestmgr/internal/ingest/connector"
	"github.com/searchforge/ingestmgr/internal/ingest/locks"
	"github.com/searchforge/ingestmgr/internal/ingest/record"
)

// OutputAddEntryPoint is the per-output leaf of an add pipeline. Around the
// actual index call it maintains the ingest-state row: displacing whatever
// previously occupied the document's old and new URIs, writing a pre-ingest
// placeholder so a crash mid-delivery reschedules the document, and recording
// the full version fingerprints once the delivery sticks.
type OutputAddEntryPoint struct {
	conn     connector.OutputConnector
	desc     connector.VersionContext
	activity connector.AddActivity
	active   bool

	outputName            string
	docKey                string
	documentVersion       string
	parameterVersion      string
	transformationVersion string
	ingestTime            int64

	store    StateStore
	registry locks.Registry
}

func (p *OutputAddEntryPoint) Active() bool { return p.active }

func (p *OutputAddEntryPoint) CheckMimeType(ctx context.Context, mimeType string) (bool, error) {
	return p.conn.CheckMimeTypeIndexable(ctx, p.desc, mimeType, p.activity)
}

func (p *OutputAddEntryPoint) CheckDocument(ctx context.Context, localFile string) (bool, error) {
	return p.conn.CheckDocumentIndexable(ctx, p.desc, localFile, p.activity)
}

func (p *OutputAddEntryPoint) CheckLength(ctx context.Context, length int64) (bool, error) {
	return p.conn.CheckLengthIndexable(ctx, p.desc, length, p.activity)
}

func (p *OutputAddEntryPoint) CheckURL(ctx context.Context, url string) (bool, error) {
	return p.conn.CheckURLIndexable(ctx, p.desc, url, p.activity)
}

// Send delivers one document to this output. No transaction spans the index
// call: its latency could outlive any sane transaction timeout. Consistency
// comes from the URI locks plus the placeholder protocol.
func (p *OutputAddEntryPoint) Send(ctx context.Context, uri string, doc *connector.Document, authority string) (connector.Status, error) {
	var uriHash string
	if uri != "" {
		uriHash = record.HashURI(uri)
	}

	info, _, err := p.store.LookupURIInfo(ctx, p.outputName, p.docKey)
	if err != nil {
		return connector.StatusRejected, err
	}
	oldURI, oldHash, oldOutputVersion := info.URI, info.URIHash, info.OutputVersion

	// The displacement deletes below match rows by URI hash alone, with no
	// full-URI recheck. The locks serialize all work on either URI involved here.
	names := lockNames(p.outputName, uri, oldURI)
	if err := p.registry.Acquire(ctx, names); err != nil {
		return connector.StatusRejected, err
	}
	defer p.registry.Release(context.WithoutCancel(ctx), names)

	if oldURI != "" && oldURI != uri {
		// The document moved. Clear the old URI's mirror rows first, then the
		// downstream copy; a crash between the two leaves a row already gone
		// and the remove is not reissued on retry.
		if err := p.store.DeleteOtherURIMatches(ctx, p.outputName, oldHash, p.docKey); err != nil {
			return connector.StatusRejected, err
		}
		if err := p.conn.RemoveDocument(ctx, oldURI, oldOutputVersion, p.activity); err != nil {
			return connector.StatusRejected, err
		}
	}

	if uri == "" {
		// The connector chose to record the version without indexing.
		if err := p.store.Upsert(ctx, p.outputName, p.docKey, p.fullFields(authority, "", ""), p.ingestTime); err != nil {
			return connector.StatusRejected, err
		}
		return connector.StatusAccepted, nil
	}

	// Any other document stranded on the new URI is stale mirror state.
	if err := p.store.DeleteOtherURIMatches(ctx, p.outputName, uriHash, p.docKey); err != nil {
		return connector.StatusRejected, err
	}

	// Placeholder: URI recorded, version unknown. If the process dies during
	// the index call, the next pass sees "something was delivered but the
	// version is null" and reingests instead of silently skipping.
	placeholder := record.IngestFields{
		DocumentURI: sql.NullString{String: uri, Valid: true},
		URIHash:     sql.NullString{String: uriHash, Valid: true},
	}
	if err := p.store.Upsert(ctx, p.outputName, p.docKey, placeholder, p.ingestTime); err != nil {
		return connector.StatusRejected, err
	}

	status, err := p.conn.AddOrReplaceDocument(ctx, uri, p.desc, doc, authority, p.activity)
	if err != nil {
		return connector.StatusRejected, err
	}

	// Note the ingestion even on a rejected document: without the record the
	// crawler would retry an illegal document forever.
	if err := p.store.Upsert(ctx, p.outputName, p.docKey, p.fullFields(authority, uri, uriHash), p.ingestTime); err != nil {
		return connector.StatusRejected, err
	}
	return status, nil
}

// fullFields assembles the post-delivery upsert payload. With an empty uri
// the stored URI is left untouched (update) or NULL (insert).
func (p *OutputAddEntryPoint) fullFields(authority, uri, uriHash string) record.IngestFields {
	f := record.IngestFields{
		DocumentVersion:       sql.NullString{String: p.documentVersion, Valid: true},
		TransformationVersion: sql.NullString{String: p.transformationVersion, Valid: true},
		OutputVersion:         sql.NullString{String: string(p.desc), Valid: true},
		ParameterVersion:      sql.NullString{String: p.parameterVersion, Valid: true},
		AuthorityName:         authority,
	}
	if uri != "" {
		f.DocumentURI = sql.NullString{String: uri, Valid: true}
		f.URIHash = sql.NullString{String: uriHash, Valid: true}
	}
	return f
}

// lockNames computes the advisory lock set for a delivery: the new URI and,
// when different, the URI being displaced. The registry acquires them in
// sorted order.
func lockNames(output, newURI, oldURI string) []string {
	var names []string
	if newURI != "" {
		names = append(names, output+":"+newURI)
	}
	if oldURI != "" && oldURI != newURI {
		names = append(names, output+":"+oldURI)
	}
	return names
}
