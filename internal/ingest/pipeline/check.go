// Package pipeline builds and runs executable pipelines from pipeline
// specifications: trees of transformation stages fanning out to output
// stages. Check pipelines probe whether a document would be accepted; add
// pipelines deliver it and keep the ingest-state store consistent with the
// downstream indexes.
package pipeline

import (
	"context"

	"github.com/searchforge/ingestmgr/internal/ingest/connector"
)

// CheckEntryPoint wraps one stage's connector for read-only probes. The
// downstream activity answers "would the stages below accept this?"; output
// stages get a terminal accept-all.
type CheckEntryPoint struct {
	conn       connector.PipelineConnector
	desc       connector.VersionContext
	downstream connector.CheckActivity
}

func (p *CheckEntryPoint) CheckMimeType(ctx context.Context, mimeType string) (bool, error) {
	return p.conn.CheckMimeTypeIndexable(ctx, p.desc, mimeType, p.downstream)
}

func (p *CheckEntryPoint) CheckDocument(ctx context.Context, localFile string) (bool, error) {
	return p.conn.CheckDocumentIndexable(ctx, p.desc, localFile, p.downstream)
}

func (p *CheckEntryPoint) CheckLength(ctx context.Context, length int64) (bool, error) {
	return p.conn.CheckLengthIndexable(ctx, p.desc, length, p.downstream)
}

func (p *CheckEntryPoint) CheckURL(ctx context.Context, url string) (bool, error) {
	return p.conn.CheckURLIndexable(ctx, p.desc, url, p.downstream)
}

// CheckFanout multiplexes probes across sibling subtrees. A document is
// indexable by the fan-out if at least one sibling accepts it, so results
// are OR-ed with early exit.
type CheckFanout struct {
	entries []*CheckEntryPoint
}

var _ connector.CheckActivity = (*CheckFanout)(nil)

func (f *CheckFanout) CheckMimeType(ctx context.Context, mimeType string) (bool, error) {
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

func (f *CheckFanout) CheckDocument(ctx context.Context, localFile string) (bool, error) {
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

func (f *CheckFanout) CheckLength(ctx context.Context, length int64) (bool, error) {
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

func (f *CheckFanout) CheckURL(ctx context.Context, url string) (bool, error) {
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

// CheckPipeline is an executable read-only pipeline rooted at the virtual
// source's fan-out.
type CheckPipeline struct {
	root *CheckFanout
}

func (p *CheckPipeline) CheckMimeType(ctx context.Context, mimeType string) (bool, error) {
	return p.root.CheckMimeType(ctx, mimeType)
}

func (p *CheckPipeline) CheckDocument(ctx context.Context, localFile string) (bool, error) {
	return p.root.CheckDocument(ctx, localFile)
}

func (p *CheckPipeline) CheckLength(ctx context.Context, length int64) (bool, error) {
	return p.root.CheckLength(ctx, length)
}

func (p *CheckPipeline) CheckURL(ctx context.Context, url string) (bool, error) {
	return p.root.CheckURL(ctx, url)
}
