package ingest

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/searchforge/ingestmgr/internal/ingest/connector"
	"github.com/searchforge/ingestmgr/internal/ingest/locks"
	"github.com/searchforge/ingestmgr/internal/ingest/pipeline"
	"github.com/searchforge/ingestmgr/internal/ingest/pipespec"
	"github.com/searchforge/ingestmgr/internal/ingest/record"
	"github.com/searchforge/ingestmgr/internal/ingest/version"
	apperrors "github.com/searchforge/ingestmgr/pkg/errors"
	"github.com/searchforge/ingestmgr/pkg/logger"
	"github.com/searchforge/ingestmgr/pkg/metrics"
	"github.com/searchforge/ingestmgr/pkg/tracing"
)

// Store is the ingest-state persistence consumed by the Coordinator,
// satisfied by *record.Store.
type Store interface {
	pipeline.StateStore
	TouchDocuments(ctx context.Context, outputs []string, docKeys []string, checkTime int64) error
	DeleteDocuments(ctx context.Context, output string, uris []string, docKeys []string) error
	URIInfoMultiple(ctx context.Context, output string, docKeys []string) (map[string]record.URIInfo, error)
	Statuses(ctx context.Context, outputs []string, docKeys []string) (map[record.StatusKey]record.Status, error)
	UpdateIntervals(ctx context.Context, outputs []string, docKeys []string) (map[string]int64, error)
	ResetOutput(ctx context.Context, output string) error
	DeleteOutput(ctx context.Context, output string) error
	ClearAll(ctx context.Context) error
}

// Coordinator wires the record store, lock registry, connector pools, and
// pipeline machinery into the operations the crawler's worker threads call.
// It is safe for concurrent use.
type Coordinator struct {
	store           Store
	registry        locks.Registry
	outputs         connector.OutputPool
	transformations connector.TransformationPool
	metrics         *metrics.Metrics
	logger          *slog.Logger

	// descriptions de-duplicates concurrent identical description fetches.
	descriptions singleflight.Group
}

// NewCoordinator creates a Coordinator. m may be nil.
func NewCoordinator(store Store, registry locks.Registry, outputs connector.OutputPool, transformations connector.TransformationPool, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		store:           store,
		registry:        registry,
		outputs:         outputs,
		transformations: transformations,
		metrics:         m,
		logger:          slog.Default().With("component", "ingest-coordinator"),
	}
}

// grabbedPipeline holds every connector handle grabbed for one pipeline run,
// keyed both by connection name (for release) and stage index (for building).
type grabbedPipeline struct {
	conns      pipeline.StageConnectors
	tfmNames   []string
	tfmHandles []connector.TransformationConnector
	outNames   []string
	outHandles []connector.OutputConnector
}

// grabPipeline grabs one handle per distinct connection named by the
// specification. A nil handle anywhere means a connector is not installed;
// everything grabbed is released and the caller gets a zero-backoff service
// interruption so the document is rescheduled.
func (c *Coordinator) grabPipeline(ctx context.Context, spec *pipespec.Basic) (*grabbedPipeline, error) {
	var tfmNames, outNames []string
	tfmIndex := make(map[string]int)
	outIndex := make(map[string]int)
	for stage := 0; stage < spec.StageCount(); stage++ {
		name := spec.ConnectionName(stage)
		if spec.IsOutput(stage) {
			if _, ok := outIndex[name]; !ok {
				outIndex[name] = len(outNames)
				outNames = append(outNames, name)
			}
		} else {
			if _, ok := tfmIndex[name]; !ok {
				tfmIndex[name] = len(tfmNames)
				tfmNames = append(tfmNames, name)
			}
		}
	}

	tfmHandles, err := c.transformations.GrabMultiple(ctx, tfmNames)
	if err != nil {
		return nil, err
	}
	for _, h := range tfmHandles {
		if h == nil {
			c.transformations.ReleaseMultiple(ctx, tfmNames, tfmHandles)
			return nil, apperrors.ConnectorAbsent("transformation")
		}
	}
	outHandles, err := c.outputs.GrabMultiple(ctx, outNames)
	if err != nil {
		c.transformations.ReleaseMultiple(ctx, tfmNames, tfmHandles)
		return nil, err
	}
	for _, h := range outHandles {
		if h == nil {
			c.outputs.ReleaseMultiple(ctx, outNames, outHandles)
			c.transformations.ReleaseMultiple(ctx, tfmNames, tfmHandles)
			return nil, apperrors.ConnectorAbsent("output")
		}
	}

	g := &grabbedPipeline{
		conns: pipeline.StageConnectors{
			Outputs:         make(map[int]connector.OutputConnector),
			Transformations: make(map[int]connector.TransformationConnector),
		},
		tfmNames:   tfmNames,
		tfmHandles: tfmHandles,
		outNames:   outNames,
		outHandles: outHandles,
	}
	for stage := 0; stage < spec.StageCount(); stage++ {
		name := spec.ConnectionName(stage)
		if spec.IsOutput(stage) {
			g.conns.Outputs[stage] = outHandles[outIndex[name]]
		} else {
			g.conns.Transformations[stage] = tfmHandles[tfmIndex[name]]
		}
	}
	return g, nil
}

func (c *Coordinator) releasePipeline(ctx context.Context, g *grabbedPipeline) {
	c.outputs.ReleaseMultiple(ctx, g.outNames, g.outHandles)
	c.transformations.ReleaseMultiple(ctx, g.tfmNames, g.tfmHandles)
}

// CheckMimeType reports whether at least one pipeline branch would index a
// document of the given mime type.
func (c *Coordinator) CheckMimeType(ctx context.Context, spec *pipespec.WithDescriptions, mimeType string) (bool, error) {
	g, err := c.grabPipeline(ctx, spec.Basic)
	if err != nil {
		return false, err
	}
	defer c.releasePipeline(ctx, g)
	return pipeline.BuildCheck(spec, g.conns).CheckMimeType(ctx, mimeType)
}

// CheckDocument reports whether the document held in the local file would be
// indexed by at least one pipeline branch.
func (c *Coordinator) CheckDocument(ctx context.Context, spec *pipespec.WithDescriptions, localFile string) (bool, error) {
	g, err := c.grabPipeline(ctx, spec.Basic)
	if err != nil {
		return false, err
	}
	defer c.releasePipeline(ctx, g)
	return pipeline.BuildCheck(spec, g.conns).CheckDocument(ctx, localFile)
}

// CheckLength reports whether a document of the given length is indexable.
func (c *Coordinator) CheckLength(ctx context.Context, spec *pipespec.WithDescriptions, length int64) (bool, error) {
	g, err := c.grabPipeline(ctx, spec.Basic)
	if err != nil {
		return false, err
	}
	defer c.releasePipeline(ctx, g)
	return pipeline.BuildCheck(spec, g.conns).CheckLength(ctx, length)
}

// CheckURL reports whether a document at the given URL is indexable.
func (c *Coordinator) CheckURL(ctx context.Context, spec *pipespec.WithDescriptions, url string) (bool, error) {
	g, err := c.grabPipeline(ctx, spec.Basic)
	if err != nil {
		return false, err
	}
	defer c.releasePipeline(ctx, g)
	return pipeline.BuildCheck(spec, g.conns).CheckURL(ctx, url)
}

// GetOutputDescription asks the named output connector to fingerprint the
// given specification. Concurrent identical requests share one connector
// call.
func (c *Coordinator) GetOutputDescription(ctx context.Context, outputName string, spec connector.Specification) (connector.VersionContext, error) {
	v, err, _ := c.descriptions.Do("o\x00"+outputName+"\x00"+string(spec), func() (any, error) {
		conn, err := c.outputs.Grab(ctx, outputName)
		if err != nil {
			return connector.VersionContext(""), err
		}
		if conn == nil {
			return connector.VersionContext(""), apperrors.ConnectorAbsent("output")
		}
		defer c.outputs.Release(ctx, outputName, conn)
		return conn.GetPipelineDescription(ctx, spec)
	})
	if err != nil {
		return "", err
	}
	return v.(connector.VersionContext), nil
}

// GetTransformationDescription asks the named transformation connector to
// fingerprint the given specification.
func (c *Coordinator) GetTransformationDescription(ctx context.Context, transformationName string, spec connector.Specification) (connector.VersionContext, error) {
	v, err, _ := c.descriptions.Do("t\x00"+transformationName+"\x00"+string(spec), func() (any, error) {
		conn, err := c.transformations.Grab(ctx, transformationName)
		if err != nil {
			return connector.VersionContext(""), err
		}
		if conn == nil {
			return connector.VersionContext(""), apperrors.ConnectorAbsent("transformation")
		}
		defer c.transformations.Release(ctx, transformationName, conn)
		return conn.GetPipelineDescription(ctx, spec)
	})
	if err != nil {
		return "", err
	}
	return v.(connector.VersionContext), nil
}

// CheckFetchDocument decides, from stored state alone, whether the document
// must be fetched and reindexed for any output.
func (c *Coordinator) CheckFetchDocument(spec *pipespec.WithVersions, newDocumentVersion, newParameterVersion, newAuthority string) bool {
	return version.NeedsReindex(spec, newDocumentVersion, newParameterVersion, newAuthority)
}

// LastIndexedOutputConnectionName returns the output connection indexed last
// in the pipeline: the final output stage in ordinal order.
func (c *Coordinator) LastIndexedOutputConnectionName(spec *pipespec.Basic) string {
	count := spec.OutputCount()
	if count == 0 {
		return ""
	}
	return spec.ConnectionName(spec.OutputStage(count - 1))
}

// DocumentRecord notes a document version per output without delivering the
// document. If an earlier delivery left a URI behind, the downstream copy is
// removed and stranded mirror rows are cleared, all under the URI lock.
func (c *Coordinator) DocumentRecord(ctx context.Context, spec *pipespec.Basic, identifierClass, identifierHash, documentVersion string, recordTime int64, activities connector.HistoryActivity) error {
	docKey := record.MakeKey(identifierClass, identifierHash)
	for _, output := range spec.OutputConnectionNames() {
		if err := c.recordForOutput(ctx, output, docKey, documentVersion, recordTime, activities); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) recordForOutput(ctx context.Context, output, docKey, documentVersion string, recordTime int64, activities connector.HistoryActivity) error {
	info, _, err := c.store.LookupURIInfo(ctx, output, docKey)
	if err != nil {
		return err
	}

	var names []string
	if info.URI != "" {
		names = []string{output + ":" + info.URI}
	}
	if err := c.registry.Acquire(ctx, names); err != nil {
		return err
	}
	defer c.registry.Release(context.WithoutCancel(ctx), names)

	if info.URI != "" {
		act := pipeline.QualifiedActivitySink{ConnectionName: output, Delegate: activities}
		if err := c.removeDocument(ctx, output, info.URI, info.OutputVersion, act); err != nil {
			return err
		}
		if err := c.store.DeleteOtherURIMatches(ctx, output, info.URIHash, docKey); err != nil {
			return err
		}
	}

	fields := record.IngestFields{
		DocumentVersion: nullString(documentVersion),
	}
	if err := c.store.Upsert(ctx, output, docKey, fields, recordTime); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.DocumentsRecorded.WithLabelValues(output).Inc()
	}
	return nil
}

// DocumentIngest delivers a document through the pipeline, updating each
// output's stored fingerprints as its leaf succeeds. Returns true when at
// least one output accepted the document, false when it was permanently
// rejected and must not be resent.
func (c *Coordinator) DocumentIngest(ctx context.Context, spec *pipespec.WithVersions, identifierClass, identifierHash, documentVersion, parameterVersion, authority string, doc *connector.Document, ingestTime int64, documentURI string, activities connector.HistoryActivity) (bool, error) {
	ctx, span := tracing.StartChildSpan(ctx, "document_ingest")
	defer span.End()
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.IngestDuration.WithLabelValues("document_ingest").Observe(time.Since(start).Seconds())
		}
	}()

	docKey := record.MakeKey(identifierClass, identifierHash)
	span.SetAttr("doc_key", docKey)
	logger.FromContext(ctx).Debug("ingesting document",
		"doc_key", docKey,
		"doc_uri", documentURI,
		"outputs", spec.OutputConnectionNames(),
	)
	doc.IndexingDate = time.Now()

	g, err := c.grabPipeline(ctx, spec.Basic)
	if err != nil {
		return false, err
	}
	defer c.releasePipeline(ctx, g)

	p := pipeline.BuildAdd(spec, g.conns, activities, pipeline.AddDeps{
		Store:            c.store,
		Registry:         c.registry,
		DocKey:           docKey,
		DocumentVersion:  documentVersion,
		ParameterVersion: parameterVersion,
		Authority:        authority,
		IngestTime:       ingestTime,
	})
	status, err := p.Send(ctx, documentURI, doc, authority)
	c.noteSend(status, err)
	if err != nil {
		return false, err
	}
	if status == connector.StatusAccepted && c.metrics != nil {
		for _, output := range spec.OutputConnectionNames() {
			c.metrics.DocumentsIngested.WithLabelValues(output).Inc()
		}
	}
	return status == connector.StatusAccepted, nil
}

func (c *Coordinator) noteSend(status connector.Status, err error) {
	if c.metrics == nil {
		return
	}
	outcome := "accepted"
	switch {
	case err != nil:
		outcome = "error"
	case status == connector.StatusRejected:
		outcome = "rejected"
	}
	c.metrics.PipelineSends.WithLabelValues(outcome).Inc()
}

// DocumentCheckMultiple notes that the documents were checked and found
// unchanged, refreshing their last-ingest timestamps in bulk.
func (c *Coordinator) DocumentCheckMultiple(ctx context.Context, spec *pipespec.Basic, identifierClasses, identifierHashes []string, checkTime int64) error {
	docKeys, err := makeKeys(identifierClasses, identifierHashes)
	if err != nil {
		return err
	}
	return c.store.TouchDocuments(ctx, spec.OutputConnectionNames(), docKeys, checkTime)
}

// DocumentCheck is the single-document form of DocumentCheckMultiple.
func (c *Coordinator) DocumentCheck(ctx context.Context, spec *pipespec.Basic, identifierClass, identifierHash string, checkTime int64) error {
	return c.DocumentCheckMultiple(ctx, spec, []string{identifierClass}, []string{identifierHash}, checkTime)
}

// DocumentDeleteMultiple removes the documents from every output in the
// pipeline and deletes their rows, including rows reachable only through the
// URIs the documents occupied.
func (c *Coordinator) DocumentDeleteMultiple(ctx context.Context, spec *pipespec.Basic, identifierClasses, identifierHashes []string, activities connector.RemoveActivity) error {
	docKeys, err := makeKeys(identifierClasses, identifierHashes)
	if err != nil {
		return err
	}
	for _, output := range spec.OutputConnectionNames() {
		if err := c.deleteForOutput(ctx, output, docKeys, activities); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) deleteForOutput(ctx context.Context, output string, docKeys []string, activities connector.RemoveActivity) error {
	act := pipeline.QualifiedActivitySink{ConnectionName: output, Delegate: activities}

	infos, err := c.store.URIInfoMultiple(ctx, output, docKeys)
	if err != nil {
		return err
	}
	var uris []string
	uriVersions := make(map[string]string)
	for _, key := range docKeys {
		info, ok := infos[key]
		if !ok || info.URI == "" {
			continue
		}
		if _, seen := uriVersions[info.URI]; !seen {
			uris = append(uris, info.URI)
			uriVersions[info.URI] = info.OutputVersion
		}
	}

	names := make([]string, len(uris))
	for i, uri := range uris {
		names[i] = output + ":" + uri
	}
	// Holding the locks guarantees the table reflects reality when the
	// deletion completes: no concurrent ingest can slip a row back in.
	if err := c.registry.Acquire(ctx, names); err != nil {
		return err
	}
	defer c.registry.Release(context.WithoutCancel(ctx), names)

	// Index removals run outside any transaction; their latency could exceed
	// transaction timeouts.
	for _, uri := range uris {
		if err := c.removeDocument(ctx, output, uri, uriVersions[uri], act); err != nil {
			return err
		}
	}

	if err := c.store.DeleteDocuments(ctx, output, uris, docKeys); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.DocumentsRemoved.WithLabelValues(output).Add(float64(len(uris)))
	}
	return nil
}

// DocumentDelete is the single-document form of DocumentDeleteMultiple.
func (c *Coordinator) DocumentDelete(ctx context.Context, spec *pipespec.Basic, identifierClass, identifierHash string, activities connector.RemoveActivity) error {
	return c.DocumentDeleteMultiple(ctx, spec, []string{identifierClass}, []string{identifierHash}, activities)
}

// DocumentDeleteMultipleSpecs deletes documents that belong to different
// pipeline specifications, grouping them by specification identity and
// dispatching one bulk delete per group.
func (c *Coordinator) DocumentDeleteMultipleSpecs(ctx context.Context, specs []*pipespec.Basic, identifierClasses, identifierHashes []string, activities connector.RemoveActivity) error {
	if len(specs) != len(identifierClasses) || len(specs) != len(identifierHashes) {
		return apperrors.ErrInvalidInput
	}
	groups := make(map[*pipespec.Basic][]int)
	var order []*pipespec.Basic
	for i, spec := range specs {
		if _, ok := groups[spec]; !ok {
			order = append(order, spec)
		}
		groups[spec] = append(groups[spec], i)
	}
	for _, spec := range order {
		idx := groups[spec]
		classes := make([]string, len(idx))
		hashes := make([]string, len(idx))
		for i, j := range idx {
			classes[i] = identifierClasses[j]
			hashes[i] = identifierHashes[j]
		}
		if err := c.DocumentDeleteMultiple(ctx, spec, classes, hashes, activities); err != nil {
			return err
		}
	}
	return nil
}

// PipelineDocumentIngestDataMultiple fills rval with the stored version state
// of every (document, output) pair that has a row. Missing pairs get no
// entry.
func (c *Coordinator) PipelineDocumentIngestDataMultiple(ctx context.Context, rval map[OutputKey]DocumentIngestStatus, spec *pipespec.Basic, identifierClasses, identifierHashes []string) error {
	docKeys, err := makeKeys(identifierClasses, identifierHashes)
	if err != nil {
		return err
	}
	keyIndex := make(map[string]int, len(docKeys))
	for i, key := range docKeys {
		if _, ok := keyIndex[key]; !ok {
			keyIndex[key] = i
		}
	}

	statuses, err := c.store.Statuses(ctx, spec.OutputConnectionNames(), docKeys)
	if err != nil {
		return err
	}
	for k, st := range statuses {
		i, ok := keyIndex[k.DocKey]
		if !ok {
			continue
		}
		rval[OutputKey{
			IdentifierClass:  identifierClasses[i],
			IdentifierHash:   identifierHashes[i],
			OutputConnection: k.OutputConnection,
		}] = DocumentIngestStatus(st)
	}
	return nil
}

// PipelineDocumentIngestDataMultipleSpecs is the heterogeneous-spec form:
// documents are grouped by specification identity.
func (c *Coordinator) PipelineDocumentIngestDataMultipleSpecs(ctx context.Context, rval map[OutputKey]DocumentIngestStatus, specs []*pipespec.Basic, identifierClasses, identifierHashes []string) error {
	if len(specs) != len(identifierClasses) || len(specs) != len(identifierHashes) {
		return apperrors.ErrInvalidInput
	}
	groups := make(map[*pipespec.Basic][]int)
	var order []*pipespec.Basic
	for i, spec := range specs {
		if _, ok := groups[spec]; !ok {
			order = append(order, spec)
		}
		groups[spec] = append(groups[spec], i)
	}
	for _, spec := range order {
		idx := groups[spec]
		classes := make([]string, len(idx))
		hashes := make([]string, len(idx))
		for i, j := range idx {
			classes[i] = identifierClasses[j]
			hashes[i] = identifierHashes[j]
		}
		if err := c.PipelineDocumentIngestDataMultiple(ctx, rval, spec, classes, hashes); err != nil {
			return err
		}
	}
	return nil
}

// PipelineDocumentIngestData is the single-document form.
func (c *Coordinator) PipelineDocumentIngestData(ctx context.Context, rval map[OutputKey]DocumentIngestStatus, spec *pipespec.Basic, identifierClass, identifierHash string) error {
	return c.PipelineDocumentIngestDataMultiple(ctx, rval, spec, []string{identifierClass}, []string{identifierHash})
}

// DocumentUpdateIntervalMultiple estimates, per document, the average time
// between observed changes: the minimum across outputs of
// (lastingest - firstingest) / changecount. Documents never ingested get 0.
func (c *Coordinator) DocumentUpdateIntervalMultiple(ctx context.Context, spec *pipespec.Basic, identifierClasses, identifierHashes []string) ([]time.Duration, error) {
	docKeys, err := makeKeys(identifierClasses, identifierHashes)
	if err != nil {
		return nil, err
	}
	intervals, err := c.store.UpdateIntervals(ctx, spec.OutputConnectionNames(), docKeys)
	if err != nil {
		return nil, err
	}
	rval := make([]time.Duration, len(docKeys))
	for i, key := range docKeys {
		if ms, ok := intervals[key]; ok {
			rval[i] = time.Duration(ms) * time.Millisecond
		}
	}
	return rval, nil
}

// DocumentUpdateInterval is the single-document form.
func (c *Coordinator) DocumentUpdateInterval(ctx context.Context, spec *pipespec.Basic, identifierClass, identifierHash string) (time.Duration, error) {
	rval, err := c.DocumentUpdateIntervalMultiple(ctx, spec, []string{identifierClass}, []string{identifierHash})
	if err != nil {
		return 0, err
	}
	return rval[0], nil
}

// ResetOutputConnection blanks the stored document versions of every row
// under the output, forcing reindexing on the next check. Used when the
// downstream index is known to have been reconfigured or rebuilt.
func (c *Coordinator) ResetOutputConnection(ctx context.Context, outputName string) error {
	return c.store.ResetOutput(ctx, outputName)
}

// RemoveOutputConnection forgets everything recorded for the output and
// notifies the connector, if installed, that all its records are gone.
func (c *Coordinator) RemoveOutputConnection(ctx context.Context, outputName string) error {
	if err := c.store.DeleteOutput(ctx, outputName); err != nil {
		return err
	}
	conn, err := c.outputs.Grab(ctx, outputName)
	if err != nil {
		return err
	}
	if conn == nil {
		return nil
	}
	defer c.outputs.Release(ctx, outputName, conn)
	return conn.NoteAllRecordsRemoved(ctx)
}

// ClearAll flushes all knowledge of what was ingested anywhere.
func (c *Coordinator) ClearAll(ctx context.Context) error {
	return c.store.ClearAll(ctx)
}

// removeDocument issues a downstream removal through a freshly grabbed
// connector handle.
func (c *Coordinator) removeDocument(ctx context.Context, output, uri, outputVersion string, act connector.RemoveActivity) error {
	conn, err := c.outputs.Grab(ctx, output)
	if err != nil {
		return err
	}
	if conn == nil {
		return apperrors.ConnectorAbsent("output")
	}
	defer c.outputs.Release(ctx, output, conn)
	return conn.RemoveDocument(ctx, uri, outputVersion, act)
}

func makeKeys(identifierClasses, identifierHashes []string) ([]string, error) {
	if len(identifierClasses) != len(identifierHashes) {
		return nil, apperrors.ErrInvalidInput
	}
	keys := make([]string, len(identifierClasses))
	for i := range identifierClasses {
		keys[i] = record.MakeKey(identifierClasses[i], identifierHashes[i])
	}
	return keys, nil
}

// nullString wraps s as a valid (non-NULL) NullString.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}
