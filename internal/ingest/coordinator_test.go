package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/searchforge/ingestmgr/internal/ingest/connector"
	"github.com/searchforge/ingestmgr/internal/ingest/locks"
	"github.com/searchforge/ingestmgr/internal/ingest/pipespec"
	"github.com/searchforge/ingestmgr/internal/ingest/record"
	apperrors "github.com/searchforge/ingestmgr/pkg/errors"
)

// fakeOutput is a recording output connector.
type fakeOutput struct {
	mu       sync.Mutex
	desc     connector.VersionContext
	adds     []string // uris delivered
	removes  []string // uris removed
	allGone  bool
	rejected bool
}

func newOutput(desc connector.VersionContext) *fakeOutput { return &fakeOutput{desc: desc} }

func (f *fakeOutput) GetPipelineDescription(context.Context, connector.Specification) (connector.VersionContext, error) {
	return f.desc, nil
}

func (f *fakeOutput) CheckMimeTypeIndexable(_ context.Context, _ connector.VersionContext, mimeType string, _ connector.CheckActivity) (bool, error) {
	return strings.HasPrefix(mimeType, "text/"), nil
}

func (f *fakeOutput) CheckDocumentIndexable(_ context.Context, _ connector.VersionContext, _ string, _ connector.CheckActivity) (bool, error) {
	return true, nil
}

func (f *fakeOutput) CheckLengthIndexable(_ context.Context, _ connector.VersionContext, _ int64, _ connector.CheckActivity) (bool, error) {
	return true, nil
}

func (f *fakeOutput) CheckURLIndexable(_ context.Context, _ connector.VersionContext, _ string, _ connector.CheckActivity) (bool, error) {
	return true, nil
}

func (f *fakeOutput) AddOrReplaceDocument(_ context.Context, uri string, _ connector.VersionContext, _ *connector.Document, _ string, _ connector.AddActivity) (connector.Status, error) {
	f.mu.Lock()
	f.adds = append(f.adds, uri)
	f.mu.Unlock()
	if f.rejected {
		return connector.StatusRejected, nil
	}
	return connector.StatusAccepted, nil
}

func (f *fakeOutput) RemoveDocument(_ context.Context, uri string, _ string, _ connector.RemoveActivity) error {
	f.mu.Lock()
	f.removes = append(f.removes, uri)
	f.mu.Unlock()
	return nil
}

func (f *fakeOutput) NoteAllRecordsRemoved(context.Context) error {
	f.allGone = true
	return nil
}

func (f *fakeOutput) removedURIs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removes...)
}

// harness bundles a coordinator over a memStore with one "search" output.
type harness struct {
	store *memStore
	out   *fakeOutput
	coord *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := newMemStore()
	out := newOutput("outv")
	coord := NewCoordinator(store, locks.NewLocal(),
		connector.NewStaticOutputPool(map[string]connector.OutputConnector{"search": out}),
		connector.NewStaticTransformationPool(nil), nil)
	return &harness{store: store, out: out, coord: coord}
}

// spec builds the single-output pipeline specification with the given stored
// state for the "search" output.
func (h *harness) spec(t *testing.T, stored pipespec.StoredState) *pipespec.WithVersions {
	t.Helper()
	basic, err := pipespec.NewBasic([]pipespec.Stage{{Parent: -1, IsOutput: true, ConnectionName: "search"}})
	if err != nil {
		t.Fatal(err)
	}
	withDesc, err := pipespec.NewWithDescriptions(basic, []connector.VersionContext{"outv"})
	if err != nil {
		t.Fatal(err)
	}
	spec, err := pipespec.NewWithVersions(withDesc, []pipespec.StoredState{stored})
	if err != nil {
		t.Fatal(err)
	}
	return spec
}

// storedState reads the stored state for the doc back out of the store, as a
// crawler building a versioned spec would.
func (h *harness) storedState(t *testing.T, spec *pipespec.WithVersions, class, hash string) pipespec.StoredState {
	t.Helper()
	rval := make(map[OutputKey]DocumentIngestStatus)
	if err := h.coord.PipelineDocumentIngestData(context.Background(), rval, spec.Basic, class, hash); err != nil {
		t.Fatal(err)
	}
	st, ok := rval[OutputKey{IdentifierClass: class, IdentifierHash: hash, OutputConnection: "search"}]
	if !ok {
		return pipespec.StoredState{}
	}
	doc := st.DocumentVersion
	return pipespec.StoredState{
		DocumentVersion:       &doc,
		ParameterVersion:      st.ParameterVersion,
		OutputVersion:         st.OutputVersion,
		TransformationVersion: st.TransformationVersion,
		AuthorityName:         st.AuthorityName,
	}
}

func (h *harness) ingest(t *testing.T, spec *pipespec.WithVersions, hash, version string, when int64, uri string) bool {
	t.Helper()
	doc := &connector.Document{Binary: strings.NewReader("doc body"), BinaryLength: 8}
	ok, err := h.coord.DocumentIngest(context.Background(), spec, "web", hash,
		version, "p1", "auth", doc, when, uri, nil)
	if err != nil {
		t.Fatal(err)
	}
	return ok
}

func TestFirstTimeIngest(t *testing.T) {
	h := newHarness(t)
	spec := h.spec(t, pipespec.StoredState{})

	if ok := h.ingest(t, spec, "h1", "v1", 1000, "http://a"); !ok {
		t.Fatal("first ingest not accepted")
	}

	row := h.store.row("search", "web:h1")
	if row == nil {
		t.Fatal("no row after ingest")
	}
	if row.changeCount != 1 {
		t.Errorf("changeCount = %d, want 1", row.changeCount)
	}
	if row.firstIngest != 1000 || row.lastIngest != 1000 {
		t.Errorf("firstIngest=%d lastIngest=%d, want 1000/1000", row.firstIngest, row.lastIngest)
	}
	if row.docURI != "http://a" {
		t.Errorf("docURI = %q", row.docURI)
	}
	if row.lastVersion == nil || *row.lastVersion != "v1" {
		t.Errorf("lastVersion = %v", row.lastVersion)
	}
	if len(h.out.adds) != 1 || h.out.adds[0] != "http://a" {
		t.Errorf("connector deliveries = %v", h.out.adds)
	}
	h.store.assertURIUniqueness(t)
}

func TestRepeatedCheckTouchesTimestamp(t *testing.T) {
	h := newHarness(t)
	spec := h.spec(t, pipespec.StoredState{})
	h.ingest(t, spec, "h1", "v1", 1000, "http://a")

	if err := h.coord.DocumentCheck(context.Background(), spec.Basic, "web", "h1", 2000); err != nil {
		t.Fatal(err)
	}
	row := h.store.row("search", "web:h1")
	if row.lastIngest != 2000 {
		t.Errorf("lastIngest = %d, want 2000", row.lastIngest)
	}
	if row.firstIngest != 1000 {
		t.Errorf("firstIngest = %d, want 1000", row.firstIngest)
	}
	if row.changeCount != 1 {
		t.Errorf("changeCount = %d, want 1 after a mere check", row.changeCount)
	}
}

func TestVersionChangeReingests(t *testing.T) {
	h := newHarness(t)
	spec := h.spec(t, pipespec.StoredState{})
	h.ingest(t, spec, "h1", "v1", 1000, "http://a")

	stored := h.storedState(t, spec, "web", "h1")
	specV1 := h.spec(t, stored)
	if h.coord.CheckFetchDocument(specV1, "v1", "p1", "auth") {
		t.Error("unchanged document flagged for refetch")
	}
	if !h.coord.CheckFetchDocument(specV1, "v2", "p1", "auth") {
		t.Error("changed document version not flagged for refetch")
	}

	h.ingest(t, specV1, "h1", "v2", 1500, "http://a")
	row := h.store.row("search", "web:h1")
	if row.changeCount != 2 {
		t.Errorf("changeCount = %d, want 2", row.changeCount)
	}
	if row.lastVersion == nil || *row.lastVersion != "v2" {
		t.Errorf("lastVersion = %v", row.lastVersion)
	}
	if row.lastIngest != 1500 {
		t.Errorf("lastIngest = %d, want 1500", row.lastIngest)
	}
	if h.store.rowCount() != 1 {
		t.Errorf("rowCount = %d, want 1", h.store.rowCount())
	}
}

func TestCheckFetchDocumentMatrix(t *testing.T) {
	h := newHarness(t)
	spec := h.spec(t, pipespec.StoredState{})
	h.ingest(t, spec, "h1", "v1", 1000, "http://a")
	stored := h.storedState(t, spec, "web", "h1")

	if h.coord.CheckFetchDocument(h.spec(t, stored), "v1", "p1", "auth") {
		t.Error("identical inputs must not refetch")
	}
	if !h.coord.CheckFetchDocument(h.spec(t, stored), "v1", "p2", "auth") {
		t.Error("parameter change must refetch")
	}
	if !h.coord.CheckFetchDocument(h.spec(t, stored), "v1", "p1", "other") {
		t.Error("authority change must refetch")
	}
	mutated := stored
	mutated.OutputVersion = "stale"
	if !h.coord.CheckFetchDocument(h.spec(t, mutated), "v1", "p1", "auth") {
		t.Error("output version change must refetch")
	}
	if !h.coord.CheckFetchDocument(h.spec(t, stored), "", "p1", "auth") {
		t.Error("empty new version must always refetch")
	}
}

func TestURIReplacement(t *testing.T) {
	h := newHarness(t)
	spec := h.spec(t, pipespec.StoredState{})
	h.ingest(t, spec, "h1", "v1", 1000, "http://a")

	h.ingest(t, spec, "h1", "v2", 1500, "http://b")
	if removes := h.out.removedURIs(); len(removes) != 1 || removes[0] != "http://a" {
		t.Errorf("removes = %v, want [http://a]", removes)
	}
	row := h.store.row("search", "web:h1")
	if row.docURI != "http://b" {
		t.Errorf("docURI = %q, want http://b", row.docURI)
	}
	if row.uriHash != record.HashURI("http://b") {
		t.Error("uriHash does not match new uri")
	}
	h.store.assertURIUniqueness(t)
}

func TestURIStealing(t *testing.T) {
	// A second doc key taking over an existing URI must displace the first
	// row so (output, uri) stays unique.
	h := newHarness(t)
	spec := h.spec(t, pipespec.StoredState{})
	h.ingest(t, spec, "h1", "v1", 1000, "http://a")
	h.ingest(t, spec, "h2", "v1", 1100, "http://a")

	if h.store.row("search", "web:h1") != nil {
		t.Error("displaced row still present")
	}
	if h.store.row("search", "web:h2") == nil {
		t.Error("stealing row missing")
	}
	h.store.assertURIUniqueness(t)
}

func TestDocumentDelete(t *testing.T) {
	h := newHarness(t)
	spec := h.spec(t, pipespec.StoredState{})
	h.ingest(t, spec, "h1", "v1", 1000, "http://a")
	h.ingest(t, spec, "h1", "v2", 1500, "http://b")

	if err := h.coord.DocumentDelete(context.Background(), spec.Basic, "web", "h1", nil); err != nil {
		t.Fatal(err)
	}
	removes := h.out.removedURIs()
	if len(removes) == 0 || removes[len(removes)-1] != "http://b" {
		t.Errorf("removes = %v, want trailing http://b", removes)
	}
	if h.store.rowCount() != 0 {
		t.Errorf("rowCount = %d after delete, want 0", h.store.rowCount())
	}
}

func TestDocumentRecordRemovesDelivered(t *testing.T) {
	h := newHarness(t)
	spec := h.spec(t, pipespec.StoredState{})
	h.ingest(t, spec, "h1", "v1", 1000, "http://a")

	if err := h.coord.DocumentRecord(context.Background(), spec.Basic, "web", "h1", "v2", 2000, nil); err != nil {
		t.Fatal(err)
	}
	if removes := h.out.removedURIs(); len(removes) != 1 || removes[0] != "http://a" {
		t.Errorf("removes = %v, want [http://a]", removes)
	}
	row := h.store.row("search", "web:h1")
	if row == nil {
		t.Fatal("row gone after record")
	}
	if row.lastVersion == nil || *row.lastVersion != "v2" {
		t.Errorf("lastVersion = %v, want v2", row.lastVersion)
	}
}

func TestConcurrentIngestSameDocument(t *testing.T) {
	h := newHarness(t)
	const workers = 8

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			spec := h.spec(t, pipespec.StoredState{})
			doc := &connector.Document{Binary: strings.NewReader("body"), BinaryLength: 4}
			_, err := h.coord.DocumentIngest(context.Background(), spec, "web", "h1",
				fmt.Sprintf("v%d", i), "p1", "auth", doc, int64(1000+i), "http://a", nil)
			if err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	if h.store.rowCount() != 1 {
		t.Fatalf("rowCount = %d, want 1", h.store.rowCount())
	}
	row := h.store.row("search", "web:h1")
	if row.changeCount < 1 {
		t.Errorf("changeCount = %d, want >= 1", row.changeCount)
	}
	if row.lastVersion == nil {
		t.Error("winning row has no version")
	}
	h.store.assertURIUniqueness(t)
}

func TestResetOutputConnection(t *testing.T) {
	h := newHarness(t)
	other := newOutput("otherv")
	h.coord.outputs = connector.NewStaticOutputPool(map[string]connector.OutputConnector{
		"search": h.out, "backup": other,
	})
	spec := h.spec(t, pipespec.StoredState{})
	h.ingest(t, spec, "h1", "v1", 1000, "http://a")

	// Second output gets its own row.
	basic, err := pipespec.NewBasic([]pipespec.Stage{{Parent: -1, IsOutput: true, ConnectionName: "backup"}})
	if err != nil {
		t.Fatal(err)
	}
	withDesc, err := pipespec.NewWithDescriptions(basic, []connector.VersionContext{"otherv"})
	if err != nil {
		t.Fatal(err)
	}
	backupSpec, err := pipespec.NewWithVersions(withDesc, []pipespec.StoredState{{}})
	if err != nil {
		t.Fatal(err)
	}
	doc := &connector.Document{Binary: strings.NewReader("body"), BinaryLength: 4}
	if _, err := h.coord.DocumentIngest(context.Background(), backupSpec, "web", "h1",
		"v1", "p1", "auth", doc, 1000, "http://a", nil); err != nil {
		t.Fatal(err)
	}

	if err := h.coord.ResetOutputConnection(context.Background(), "search"); err != nil {
		t.Fatal(err)
	}
	if row := h.store.row("search", "web:h1"); row.lastVersion != nil {
		t.Error("reset output still has a version")
	}
	if row := h.store.row("backup", "web:h1"); row.lastVersion == nil {
		t.Error("reset leaked into another output")
	}
}

func TestRemoveOutputConnection(t *testing.T) {
	h := newHarness(t)
	spec := h.spec(t, pipespec.StoredState{})
	h.ingest(t, spec, "h1", "v1", 1000, "http://a")

	if err := h.coord.RemoveOutputConnection(context.Background(), "search"); err != nil {
		t.Fatal(err)
	}
	if h.store.rowCount() != 0 {
		t.Error("rows remain after output removal")
	}
	if !h.out.allGone {
		t.Error("connector was not told all records were removed")
	}
}

func TestDocumentUpdateInterval(t *testing.T) {
	h := newHarness(t)
	spec := h.spec(t, pipespec.StoredState{})
	h.ingest(t, spec, "h1", "v1", 1000, "http://a")
	h.ingest(t, spec, "h1", "v2", 1500, "http://a")

	got, err := h.coord.DocumentUpdateInterval(context.Background(), spec.Basic, "web", "h1")
	if err != nil {
		t.Fatal(err)
	}
	if got != 250*time.Millisecond {
		t.Errorf("interval = %v, want 250ms", got)
	}

	missing, err := h.coord.DocumentUpdateInterval(context.Background(), spec.Basic, "web", "nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != 0 {
		t.Errorf("interval for unknown doc = %v, want 0", missing)
	}
}

func TestCheckMimeType(t *testing.T) {
	h := newHarness(t)
	spec := h.spec(t, pipespec.StoredState{})
	ok, err := h.coord.CheckMimeType(context.Background(), spec.WithDescriptions, "text/html")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("text/html should be indexable")
	}
	ok, err = h.coord.CheckMimeType(context.Background(), spec.WithDescriptions, "application/octet-stream")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("binary mime accepted")
	}
}

func TestMissingConnectorIsServiceInterruption(t *testing.T) {
	h := newHarness(t)
	basic, err := pipespec.NewBasic([]pipespec.Stage{{Parent: -1, IsOutput: true, ConnectionName: "ghost"}})
	if err != nil {
		t.Fatal(err)
	}
	withDesc, err := pipespec.NewWithDescriptions(basic, []connector.VersionContext{"v"})
	if err != nil {
		t.Fatal(err)
	}
	spec, err := pipespec.NewWithVersions(withDesc, []pipespec.StoredState{{}})
	if err != nil {
		t.Fatal(err)
	}

	doc := &connector.Document{Binary: strings.NewReader("x"), BinaryLength: 1}
	_, err = h.coord.DocumentIngest(context.Background(), spec, "web", "h1",
		"v1", "p1", "auth", doc, 1000, "http://a", nil)
	if err == nil {
		t.Fatal("expected error for missing connector")
	}
	if !apperrors.IsServiceInterruption(err) {
		t.Errorf("error %v is not a service interruption", err)
	}
}

func TestLastIndexedOutputConnectionName(t *testing.T) {
	h := newHarness(t)
	spec := h.spec(t, pipespec.StoredState{})
	if got := h.coord.LastIndexedOutputConnectionName(spec.Basic); got != "search" {
		t.Errorf("LastIndexedOutputConnectionName = %q", got)
	}
}
