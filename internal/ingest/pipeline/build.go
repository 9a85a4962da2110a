package pipeline

import (
	"fmt"
	"sort"

	"github.com/searchforge/ingestmgr/internal/ingest/connector"
	"github.com/searchforge/ingestmgr/internal/ingest/locks"
	"github.com/searchforge/ingestmgr/internal/ingest/pipespec"
	"github.com/searchforge/ingestmgr/internal/ingest/version"
)

// StageConnectors maps stage indices to the connector handles grabbed for
// them. Handles are shared between stages that name the same connection.
type StageConnectors struct {
	Outputs         map[int]connector.OutputConnector
	Transformations map[int]connector.TransformationConnector
}

// AddDeps carries the per-document state and collaborators an add pipeline's
// output leaves need.
type AddDeps struct {
	Store            StateStore
	Registry         locks.Registry
	DocKey           string
	DocumentVersion  string
	ParameterVersion string
	Authority        string
	IngestTime       int64
}

// BuildCheck assembles a read-only pipeline from the specification.
//
// The construction works bottom-up: the current set starts as one entry point
// per output stage; whenever every child of some parent is present, the
// children are folded into a fan-out and the parent's entry point replaces
// them, until the fold reaches the virtual root. A specification whose stage
// set cannot progress this way is malformed, which is a programmer error.
func BuildCheck(spec *pipespec.WithDescriptions, conns StageConnectors) *CheckPipeline {
	current := make(map[int]*CheckEntryPoint)
	for i := 0; i < spec.OutputCount(); i++ {
		stage := spec.OutputStage(i)
		current[stage] = &CheckEntryPoint{
			conn:       conns.Outputs[stage],
			desc:       spec.Description(stage),
			downstream: connector.AcceptAllChecks{},
		}
	}
	for {
		parent, siblings := foldableParent(spec.Basic, intKeys(current))
		if siblings == nil {
			panic(fmt.Sprintf("ingest pipeline: %d stages cannot progress toward root", len(current)))
		}
		entries := make([]*CheckEntryPoint, len(siblings))
		for i, s := range siblings {
			entries[i] = current[s]
			delete(current, s)
		}
		fan := &CheckFanout{entries: entries}
		if parent == -1 {
			return &CheckPipeline{root: fan}
		}
		current[parent] = &CheckEntryPoint{
			conn:       conns.Transformations[parent],
			desc:       spec.Description(parent),
			downstream: fan,
		}
	}
}

// BuildAdd assembles a delivery pipeline. Each output leaf carries its
// precomputed reindex decision and packed transformation version; a
// transformation stage is active exactly when some leaf beneath it is.
func BuildAdd(spec *pipespec.WithVersions, conns StageConnectors, final connector.HistoryActivity, deps AddDeps) *AddPipeline {
	if final == nil {
		final = discardHistory{}
	}
	current := make(map[int]addEntry)
	for i := 0; i < spec.OutputCount(); i++ {
		stage := spec.OutputStage(i)
		name := spec.ConnectionName(stage)
		current[stage] = &OutputAddEntryPoint{
			conn: conns.Outputs[stage],
			desc: spec.Description(stage),
			activity: leafActivity{
				QualifiedActivitySink: QualifiedActivitySink{ConnectionName: name, Delegate: final},
			},
			active: version.OutputNeedsReindex(spec, i,
				deps.DocumentVersion, deps.ParameterVersion, deps.Authority),

			outputName:            name,
			docKey:                deps.DocKey,
			documentVersion:       deps.DocumentVersion,
			parameterVersion:      deps.ParameterVersion,
			transformationVersion: version.PackTransformations(spec.WithDescriptions, stage),
			ingestTime:            deps.IngestTime,

			store:    deps.Store,
			registry: deps.Registry,
		}
	}
	for {
		parent, siblings := foldableParent(spec.Basic, intKeys(current))
		if siblings == nil {
			panic(fmt.Sprintf("ingest pipeline: %d stages cannot progress toward root", len(current)))
		}
		entries := make([]addEntry, len(siblings))
		for i, s := range siblings {
			entries[i] = current[s]
			delete(current, s)
		}
		history := final
		if parent != -1 {
			history = QualifiedActivitySink{ConnectionName: spec.ConnectionName(parent), Delegate: final}
		}
		fan := &AddFanout{entries: entries, history: history}
		if parent == -1 {
			return &AddPipeline{root: fan}
		}
		current[parent] = &AddEntryPoint{
			conn:       conns.Transformations[parent],
			desc:       spec.Description(parent),
			downstream: fan,
			active:     fan.AnyActive(),
		}
	}
}

// foldableParent finds a parent whose children are all present in the
// current stage set, returning it with the child list. Returns (0, nil) when
// no fold is possible.
func foldableParent(spec *pipespec.Basic, stages []int) (int, []int) {
	for _, stage := range stages {
		parent := spec.Parent(stage)
		siblings := spec.Children(parent)
		ready := true
		for _, sib := range siblings {
			if !containsInt(stages, sib) {
				ready = false
				break
			}
		}
		if ready {
			return parent, siblings
		}
	}
	return 0, nil
}

func intKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
