// Package pipespec models declarative pipeline specifications: a tree of
// transformation stages ending in output stages, optionally annotated with
// per-stage description fingerprints and previously-stored per-output version
// state. The three variants build on each other by embedding.
package pipespec

import (
	"fmt"

	"github.com/searchforge/ingestmgr/internal/ingest/connector"
)

// Stage is one node of the pipeline tree. Parent is the stage index of the
// upstream stage, or -1 for children of the virtual root.
type Stage struct {
	Parent         int
	IsOutput       bool
	ConnectionName string
}

// Basic is the stage tree alone: enough to enumerate outputs and walk
// parent/child relations.
type Basic struct {
	stages      []Stage
	children    map[int][]int
	outputStage []int
}

// NewBasic validates the stage set and precomputes child and output lookups.
// The stages must form a tree rooted at the virtual stage -1 whose leaves are
// exactly the output stages.
func NewBasic(stages []Stage) (*Basic, error) {
	b := &Basic{
		stages:   append([]Stage(nil), stages...),
		children: make(map[int][]int),
	}
	for i, st := range b.stages {
		if st.Parent < -1 || st.Parent >= len(b.stages) || st.Parent == i {
			return nil, fmt.Errorf("stage %d: bad parent %d", i, st.Parent)
		}
		if st.Parent != -1 && b.stages[st.Parent].IsOutput {
			return nil, fmt.Errorf("stage %d: parent %d is an output stage", i, st.Parent)
		}
		b.children[st.Parent] = append(b.children[st.Parent], i)
		if st.IsOutput {
			b.outputStage = append(b.outputStage, i)
		}
	}
	if len(b.outputStage) == 0 {
		return nil, fmt.Errorf("pipeline has no output stage")
	}
	// Every stage must reach the root, and transformation stages must have
	// at least one child (leaves are exactly the outputs).
	for i := range b.stages {
		seen := make(map[int]bool)
		for cur := i; cur != -1; cur = b.stages[cur].Parent {
			if seen[cur] {
				return nil, fmt.Errorf("stage %d: parent cycle", i)
			}
			seen[cur] = true
		}
		if !b.stages[i].IsOutput && len(b.children[i]) == 0 {
			return nil, fmt.Errorf("transformation stage %d has no children", i)
		}
	}
	return b, nil
}

// StageCount returns the total number of stages.
func (b *Basic) StageCount() int { return len(b.stages) }

// Children returns the stage indices whose parent is the given stage.
// Pass -1 for the root's children.
func (b *Basic) Children(stage int) []int { return b.children[stage] }

// Parent returns the parent stage index, or -1 for root children.
func (b *Basic) Parent(stage int) int { return b.stages[stage].Parent }

// OutputCount returns the number of output stages.
func (b *Basic) OutputCount() int { return len(b.outputStage) }

// OutputStage maps an output ordinal (0..OutputCount-1) to its stage index.
func (b *Basic) OutputStage(i int) int { return b.outputStage[i] }

// ConnectionName returns the connection name of the given stage.
func (b *Basic) ConnectionName(stage int) string { return b.stages[stage].ConnectionName }

// IsOutput reports whether the given stage is an output stage.
func (b *Basic) IsOutput(stage int) bool { return b.stages[stage].IsOutput }

// OutputConnectionNames returns the connection name of every output stage, in
// output ordinal order.
func (b *Basic) OutputConnectionNames() []string {
	names := make([]string, len(b.outputStage))
	for i, stage := range b.outputStage {
		names[i] = b.stages[stage].ConnectionName
	}
	return names
}

// WithDescriptions adds a per-stage version-context fingerprint, as produced
// by each stage's connector for its current specification.
type WithDescriptions struct {
	*Basic
	descriptions []connector.VersionContext
}

// NewWithDescriptions attaches stage descriptions to a basic specification.
// descriptions is indexed by stage.
func NewWithDescriptions(basic *Basic, descriptions []connector.VersionContext) (*WithDescriptions, error) {
	if len(descriptions) != basic.StageCount() {
		return nil, fmt.Errorf("got %d descriptions for %d stages", len(descriptions), basic.StageCount())
	}
	return &WithDescriptions{Basic: basic, descriptions: append([]connector.VersionContext(nil), descriptions...)}, nil
}

// Description returns the version-context fingerprint of the given stage.
func (d *WithDescriptions) Description(stage int) connector.VersionContext {
	return d.descriptions[stage]
}

// StoredState is the per-output version state previously recorded in the
// ingest store. A nil DocumentVersion means the output has never indexed the
// document (or was reset) and must be fed unconditionally.
type StoredState struct {
	DocumentVersion       *string
	ParameterVersion      string
	OutputVersion         string
	TransformationVersion string
	AuthorityName         string
}

// WithVersions adds the stored per-output state so reindex decisions can be
// made without a database round trip.
type WithVersions struct {
	*WithDescriptions
	stored []StoredState
}

// NewWithVersions attaches stored per-output state, indexed by output ordinal.
func NewWithVersions(spec *WithDescriptions, stored []StoredState) (*WithVersions, error) {
	if len(stored) != spec.OutputCount() {
		return nil, fmt.Errorf("got %d stored states for %d outputs", len(stored), spec.OutputCount())
	}
	return &WithVersions{WithDescriptions: spec, stored: append([]StoredState(nil), stored...)}, nil
}

// Stored returns the previously-recorded state for the given output ordinal.
func (v *WithVersions) Stored(output int) StoredState { return v.stored[output] }
