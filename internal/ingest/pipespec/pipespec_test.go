package pipespec

import (
	"reflect"
	"testing"

	"github.com/searchforge/ingestmgr/internal/ingest/connector"
)

func TestNewBasicSingleOutput(t *testing.T) {
	b, err := NewBasic([]Stage{{Parent: -1, IsOutput: true, ConnectionName: "solr"}})
	if err != nil {
		t.Fatal(err)
	}
	if b.StageCount() != 1 || b.OutputCount() != 1 {
		t.Fatalf("StageCount=%d OutputCount=%d", b.StageCount(), b.OutputCount())
	}
	if b.OutputStage(0) != 0 || b.Parent(0) != -1 {
		t.Error("wrong output stage or parent")
	}
	if got := b.Children(-1); !reflect.DeepEqual(got, []int{0}) {
		t.Errorf("root children = %v", got)
	}
}

func TestNewBasicTree(t *testing.T) {
	// root -> tfm0 -> {out1, tfm2 -> out3}
	b, err := NewBasic([]Stage{
		{Parent: -1, ConnectionName: "extract"},
		{Parent: 0, IsOutput: true, ConnectionName: "solr"},
		{Parent: 0, ConnectionName: "enrich"},
		{Parent: 2, IsOutput: true, ConnectionName: "es"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := b.OutputConnectionNames(); !reflect.DeepEqual(got, []string{"solr", "es"}) {
		t.Errorf("output names = %v", got)
	}
	if got := b.Children(0); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Errorf("children of 0 = %v", got)
	}
	if b.Parent(3) != 2 {
		t.Errorf("parent of 3 = %d", b.Parent(3))
	}
	if b.IsOutput(2) || !b.IsOutput(3) {
		t.Error("wrong output flags")
	}
}

func TestNewBasicRejectsMalformed(t *testing.T) {
	cases := []struct {
		name   string
		stages []Stage
	}{
		{"no outputs", []Stage{{Parent: -1, ConnectionName: "tfm"}}},
		{"self parent", []Stage{{Parent: 0, IsOutput: true}}},
		{"parent out of range", []Stage{{Parent: 5, IsOutput: true}}},
		{"output with child", []Stage{
			{Parent: -1, IsOutput: true, ConnectionName: "solr"},
			{Parent: 0, IsOutput: true, ConnectionName: "es"},
		}},
		{"childless transformation", []Stage{
			{Parent: -1, IsOutput: true, ConnectionName: "solr"},
			{Parent: -1, ConnectionName: "tfm"},
		}},
		{"cycle", []Stage{
			{Parent: 1, ConnectionName: "a"},
			{Parent: 0, ConnectionName: "b"},
			{Parent: -1, IsOutput: true, ConnectionName: "solr"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewBasic(tc.stages); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWithDescriptionsLengthCheck(t *testing.T) {
	b, err := NewBasic([]Stage{{Parent: -1, IsOutput: true, ConnectionName: "solr"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewWithDescriptions(b, nil); err == nil {
		t.Error("expected error for missing descriptions")
	}
	d, err := NewWithDescriptions(b, []connector.VersionContext{"v"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Description(0) != "v" {
		t.Errorf("Description(0) = %q", d.Description(0))
	}
}

func TestWithVersionsLengthCheck(t *testing.T) {
	b, err := NewBasic([]Stage{{Parent: -1, IsOutput: true, ConnectionName: "solr"}})
	if err != nil {
		t.Fatal(err)
	}
	d, err := NewWithDescriptions(b, []connector.VersionContext{"v"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewWithVersions(d, nil); err == nil {
		t.Error("expected error for missing stored state")
	}
	v := "docv"
	wv, err := NewWithVersions(d, []StoredState{{DocumentVersion: &v}})
	if err != nil {
		t.Fatal(err)
	}
	if got := wv.Stored(0); got.DocumentVersion == nil || *got.DocumentVersion != "docv" {
		t.Errorf("Stored(0) = %+v", got)
	}
}
