// Package version holds the change-detection logic: packing a transformation
// chain into a canonical composite string and deciding, per output, whether a
// document needs reindexing.
package version

import (
	"strconv"
	"strings"

	"github.com/searchforge/ingestmgr/internal/ingest/pipespec"
)

// PackTransformations walks parent pointers from the given output stage to
// the root and packs the traversed transformation stages' connection names
// and description fingerprints into one composite string. Equal results are
// produced exactly when the chains are equal: each element is escape-packed
// so delimiter and backslash bytes in the values cannot create ambiguity.
func PackTransformations(spec *pipespec.WithDescriptions, outputStage int) string {
	var names, descriptions []string
	for stage := spec.Parent(outputStage); stage != -1; stage = spec.Parent(stage) {
		names = append(names, spec.ConnectionName(stage))
		descriptions = append(descriptions, string(spec.Description(stage)))
	}
	var sb strings.Builder
	packList(&sb, names, '+')
	packList(&sb, descriptions, '!')
	return sb.String()
}

// packList emits a length prefix followed by each value, all escape-packed
// with the given delimiter.
func packList(sb *strings.Builder, values []string, delim byte) {
	pack(sb, strconv.Itoa(len(values)), delim)
	for _, v := range values {
		pack(sb, v, delim)
	}
}

// pack writes value with every delimiter or backslash byte preceded by a
// backslash, then a terminating delimiter.
func pack(sb *strings.Builder, value string, delim byte) {
	for i := 0; i < len(value); i++ {
		if value[i] == delim || value[i] == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(value[i])
	}
	sb.WriteByte(delim)
}

// NeedsReindex reports whether any output in the pipeline requires the
// document to be resent, given the stored per-output state and the newly
// observed versions. An empty newDocumentVersion is a sentinel forcing a
// refetch regardless of stored state.
func NeedsReindex(spec *pipespec.WithVersions, newDocumentVersion, newParameterVersion, newAuthority string) bool {
	if newDocumentVersion == "" {
		return true
	}
	for i := 0; i < spec.OutputCount(); i++ {
		if OutputNeedsReindex(spec, i, newDocumentVersion, newParameterVersion, newAuthority) {
			return true
		}
	}
	return false
}

// OutputNeedsReindex decides for a single output ordinal.
func OutputNeedsReindex(spec *pipespec.WithVersions, output int, newDocumentVersion, newParameterVersion, newAuthority string) bool {
	stage := spec.OutputStage(output)
	stored := spec.Stored(output)
	if stored.DocumentVersion == nil {
		return true
	}
	if *stored.DocumentVersion != newDocumentVersion ||
		stored.ParameterVersion != newParameterVersion ||
		stored.AuthorityName != newAuthority ||
		stored.OutputVersion != string(spec.Description(stage)) {
		return true
	}
	return stored.TransformationVersion != PackTransformations(spec.WithDescriptions, stage)
}
