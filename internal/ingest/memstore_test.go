package ingest

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/searchforge/ingestmgr/internal/ingest/record"
)

// memRow mirrors one ingeststatus row for in-memory coordinator tests.
type memRow struct {
	output        string
	docKey        string
	docURI        string
	uriHash       string
	lastVersion   *string
	lastTfm       *string
	lastOutput    *string
	forcedParams  *string
	authorityName string
	changeCount   int64
	firstIngest   int64
	lastIngest    int64
}

// memStore is an in-memory Store with the same observable semantics as the
// SQL-backed one, for exercising the coordinator without a database.
type memStore struct {
	mu   sync.Mutex
	rows map[[2]string]*memRow
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[[2]string]*memRow)}
}

func rkey(output, docKey string) [2]string { return [2]string{output, docKey} }

func nullToPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func ptrToString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func (m *memStore) LookupURIInfo(_ context.Context, output, docKey string) (record.URIInfo, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[rkey(output, docKey)]
	if !ok {
		return record.URIInfo{}, false, nil
	}
	var outputVersion string
	if row.lastOutput != nil {
		outputVersion = *row.lastOutput
	}
	return record.URIInfo{URI: row.docURI, URIHash: row.uriHash, OutputVersion: outputVersion}, true, nil
}

func (m *memStore) DeleteOtherURIMatches(_ context.Context, output, uriHash, excludeDocKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, row := range m.rows {
		if row.output == output && row.uriHash == uriHash && row.docKey != excludeDocKey {
			delete(m.rows, key)
		}
	}
	return nil
}

func (m *memStore) Upsert(_ context.Context, output, docKey string, f record.IngestFields, ingestTime int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rkey(output, docKey)
	row, ok := m.rows[key]
	if !ok {
		row = &memRow{output: output, docKey: docKey, firstIngest: ingestTime, changeCount: 1}
		m.rows[key] = row
	} else if row.lastVersion != nil {
		row.changeCount++
	}
	row.lastVersion = nullToPtr(f.DocumentVersion)
	row.lastTfm = nullToPtr(f.TransformationVersion)
	row.lastOutput = nullToPtr(f.OutputVersion)
	row.forcedParams = nullToPtr(f.ParameterVersion)
	row.authorityName = f.AuthorityName
	row.lastIngest = ingestTime
	if f.DocumentURI.Valid {
		row.docURI = f.DocumentURI.String
		row.uriHash = f.URIHash.String
	}
	return nil
}

func (m *memStore) TouchDocuments(_ context.Context, outputs []string, docKeys []string, checkTime int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, output := range outputs {
		for _, docKey := range docKeys {
			if row, ok := m.rows[rkey(output, docKey)]; ok {
				row.lastIngest = checkTime
			}
		}
	}
	return nil
}

func (m *memStore) DeleteDocuments(_ context.Context, output string, uris []string, docKeys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	uriSet := make(map[string]bool, len(uris))
	for _, u := range uris {
		uriSet[u] = true
	}
	keySet := make(map[string]bool, len(docKeys))
	for _, k := range docKeys {
		keySet[k] = true
	}
	for key, row := range m.rows {
		if row.output != output {
			continue
		}
		if keySet[row.docKey] || (row.docURI != "" && uriSet[row.docURI]) {
			delete(m.rows, key)
		}
	}
	return nil
}

func (m *memStore) URIInfoMultiple(_ context.Context, output string, docKeys []string) (map[string]record.URIInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[string]record.URIInfo)
	for _, docKey := range docKeys {
		row, ok := m.rows[rkey(output, docKey)]
		if !ok {
			continue
		}
		var outputVersion string
		if row.lastOutput != nil {
			outputVersion = *row.lastOutput
		}
		result[docKey] = record.URIInfo{URI: row.docURI, URIHash: row.uriHash, OutputVersion: outputVersion}
	}
	return result, nil
}

func (m *memStore) Statuses(_ context.Context, outputs []string, docKeys []string) (map[record.StatusKey]record.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[record.StatusKey]record.Status)
	for _, output := range outputs {
		for _, docKey := range docKeys {
			row, ok := m.rows[rkey(output, docKey)]
			if !ok {
				continue
			}
			result[record.StatusKey{DocKey: docKey, OutputConnection: output}] = record.Status{
				DocumentVersion:       ptrToString(row.lastVersion),
				TransformationVersion: ptrToString(row.lastTfm),
				OutputVersion:         ptrToString(row.lastOutput),
				ParameterVersion:      ptrToString(row.forcedParams),
				AuthorityName:         row.authorityName,
			}
		}
	}
	return result, nil
}

func (m *memStore) UpdateIntervals(_ context.Context, outputs []string, docKeys []string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[string]int64)
	for _, output := range outputs {
		for _, docKey := range docKeys {
			row, ok := m.rows[rkey(output, docKey)]
			if !ok {
				continue
			}
			interval := int64(float64(row.lastIngest-row.firstIngest) / float64(row.changeCount))
			if cur, ok := result[docKey]; !ok || interval < cur {
				result[docKey] = interval
			}
		}
	}
	return result, nil
}

func (m *memStore) ResetOutput(_ context.Context, output string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.output == output {
			row.lastVersion = nil
		}
	}
	return nil
}

func (m *memStore) DeleteOutput(_ context.Context, output string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, row := range m.rows {
		if row.output == output {
			delete(m.rows, key)
		}
	}
	return nil
}

func (m *memStore) ClearAll(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = make(map[[2]string]*memRow)
	return nil
}

// row returns a copy of the row for assertions, or nil.
func (m *memStore) row(output, docKey string) *memRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[rkey(output, docKey)]
	if !ok {
		return nil
	}
	c := *row
	return &c
}

func (m *memStore) rowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// assertURIUniqueness checks invariant: at most one row per (output, docuri)
// for non-empty URIs.
func (m *memStore) assertURIUniqueness(t *testing.T) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[[2]string]string)
	for _, row := range m.rows {
		if row.docURI == "" {
			continue
		}
		key := [2]string{row.output, row.docURI}
		if prior, ok := seen[key]; ok {
			t.Errorf("uri %q held by rows %q and %q under output %q", row.docURI, prior, row.docKey, row.output)
		}
		seen[key] = row.docKey
	}
}
