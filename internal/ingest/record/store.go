package record

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/searchforge/ingestmgr/pkg/metrics"
	"github.com/searchforge/ingestmgr/pkg/postgres"
	"github.com/searchforge/ingestmgr/pkg/resilience"
)

// Store provides all SQL access to the ingest-state table.
type Store struct {
	db      *postgres.Client
	backoff resilience.Backoff
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewStore creates a Store. metrics may be nil.
func NewStore(db *postgres.Client, backoff resilience.Backoff, m *metrics.Metrics) *Store {
	return &Store{
		db:      db,
		backoff: backoff,
		metrics: m,
		logger:  slog.Default().With("component", "ingest-store"),
	}
}

func (s *Store) noteDeadlockRetry() {
	if s.metrics != nil {
		s.metrics.DeadlockRetries.Inc()
	}
}

func (s *Store) noteUpsertConflict() {
	if s.metrics != nil {
		s.metrics.UpsertConflicts.Inc()
	}
}

// LookupForUpdate loads the row for (output, docKey) with a row lock, inside
// the caller's transaction. Returns nil when no row exists.
func (s *Store) LookupForUpdate(ctx context.Context, tx *sql.Tx, output, docKey string) (*Record, error) {
	var r Record
	err := tx.QueryRowContext(ctx,
		`SELECT id, connectionname, dockey, docuri, urihash, lastversion, lastoutputversion,
			lasttransformationversion, forcedparams, changecount, firstingest, lastingest,
			COALESCE(authorityname, '')
		FROM `+TableName+` WHERE dockey = $1 AND connectionname = $2 FOR UPDATE`,
		docKey, output,
	).Scan(&r.ID, &r.OutputConnection, &r.DocKey, &r.DocURI, &r.URIHash, &r.LastVersion,
		&r.LastOutputVersion, &r.LastTransformationVersion, &r.ForcedParams,
		&r.ChangeCount, &r.FirstIngest, &r.LastIngest, &r.AuthorityName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up ingest record: %w", err)
	}
	return &r, nil
}

// LookupURIInfo reads the URI state last recorded for (output, docKey).
// Deadlocks are retried in place; the read itself takes no row lock.
func (s *Store) LookupURIInfo(ctx context.Context, output, docKey string) (URIInfo, bool, error) {
	for attempt := 0; ; attempt++ {
		var uri, uriHash, outputVersion sql.NullString
		err := s.db.DB.QueryRowContext(ctx,
			`SELECT docuri, urihash, lastoutputversion FROM `+TableName+
				` WHERE dockey = $1 AND connectionname = $2`,
			docKey, output,
		).Scan(&uri, &uriHash, &outputVersion)
		if err == sql.ErrNoRows {
			return URIInfo{}, false, nil
		}
		if err != nil {
			if postgres.IsTransient(err) {
				s.noteDeadlockRetry()
				if err := s.backoff.Sleep(ctx, attempt); err != nil {
					return URIInfo{}, false, err
				}
				continue
			}
			return URIInfo{}, false, fmt.Errorf("looking up document uri: %w", err)
		}
		return URIInfo{URI: uri.String, URIHash: uriHash.String, OutputVersion: outputVersion.String}, true, nil
	}
}

// Upsert records an ingestion (or examination) of (output, docKey). It first
// tries an UPDATE under a row lock; if no row exists it INSERTs a fresh one.
// A unique-constraint violation means a concurrent insert won, so the loop
// goes back to the UPDATE. A deadlock in either step restarts the loop from
// the UPDATE after a randomized backoff. The loop runs until exactly one of the two outcomes
// commits.
func (s *Store) Upsert(ctx context.Context, output, docKey string, f IngestFields, ingestTime int64) error {
	for attempt := 0; ; attempt++ {
		updated, err := s.tryUpdate(ctx, output, docKey, f, ingestTime)
		if err != nil {
			if postgres.IsTransient(err) {
				s.noteDeadlockRetry()
				if err := s.backoff.Sleep(ctx, attempt); err != nil {
					return err
				}
				continue
			}
			return err
		}
		if updated {
			return nil
		}

		err = s.tryInsert(ctx, output, docKey, f, ingestTime)
		if err == nil {
			return nil
		}
		if postgres.IsUniqueViolation(err) {
			// A concurrent insert beat us; the row now exists, so update it.
			s.noteUpsertConflict()
			continue
		}
		if postgres.IsTransient(err) {
			s.noteDeadlockRetry()
			if err := s.backoff.Sleep(ctx, attempt); err != nil {
				return err
			}
			continue
		}
		return err
	}
}

// tryUpdate locks the row and rewrites its version state. The change counter
// advances only when a known version is overwritten: the placeholder write
// and the post-delivery write of one ingestion then count as a single event,
// and a crash-retry of either cannot double-count. Returns false when the row
// does not exist.
func (s *Store) tryUpdate(ctx context.Context, output, docKey string, f IngestFields, ingestTime int64) (bool, error) {
	updated := false
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		var id, changeCount int64
		var lastVersion sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT id, changecount, lastversion FROM `+TableName+
				` WHERE dockey = $1 AND connectionname = $2 FOR UPDATE`,
			docKey, output,
		).Scan(&id, &changeCount, &lastVersion)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("locking ingest record: %w", err)
		}
		if lastVersion.Valid {
			changeCount++
		}

		stmt := `UPDATE ` + TableName + ` SET
			lastversion = $1, lasttransformationversion = $2, lastoutputversion = $3,
			forcedparams = $4, authorityname = $5, lastingest = $6, changecount = $7`
		args := []any{
			f.DocumentVersion, f.TransformationVersion, f.OutputVersion,
			f.ParameterVersion, f.AuthorityName, ingestTime, changeCount,
		}
		if f.DocumentURI.Valid {
			stmt += `, docuri = $8, urihash = $9 WHERE id = $10`
			args = append(args, f.DocumentURI, f.URIHash, id)
		} else {
			stmt += ` WHERE id = $8`
			args = append(args, id)
		}
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("updating ingest record: %w", err)
		}
		updated = true
		return nil
	})
	return updated, err
}

// tryInsert creates the row with a fresh opaque id and change count 1.
func (s *Store) tryInsert(ctx context.Context, output, docKey string, f IngestFields, ingestTime int64) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO `+TableName+` (id, connectionname, dockey, docuri, urihash, lastversion,
			lasttransformationversion, lastoutputversion, forcedparams, authorityname,
			changecount, firstingest, lastingest)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $11)`,
		newID(), output, docKey, f.DocumentURI, f.URIHash, f.DocumentVersion,
		f.TransformationVersion, f.OutputVersion, f.ParameterVersion, f.AuthorityName,
		ingestTime,
	)
	if err != nil && !postgres.IsUniqueViolation(err) && !postgres.IsTransient(err) {
		return fmt.Errorf("inserting ingest record: %w", err)
	}
	return err
}

// DeleteOtherURIMatches removes every row of the output that carries the
// given URI hash, except the row for excludeDocKey. Used to clear stranded
// mirror state before a URI changes hands.
func (s *Store) DeleteOtherURIMatches(ctx context.Context, output, uriHash, excludeDocKey string) error {
	_, err := s.db.DB.ExecContext(ctx,
		`DELETE FROM `+TableName+` WHERE urihash = $1 AND connectionname = $2 AND dockey != $3`,
		uriHash, output, excludeDocKey,
	)
	if err != nil {
		return fmt.Errorf("deleting uri-matching records: %w", err)
	}
	return nil
}

// TouchDocuments bulk-updates lastingest for every (output, docKey) pair,
// recording that the documents were checked and found unchanged. All work
// happens in one transaction.
func (s *Store) TouchDocuments(ctx context.Context, outputs []string, docKeys []string, checkTime int64) error {
	keys := dedupe(docKeys)
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		ids := make(map[int64]struct{})
		for _, chunk := range chunks(keys, s.db.MaxInClause(len(outputs))) {
			if err := s.rowIDsForDocKeys(ctx, tx, outputs, chunk, ids); err != nil {
				return err
			}
		}
		for _, chunk := range chunks(idList(ids), s.db.MaxInClause(1)) {
			args := []any{checkTime}
			for _, id := range chunk {
				args = append(args, id)
			}
			stmt := `UPDATE ` + TableName + ` SET lastingest = $1 WHERE id IN (` +
				postgres.Placeholders(2, len(chunk)) + `)`
			if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
				return fmt.Errorf("updating last ingest time: %w", err)
			}
		}
		return nil
	})
}

// DeleteDocuments removes, in one transaction, every row of the output that
// matches one of the given URIs (hash search rechecked against the full URI)
// or one of the given document keys.
func (s *Store) DeleteDocuments(ctx context.Context, output string, uris []string, docKeys []string) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		ids := make(map[int64]struct{})
		uriSet := make(map[string]struct{}, len(uris))
		hashes := make([]string, 0, len(uris))
		for _, uri := range dedupe(uris) {
			uriSet[uri] = struct{}{}
			hashes = append(hashes, HashURI(uri))
		}
		for _, chunk := range chunks(hashes, s.db.MaxInClause(1)) {
			if err := s.rowIDsForURIHashes(ctx, tx, output, chunk, uriSet, ids); err != nil {
				return err
			}
		}
		if err := s.deleteRows(ctx, tx, ids); err != nil {
			return err
		}

		ids = make(map[int64]struct{})
		for _, chunk := range chunks(dedupe(docKeys), s.db.MaxInClause(1)) {
			if err := s.rowIDsForDocKeys(ctx, tx, []string{output}, chunk, ids); err != nil {
				return err
			}
		}
		return s.deleteRows(ctx, tx, ids)
	})
}

// rowIDsForURIHashes finds the ids of rows whose urihash is in the chunk and
// whose full URI is actually one of the requested URIs, defeating hash
// collisions.
func (s *Store) rowIDsForURIHashes(ctx context.Context, tx *sql.Tx, output string, hashChunk []string, uris map[string]struct{}, out map[int64]struct{}) error {
	if len(hashChunk) == 0 {
		return nil
	}
	args := []any{output}
	for _, h := range hashChunk {
		args = append(args, h)
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT id, docuri FROM `+TableName+` WHERE connectionname = $1 AND urihash IN (`+
			postgres.Placeholders(2, len(hashChunk))+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("finding rows by uri hash: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var uri sql.NullString
		if err := rows.Scan(&id, &uri); err != nil {
			return fmt.Errorf("scanning uri-hash row: %w", err)
		}
		if uri.Valid && uri.String != "" {
			if _, ok := uris[uri.String]; ok {
				out[id] = struct{}{}
			}
		}
	}
	return rows.Err()
}

// rowIDsForDocKeys finds the ids of rows matching the doc-key chunk across
// the given outputs.
func (s *Store) rowIDsForDocKeys(ctx context.Context, tx *sql.Tx, outputs []string, keyChunk []string, out map[int64]struct{}) error {
	if len(keyChunk) == 0 || len(outputs) == 0 {
		return nil
	}
	args := make([]any, 0, len(keyChunk)+len(outputs))
	for _, k := range keyChunk {
		args = append(args, k)
	}
	for _, o := range outputs {
		args = append(args, o)
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM `+TableName+` WHERE dockey IN (`+postgres.Placeholders(1, len(keyChunk))+
			`) AND connectionname IN (`+postgres.Placeholders(1+len(keyChunk), len(outputs))+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("finding rows by doc key: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scanning doc-key row: %w", err)
		}
		out[id] = struct{}{}
	}
	return rows.Err()
}

// deleteRows deletes the accumulated row ids in chunks.
func (s *Store) deleteRows(ctx context.Context, tx *sql.Tx, ids map[int64]struct{}) error {
	for _, chunk := range chunks(idList(ids), s.db.MaxInClause(0)) {
		args := make([]any, 0, len(chunk))
		for _, id := range chunk {
			args = append(args, id)
		}
		stmt := `DELETE FROM ` + TableName + ` WHERE id IN (` + postgres.Placeholders(1, len(chunk)) + `)`
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("deleting rows: %w", err)
		}
	}
	return nil
}

// URIInfoMultiple returns the recorded URI state for each doc key that has a
// row under the output. Keys without rows are absent from the result; rows
// that recorded a version without delivering have an empty URI.
func (s *Store) URIInfoMultiple(ctx context.Context, output string, docKeys []string) (map[string]URIInfo, error) {
	result := make(map[string]URIInfo)
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		for _, chunk := range chunks(dedupe(docKeys), s.db.MaxInClause(1)) {
			args := []any{output}
			for _, k := range chunk {
				args = append(args, k)
			}
			rows, err := tx.QueryContext(ctx,
				`SELECT dockey, docuri, urihash, lastoutputversion FROM `+TableName+
					` WHERE connectionname = $1 AND dockey IN (`+postgres.Placeholders(2, len(chunk))+`)`,
				args...,
			)
			if err != nil {
				return fmt.Errorf("finding document uris: %w", err)
			}
			for rows.Next() {
				var key string
				var uri, uriHash, outputVersion sql.NullString
				if err := rows.Scan(&key, &uri, &uriHash, &outputVersion); err != nil {
					rows.Close()
					return fmt.Errorf("scanning document uri row: %w", err)
				}
				result[key] = URIInfo{URI: uri.String, URIHash: uriHash.String, OutputVersion: outputVersion.String}
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return err
			}
			rows.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Statuses loads the stored version state for every (docKey, output) pair
// that has a row. Missing pairs are simply absent.
func (s *Store) Statuses(ctx context.Context, outputs []string, docKeys []string) (map[StatusKey]Status, error) {
	result := make(map[StatusKey]Status)
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		for _, chunk := range chunks(dedupe(docKeys), s.db.MaxInClause(len(outputs))) {
			args := make([]any, 0, len(chunk)+len(outputs))
			for _, k := range chunk {
				args = append(args, k)
			}
			for _, o := range outputs {
				args = append(args, o)
			}
			rows, err := tx.QueryContext(ctx,
				`SELECT dockey, connectionname, COALESCE(lastversion, ''), COALESCE(lasttransformationversion, ''),
					COALESCE(lastoutputversion, ''), COALESCE(forcedparams, ''), COALESCE(authorityname, '')
				FROM `+TableName+` WHERE dockey IN (`+postgres.Placeholders(1, len(chunk))+
					`) AND connectionname IN (`+postgres.Placeholders(1+len(chunk), len(outputs))+`)`,
				args...,
			)
			if err != nil {
				return fmt.Errorf("loading ingest statuses: %w", err)
			}
			for rows.Next() {
				var key StatusKey
				var st Status
				if err := rows.Scan(&key.DocKey, &key.OutputConnection, &st.DocumentVersion,
					&st.TransformationVersion, &st.OutputVersion, &st.ParameterVersion, &st.AuthorityName); err != nil {
					rows.Close()
					return fmt.Errorf("scanning ingest status row: %w", err)
				}
				result[key] = st
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return err
			}
			rows.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateIntervals computes, per doc key, the smallest average change interval
// across the given outputs: (lastingest - firstingest) / changecount, in
// milliseconds. Keys never ingested are absent from the result.
func (s *Store) UpdateIntervals(ctx context.Context, outputs []string, docKeys []string) (map[string]int64, error) {
	result := make(map[string]int64)
	for _, chunk := range chunks(dedupe(docKeys), s.db.MaxInClause(len(outputs))) {
		args := make([]any, 0, len(chunk)+len(outputs))
		for _, k := range chunk {
			args = append(args, k)
		}
		for _, o := range outputs {
			args = append(args, o)
		}
		rows, err := s.db.DB.QueryContext(ctx,
			`SELECT dockey, changecount, firstingest, lastingest FROM `+TableName+
				` WHERE dockey IN (`+postgres.Placeholders(1, len(chunk))+
				`) AND connectionname IN (`+postgres.Placeholders(1+len(chunk), len(outputs))+`)`,
			args...,
		)
		if err != nil {
			return nil, fmt.Errorf("loading update intervals: %w", err)
		}
		for rows.Next() {
			var key string
			var changeCount, first, last int64
			if err := rows.Scan(&key, &changeCount, &first, &last); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning interval row: %w", err)
			}
			interval := int64(float64(last-first) / float64(changeCount))
			if cur, ok := result[key]; !ok || interval < cur {
				result[key] = interval
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return result, nil
}

// ResetOutput blanks the document version of every row under the output, so
// every document is reindexed the next time it is checked.
func (s *Store) ResetOutput(ctx context.Context, output string) error {
	_, err := s.db.DB.ExecContext(ctx,
		`UPDATE `+TableName+` SET lastversion = NULL WHERE connectionname = $1`, output)
	if err != nil {
		return fmt.Errorf("resetting output connection %s: %w", output, err)
	}
	return nil
}

// DeleteOutput removes every row under the output.
func (s *Store) DeleteOutput(ctx context.Context, output string) error {
	_, err := s.db.DB.ExecContext(ctx,
		`DELETE FROM `+TableName+` WHERE connectionname = $1`, output)
	if err != nil {
		return fmt.Errorf("removing output connection %s: %w", output, err)
	}
	return nil
}

// ClearAll wipes the entire table.
func (s *Store) ClearAll(ctx context.Context) error {
	if _, err := s.db.DB.ExecContext(ctx, `DELETE FROM `+TableName); err != nil {
		return fmt.Errorf("clearing ingest records: %w", err)
	}
	return nil
}

// dedupe returns values with duplicates removed, preserving first-seen order.
func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// chunks splits values into slices of at most size elements.
func chunks[T any](values []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	var out [][]T
	for start := 0; start < len(values); start += size {
		end := start + size
		if end > len(values) {
			end = len(values)
		}
		out = append(out, values[start:end])
	}
	return out
}

func idList(ids map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}
