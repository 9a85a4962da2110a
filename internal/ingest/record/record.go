// Package record implements the persistent ingest-state store: one row per
// (output connection, document key) holding the version fingerprints and URI
// last delivered to that output. All mutation paths are safe under concurrent
// ingestion and deletion; deadlocks are retried with randomized backoff and
// racing inserts are resolved through the unique key index.
package record

import (
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"sync/atomic"
	"time"
)

// TableName is the ingest-state table.
const TableName = "ingeststatus"

// Record is one row of the ingest-state table.
type Record struct {
	ID                        int64
	OutputConnection          string
	DocKey                    string
	DocURI                    sql.NullString
	URIHash                   sql.NullString
	LastVersion               sql.NullString
	LastOutputVersion         sql.NullString
	LastTransformationVersion sql.NullString
	ForcedParams              sql.NullString
	ChangeCount               int64
	FirstIngest               int64
	LastIngest                int64
	AuthorityName             string
}

// URIInfo is the slice of a row needed to displace or remove a previously
// delivered document. URI is empty when the row recorded a version without
// delivering anything.
type URIInfo struct {
	URI           string
	URIHash       string
	OutputVersion string
}

// IngestFields carries the values written by an upsert. Invalid NullStrings
// become SQL NULL for the version fields; an invalid DocumentURI leaves the
// stored URI untouched on update (and NULL on insert).
type IngestFields struct {
	DocumentVersion       sql.NullString
	TransformationVersion sql.NullString
	OutputVersion         sql.NullString
	ParameterVersion      sql.NullString
	AuthorityName         string
	DocumentURI           sql.NullString
	URIHash               sql.NullString
}

// Status is the stored version state reported to callers; NULL columns are
// flattened to empty strings.
type Status struct {
	DocumentVersion       string
	TransformationVersion string
	OutputVersion         string
	ParameterVersion      string
	AuthorityName         string
}

// StatusKey addresses one Status in a bulk lookup result.
type StatusKey struct {
	DocKey           string
	OutputConnection string
}

// MakeKey builds the document key stored in the table from an identifier
// class and the hashed repository identifier.
func MakeKey(identifierClass, identifierHash string) string {
	return identifierClass + ":" + identifierHash
}

// HashURI returns the 40-char hex hash under which a document URI is indexed.
// DeleteDocuments rechecks hash matches against the full URI;
// DeleteOtherURIMatches matches on the hash alone.
func HashURI(uri string) string {
	sum := sha1.Sum([]byte(uri))
	return hex.EncodeToString(sum[:])
}

var idCounter atomic.Int64

// newID mints an opaque, time-ordered row id. The unique primary key index
// backstops the astronomically unlikely cross-process collision; the upsert
// loop would then simply retry with a fresh id.
func newID() int64 {
	return time.Now().UnixMilli()<<20 | (idCounter.Add(1) & 0xFFFFF)
}
