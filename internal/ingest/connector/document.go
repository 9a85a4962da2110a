package connector

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"
)

// Document is the unit of data flowing through a pipeline: a binary stream
// plus metadata fields. The stream is single-use; DocumentFactory produces
// fresh independent streams when a fan-out needs more than one copy.
type Document struct {
	Binary       io.Reader
	BinaryLength int64
	FileName     string
	MimeType     string
	ModifiedDate time.Time
	IndexingDate time.Time
	Fields       map[string][]string
}

// copyFields deep-copies the metadata map so sibling stages cannot observe
// each other's mutations.
func (d *Document) copyFields() map[string][]string {
	if d.Fields == nil {
		return nil
	}
	out := make(map[string][]string, len(d.Fields))
	for k, v := range d.Fields {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// spillThreshold is the largest document buffered in memory by a
// DocumentFactory; anything bigger goes to a temp file.
const spillThreshold = 8 << 20

// DocumentFactory drains a document's stream once and can then mint any
// number of independent documents, each with its own readable view.
type DocumentFactory struct {
	template *Document
	buf      []byte
	spill    *os.File
	readers  []*os.File
}

// NewDocumentFactory consumes doc.Binary. Close must be called when all
// minted documents have been processed.
func NewDocumentFactory(doc *Document) (*DocumentFactory, error) {
	f := &DocumentFactory{template: doc}
	if doc.Binary == nil {
		return f, nil
	}
	if doc.BinaryLength >= 0 && doc.BinaryLength <= spillThreshold {
		data, err := io.ReadAll(doc.Binary)
		if err != nil {
			return nil, fmt.Errorf("buffering document stream: %w", err)
		}
		f.buf = data
		return f, nil
	}
	tmp, err := os.CreateTemp("", "ingest-doc-*")
	if err != nil {
		return nil, fmt.Errorf("creating spill file: %w", err)
	}
	if _, err := io.Copy(tmp, doc.Binary); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("spilling document stream: %w", err)
	}
	f.spill = tmp
	return f, nil
}

// NewDocument returns a copy of the original document with a fresh stream.
func (f *DocumentFactory) NewDocument() (*Document, error) {
	doc := &Document{
		BinaryLength: f.template.BinaryLength,
		FileName:     f.template.FileName,
		MimeType:     f.template.MimeType,
		ModifiedDate: f.template.ModifiedDate,
		IndexingDate: f.template.IndexingDate,
		Fields:       f.template.copyFields(),
	}
	switch {
	case f.spill != nil:
		r, err := os.Open(f.spill.Name())
		if err != nil {
			return nil, fmt.Errorf("reopening spill file: %w", err)
		}
		f.readers = append(f.readers, r)
		doc.Binary = r
	case f.buf != nil:
		doc.Binary = bytes.NewReader(f.buf)
	}
	return doc, nil
}

// Close releases the factory's buffers, minted readers, and spill file.
func (f *DocumentFactory) Close() error {
	f.buf = nil
	for _, r := range f.readers {
		r.Close()
	}
	f.readers = nil
	if f.spill != nil {
		name := f.spill.Name()
		f.spill.Close()
		f.spill = nil
		if err := os.Remove(name); err != nil {
			return fmt.Errorf("removing spill file: %w", err)
		}
	}
	return nil
}
