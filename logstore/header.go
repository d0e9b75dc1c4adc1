package logstore

import (
	"bufio"
	"bytes"
	"fmt"
	"time"

	"github.com/hupe1980/recgo/codec"
	"github.com/hupe1980/recgo/schema"
	"github.com/hupe1980/recgo/taxonomy"
)

// FormatName identifies the on-disk format in the header line.
const FormatName = "recgo/jsonl"

// Tags of the fixed leading records.
const (
	tagHeader     = "header"
	tagSchema     = "schema"
	tagTaxonomies = "taxonomies"
	tagBegin      = "begin"
	tagMeta       = "meta"
)

// Header carries the format and table metadata of the first header line.
type Header struct {
	Format  string
	Table   string
	Comment string
	Created time.Time
	// DefaultsAlwaysMaterialized records that every stored data line has all
	// schema defaults materialized. Always true for files this engine writes.
	DefaultsAlwaysMaterialized bool
}

// HeaderDoc is the full decoded header: the four fixed leading records minus
// the begin sentinel.
type HeaderDoc struct {
	Info       Header
	Fields     schema.Fields
	Taxonomies taxonomy.Set
}

type headerLine struct {
	T       string `json:"_t"`
	Format  string `json:"format"`
	Table   string `json:"table"`
	Comment string `json:"comment,omitempty"`
	Created string `json:"created"`
	DAM     bool   `json:"defaults_always_materialized"`
}

type schemaLine struct {
	T      string        `json:"_t"`
	Fields schema.Fields `json:"fields"`
}

type taxoLine struct {
	T     string       `json:"_t"`
	Items taxonomy.Set `json:"items"`
}

type beginLine struct {
	T string `json:"_t"`
}

// EncodeHeader encodes the four header lines.
func EncodeHeader(c codec.Codec, doc HeaderDoc) ([]byte, error) {
	var buf bytes.Buffer

	lines := []any{
		headerLine{
			T:       tagHeader,
			Format:  doc.Info.Format,
			Table:   doc.Info.Table,
			Comment: doc.Info.Comment,
			Created: doc.Info.Created.UTC().Format(time.RFC3339Nano),
			DAM:     doc.Info.DefaultsAlwaysMaterialized,
		},
		schemaLine{T: tagSchema, Fields: doc.Fields},
		taxoLine{T: tagTaxonomies, Items: doc.Taxonomies},
		beginLine{T: tagBegin},
	}
	for _, line := range lines {
		b, err := codec.MarshalLine(c, line)
		if err != nil {
			return nil, fmt.Errorf("encode header: %w", err)
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

// ParseHeader reads and validates the four fixed leading records. It returns
// the decoded header and the byte length of the header region.
func ParseHeader(c codec.Codec, r *bufio.Reader) (HeaderDoc, int64, error) {
	var doc HeaderDoc
	var total int64

	readLine := func() ([]byte, error) {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		total += int64(len(line))
		return line, nil
	}

	// Line 1: header
	line, err := readLine()
	if err != nil {
		return doc, 0, &CorruptionError{Offset: total, Reason: "missing header record", cause: err}
	}
	var hl headerLine
	if err := c.Unmarshal(line, &hl); err != nil || hl.T != tagHeader {
		return doc, 0, &CorruptionError{Offset: 0, Reason: "first record is not a header", cause: err}
	}
	created, err := time.Parse(time.RFC3339Nano, hl.Created)
	if err != nil {
		return doc, 0, &CorruptionError{Offset: 0, Reason: fmt.Sprintf("invalid created timestamp %q", hl.Created)}
	}
	doc.Info = Header{
		Format:                     hl.Format,
		Table:                      hl.Table,
		Comment:                    hl.Comment,
		Created:                    created,
		DefaultsAlwaysMaterialized: hl.DAM,
	}

	// Line 2: schema
	off := total
	line, err = readLine()
	if err != nil {
		return doc, 0, &CorruptionError{Offset: off, Reason: "missing schema record", cause: err}
	}
	var sl schemaLine
	if err := c.Unmarshal(line, &sl); err != nil || sl.T != tagSchema {
		return doc, 0, &CorruptionError{Offset: off, Reason: "second record is not a schema", cause: err}
	}
	doc.Fields = sl.Fields

	// Line 3: taxonomies
	off = total
	line, err = readLine()
	if err != nil {
		return doc, 0, &CorruptionError{Offset: off, Reason: "missing taxonomies record", cause: err}
	}
	var tl taxoLine
	if err := c.Unmarshal(line, &tl); err != nil || tl.T != tagTaxonomies {
		return doc, 0, &CorruptionError{Offset: off, Reason: "third record is not a taxonomies record", cause: err}
	}
	doc.Taxonomies = tl.Items
	if doc.Taxonomies == nil {
		doc.Taxonomies = taxonomy.Set{}
	}

	// Line 4: begin sentinel
	off = total
	line, err = readLine()
	if err != nil {
		return doc, 0, &CorruptionError{Offset: off, Reason: "missing begin sentinel", cause: err}
	}
	var bl beginLine
	if err := c.Unmarshal(line, &bl); err != nil || bl.T != tagBegin {
		return doc, 0, &CorruptionError{Offset: off, Reason: "fourth record is not the begin sentinel", cause: err}
	}

	return doc, total, nil
}
