package logstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/hupe1980/recgo/codec"
)

// Op is the operation kind of a meta record.
type Op string

const (
	// OpPut records the append of a new data line for an id.
	OpPut Op = "put"
	// OpDel records the logical deletion of an id. Del metas carry no data
	// line.
	OpDel Op = "del"
)

// Meta is one meta record of the log. One meta record always precedes its
// paired data line; deletes have no data line. The last meta record for an id
// (by file position) is authoritative.
type Meta struct {
	ID string
	Op Op
	TS time.Time
	// LenData and SHA256Data describe the paired data line (without the
	// terminating newline). Zero-valued for deletes.
	LenData    int64
	SHA256Data string
}

type metaLine struct {
	T       string `json:"_t"`
	ID      string `json:"id"`
	Op      string `json:"op"`
	TS      string `json:"ts"`
	LenData int64  `json:"len_data,omitempty"`
	SHA     string `json:"sha256_data,omitempty"`
}

// HashLine returns the hex sha256 of a data line (without newline).
func HashLine(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func encodeMeta(c codec.Codec, m Meta) ([]byte, error) {
	return codec.MarshalLine(c, metaLine{
		T:       tagMeta,
		ID:      m.ID,
		Op:      string(m.Op),
		TS:      m.TS.UTC().Format(time.RFC3339Nano),
		LenData: m.LenData,
		SHA:     m.SHA256Data,
	})
}

func decodeMeta(c codec.Codec, line []byte, offset int64) (Meta, error) {
	var ml metaLine
	if err := c.Unmarshal(line, &ml); err != nil {
		return Meta{}, &CorruptionError{Offset: offset, Reason: "unparsable meta record", cause: err}
	}
	if ml.T != tagMeta {
		return Meta{}, &CorruptionError{Offset: offset, Reason: fmt.Sprintf("unexpected record tag %q", ml.T)}
	}
	if ml.Op != string(OpPut) && ml.Op != string(OpDel) {
		return Meta{}, &CorruptionError{Offset: offset, Reason: fmt.Sprintf("unknown meta op %q", ml.Op)}
	}
	if ml.ID == "" {
		return Meta{}, &CorruptionError{Offset: offset, Reason: "meta record without id"}
	}
	ts, err := time.Parse(time.RFC3339Nano, ml.TS)
	if err != nil {
		return Meta{}, &CorruptionError{Offset: offset, Reason: fmt.Sprintf("invalid meta timestamp %q", ml.TS)}
	}
	return Meta{
		ID:         ml.ID,
		Op:         Op(ml.Op),
		TS:         ts,
		LenData:    ml.LenData,
		SHA256Data: ml.SHA,
	}, nil
}

// Entry is one scanned meta record plus its runtime file geometry. Offsets
// are never persisted.
type Entry struct {
	Meta Meta
	// MetaOffset is the byte offset of the meta line.
	MetaOffset int64
	// DataOffset is the byte offset of the paired data line, or -1 for
	// deletes.
	DataOffset int64
	// Size is the total byte size of the pair (meta line plus data line,
	// newlines included).
	Size int64
	// Data is the raw data line without its newline; nil for deletes.
	// Populated by Scan and AppendPair, never persisted beyond the line
	// itself.
	Data []byte
}
