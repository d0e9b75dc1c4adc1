package index

import (
	"context"

	"github.com/hupe1980/recgo/codec"
	"github.com/hupe1980/recgo/logstore"
	"github.com/hupe1980/recgo/model"
	"github.com/hupe1980/recgo/schema"
)

// progressEvery is the record interval between progress emissions during a
// build.
const progressEvery = 1000

// Build performs the one-time forward scan of the log and produces the index
// set. Processing is in file order; meta records for an id are totally
// ordered, so the last record wins without further conflict resolution.
//
// A structurally invalid pair (unparsable meta or data, or a length/hash
// mismatch) aborts the build with a CorruptionError naming the offset; the
// engine never auto-repairs.
func Build(ctx context.Context, ls *logstore.Store, sch *schema.Schema, onProgress func(pct float64, msg string)) (*Store, error) {
	st := NewStore(sch)

	size, err := ls.Size()
	if err != nil {
		return nil, err
	}
	logBytes := size - ls.HeaderLen()

	var processed int64
	emit := func(e logstore.Entry, final bool) {
		if onProgress == nil {
			return
		}
		pct := 100.0
		if !final && logBytes > 0 {
			pct = float64(e.MetaOffset+e.Size-ls.HeaderLen()) / float64(logBytes) * 100
		}
		onProgress(pct, "building indexes")
	}

	c := ls.Codec()
	var last logstore.Entry
	for entry, err := range ls.Scan(ls.HeaderLen()) {
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch entry.Meta.Op {
		case logstore.OpPut:
			doc, err := decodeData(c, entry)
			if err != nil {
				return nil, err
			}
			// Restore datetime kinds so rebuilt indexes hold the same typed
			// values the live write path mirrors in.
			sch.CoerceStored(doc)
			st.ApplyPut(doc, entry)
		case logstore.OpDel:
			st.ApplyDelete(entry)
		}

		processed++
		last = entry
		if processed%progressEvery == 0 {
			emit(entry, false)
		}
	}
	if processed > 0 {
		emit(last, true)
	}

	return st, nil
}

// decodeData verifies the data line against its meta record and parses it
// once into the value tree.
func decodeData(c codec.Codec, e logstore.Entry) (model.Object, error) {
	if int64(len(e.Data)) != e.Meta.LenData {
		return nil, &logstore.CorruptionError{
			Offset: e.DataOffset,
			Reason: "data line length mismatch against meta record",
		}
	}
	if logstore.HashLine(e.Data) != e.Meta.SHA256Data {
		return nil, &logstore.CorruptionError{
			Offset: e.DataOffset,
			Reason: "data line hash mismatch against meta record",
		}
	}

	var raw map[string]any
	if err := c.Unmarshal(e.Data, &raw); err != nil {
		return nil, &logstore.CorruptionError{
			Offset: e.DataOffset,
			Reason: "unparsable data line",
		}
	}
	doc, err := model.ObjectFromAny(raw)
	if err != nil {
		return nil, &logstore.CorruptionError{
			Offset: e.DataOffset,
			Reason: "data line does not decode into a record",
		}
	}
	return doc, nil
}
