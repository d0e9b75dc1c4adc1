// Package logstore owns the physical log file: header parsing and writing,
// append of meta+data line pairs, safe tail reads under concurrent writers,
// atomic whole-file replacement and the cross-process lock file protocol.
//
// The file is newline-delimited UTF-8 JSON: four fixed header records
// (header, schema, taxonomies, begin) followed by meta(+data) pairs. The
// store never interprets data lines; it hands raw bytes to its callers.
package logstore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/natefinch/atomic"

	"github.com/hupe1980/recgo/codec"
)

var (
	// ErrLockTimeout is returned when the cross-process lock retry budget is
	// exhausted.
	ErrLockTimeout = errors.New("lock acquisition timed out")
	// ErrTailReadTimeout is returned when a data line stays unterminated
	// beyond the tail-read retry budget.
	ErrTailReadTimeout = errors.New("tail read timed out")
	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("log store is closed")
)

// CorruptionError reports a structurally invalid record at a file offset.
// Corruption is never auto-repaired; restore from backup.
type CorruptionError struct {
	Offset int64
	Reason string
	cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt log at offset %d: %s", e.Offset, e.Reason)
}

func (e *CorruptionError) Unwrap() error { return e.cause }

// RetryPolicy bounds a blocking step: at most Attempts retries with a fixed
// Sleep between them. Retries never block indefinitely.
type RetryPolicy struct {
	Attempts uint64
	Sleep    time.Duration
}

// Do runs op under the policy. Transient failures are retried; when the
// budget is exhausted the sentinel is returned wrapping the last failure.
// Wrap a non-retryable failure in backoff.Permanent to abort immediately.
func (p RetryPolicy) Do(ctx context.Context, sentinel error, op func() error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Sleep), p.Attempts),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return fmt.Errorf("%w: %v", sentinel, err)
	}
	return nil
}

// Store owns the file handles and offsets of one log file. Append is not safe
// for concurrent use; callers serialize writers upstream. Reads via ReadDataAt
// are safe concurrently with appends.
type Store struct {
	path      string
	codec     codec.Codec
	f         *os.File // append handle
	rf        *os.File // shared read handle (ReadAt only)
	headerLen int64
	doc       HeaderDoc
	lock      *FileLock
	tailRetry RetryPolicy
	closed    bool
}

// OpenOrInit opens the log file at path, creating it with the given header
// when absent. The returned bool reports whether the file was created.
//
// When the file exists its header is parsed and returned as-is; schema
// mismatch handling (migration) is the caller's concern.
func OpenOrInit(path string, c codec.Codec, init HeaderDoc, lockRetry, tailRetry RetryPolicy) (*Store, bool, error) {
	if c == nil {
		c = codec.Default
	}

	lock, err := OpenFileLock(path+".lock", lockRetry)
	if err != nil {
		return nil, false, fmt.Errorf("open lock file: %w", err)
	}

	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		header, err := EncodeHeader(c, init)
		if err != nil {
			return nil, false, err
		}
		if err := atomic.WriteFile(path, bytes.NewReader(header)); err != nil {
			return nil, false, fmt.Errorf("init log file: %w", err)
		}
		created = true
	} else if err != nil {
		return nil, false, err
	}

	s := &Store{
		path:      path,
		codec:     c,
		lock:      lock,
		tailRetry: tailRetry,
	}
	if err := s.openHandles(); err != nil {
		return nil, false, err
	}
	return s, created, nil
}

func (s *Store) openHandles() error {
	f, err := os.OpenFile(s.path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	rf, err := os.Open(s.path)
	if err != nil {
		f.Close()
		return err
	}

	doc, headerLen, err := ParseHeader(s.codec, bufio.NewReader(rf))
	if err != nil {
		f.Close()
		rf.Close()
		return err
	}

	s.f = f
	s.rf = rf
	s.doc = doc
	s.headerLen = headerLen
	return nil
}

// Path returns the log file path.
func (s *Store) Path() string { return s.path }

// Header returns the decoded header of the currently open file.
func (s *Store) Header() HeaderDoc { return s.doc }

// HeaderLen returns the byte length of the header region; the log region
// starts here.
func (s *Store) HeaderLen() int64 { return s.headerLen }

// Codec returns the line codec.
func (s *Store) Codec() codec.Codec { return s.codec }

// Lock returns the cross-process file lock.
func (s *Store) Lock() *FileLock { return s.lock }

// Size returns the current file size in bytes.
func (s *Store) Size() (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	fi, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// AppendPair appends a meta line and, for puts, its data line as one logical
// write. LenData and SHA256Data are computed here. The pair is durably on
// disk when the call returns.
func (s *Store) AppendPair(meta Meta, data []byte) (Entry, error) {
	if s.closed {
		return Entry{}, ErrClosed
	}
	if meta.Op == OpPut {
		meta.LenData = int64(len(data))
		meta.SHA256Data = HashLine(data)
	} else {
		data = nil
	}

	metaLine, err := encodeMeta(s.codec, meta)
	if err != nil {
		return Entry{}, fmt.Errorf("encode meta: %w", err)
	}

	buf := make([]byte, 0, len(metaLine)+len(data)+1)
	buf = append(buf, metaLine...)
	dataOffset := int64(-1)
	if meta.Op == OpPut {
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}

	offset, err := s.f.Seek(0, io.SeekEnd)
	if err != nil {
		return Entry{}, err
	}
	if _, err := s.f.Write(buf); err != nil {
		return Entry{}, fmt.Errorf("append pair: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return Entry{}, fmt.Errorf("sync after append: %w", err)
	}

	if meta.Op == OpPut {
		dataOffset = offset + int64(len(metaLine))
	}
	return Entry{
		Meta:       meta,
		MetaOffset: offset,
		DataOffset: dataOffset,
		Size:       int64(len(buf)),
		Data:       data,
	}, nil
}

// Scan produces a lazy forward sequence of entries from the given byte offset
// to the end of file. Iteration stops at the first error. The sequence opens
// its own read handle and is restartable.
func (s *Store) Scan(from int64) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		f, err := os.Open(s.path)
		if err != nil {
			yield(Entry{}, err)
			return
		}
		defer f.Close()

		if _, err := f.Seek(from, io.SeekStart); err != nil {
			yield(Entry{}, err)
			return
		}

		r := bufio.NewReaderSize(f, 1<<16)
		offset := from
		for {
			line, err := r.ReadBytes('\n')
			if err == io.EOF && len(line) == 0 {
				return
			}
			if err != nil {
				yield(Entry{}, &CorruptionError{Offset: offset, Reason: "unterminated record at end of file", cause: err})
				return
			}

			meta, err := decodeMeta(s.codec, line, offset)
			if err != nil {
				yield(Entry{}, err)
				return
			}

			entry := Entry{
				Meta:       meta,
				MetaOffset: offset,
				DataOffset: -1,
				Size:       int64(len(line)),
			}
			offset += int64(len(line))

			if meta.Op == OpPut {
				data, err := r.ReadBytes('\n')
				if err != nil {
					yield(Entry{}, &CorruptionError{Offset: offset, Reason: "meta record without data line", cause: err})
					return
				}
				entry.DataOffset = offset
				entry.Size += int64(len(data))
				entry.Data = bytes.TrimSuffix(data, []byte("\n"))
				offset += int64(len(data))
			}

			if !yield(entry, nil) {
				return
			}
		}
	}
}

// ReadDataAt returns the raw bytes of the data line at offset, without the
// terminating newline. A line that is mid-write by another process (no
// newline yet) is retried under the tail-read policy before failing with
// ErrTailReadTimeout.
func (s *Store) ReadDataAt(ctx context.Context, offset int64) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}

	var line []byte
	err := s.tailRetry.Do(ctx, ErrTailReadTimeout, func() error {
		b, err := s.readLineAt(offset)
		if err != nil {
			if errors.Is(err, errUnterminated) {
				return err // transient, retry
			}
			return backoff.Permanent(err)
		}
		line = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return line, nil
}

var errUnterminated = errors.New("line not yet terminated")

func (s *Store) readLineAt(offset int64) ([]byte, error) {
	const chunkSize = 4096
	var buf []byte
	at := offset
	chunk := make([]byte, chunkSize)
	for {
		n, err := s.rf.ReadAt(chunk, at)
		if n > 0 {
			if i := bytes.IndexByte(chunk[:n], '\n'); i >= 0 {
				return append(buf, chunk[:i]...), nil
			}
			buf = append(buf, chunk[:n]...)
			at += int64(n)
		}
		if err == io.EOF {
			return nil, errUnterminated
		}
		if err != nil {
			return nil, err
		}
	}
}

// WritePair encodes a meta line and, for puts, its data line into w. LenData
// and SHA256Data are recomputed from data. Used by maintenance rewrites; the
// written bytes match what AppendPair would produce.
func WritePair(w io.Writer, c codec.Codec, meta Meta, data []byte) (int64, error) {
	if meta.Op == OpPut {
		meta.LenData = int64(len(data))
		meta.SHA256Data = HashLine(data)
	} else {
		data = nil
	}
	metaLine, err := encodeMeta(c, meta)
	if err != nil {
		return 0, fmt.Errorf("encode meta: %w", err)
	}
	n, err := w.Write(metaLine)
	if err != nil {
		return int64(n), err
	}
	total := int64(n)
	if meta.Op == OpPut {
		n, err = w.Write(data)
		total += int64(n)
		if err != nil {
			return total, err
		}
		n, err = w.Write([]byte{'\n'})
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// CopyRegion copies the raw file bytes from offset to the current end of file
// into w. Used by header-only rewrites to carry the log region unchanged.
func (s *Store) CopyRegion(w io.Writer, from int64) (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	return io.Copy(w, io.NewSectionReader(s.rf, from, 1<<62))
}

// Replace atomically replaces the file with content produced by build. The
// temporary file lives in the same directory; after the rename the store
// handles are reopened and the header re-parsed. Any failure before the
// rename leaves the original file untouched and discards the temporary.
func (s *Store) Replace(build func(w io.Writer) error) error {
	if s.closed {
		return ErrClosed
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriterSize(tmp, 1<<16)
	if err := build(w); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := atomic.ReplaceFile(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace log file: %w", err)
	}

	s.f.Close()
	s.rf.Close()
	return s.openHandles()
}

// Close closes the file handles. The lock file is never deleted while an
// engine instance may still reference it.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err1 := s.f.Close()
	err2 := s.rf.Close()
	err3 := s.lock.Close()
	if err1 != nil {
		return err1
	}
	if err2 != nil {
		return err2
	}
	return err3
}
