package recgo

import (
	"log/slog"
	"time"

	"github.com/hupe1980/recgo/blobstore"
	"github.com/hupe1980/recgo/codec"
	"github.com/hupe1980/recgo/logstore"
)

type options struct {
	codec            codec.Codec
	logger           *Logger
	progress         ProgressFunc
	lockRetry        logstore.RetryPolicy
	tailRetry        logstore.RetryPolicy
	maintRetry       logstore.RetryPolicy
	compactThreshold float64
	autoCompact      bool
	blobs            blobstore.Store
	backupKeep       int
	table            string
	comment          string
}

// Option configures Open behavior.
type Option func(*options)

// WithCodec configures the codec used for every line encode and decode.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithProgress configures the progress sink for long-running operations.
func WithProgress(fn ProgressFunc) Option {
	return func(o *options) {
		o.progress = fn
	}
}

// WithLockRetry bounds cross-process lock acquisition: at most attempts
// retries with a fixed sleep between them.
func WithLockRetry(attempts uint64, sleep time.Duration) Option {
	return func(o *options) {
		o.lockRetry = logstore.RetryPolicy{Attempts: attempts, Sleep: sleep}
	}
}

// WithTailReadRetry bounds the wait for a data line still mid-write by
// another process.
func WithTailReadRetry(attempts uint64, sleep time.Duration) Option {
	return func(o *options) {
		o.tailRetry = logstore.RetryPolicy{Attempts: attempts, Sleep: sleep}
	}
}

// WithMaintenanceRetry bounds how long ordinary operations wait out an active
// maintenance barrier before failing with ErrMaintenanceTimeout.
func WithMaintenanceRetry(attempts uint64, sleep time.Duration) Option {
	return func(o *options) {
		o.maintRetry = logstore.RetryPolicy{Attempts: attempts, Sleep: sleep}
	}
}

// WithCompactionThreshold sets the garbage ratio at or above which Compact
// rewrites the file. Below it Compact is a no-op.
func WithCompactionThreshold(ratio float64) Option {
	return func(o *options) {
		o.compactThreshold = ratio
	}
}

// WithAutoCompaction enables a compaction check after every committed write.
func WithAutoCompaction(enabled bool) Option {
	return func(o *options) {
		o.autoCompact = enabled
	}
}

// WithBlobStore configures the blob backend. When unset, a local
// content-addressed store under "<path>.blobs" is used.
func WithBlobStore(s blobstore.Store) Option {
	return func(o *options) {
		o.blobs = s
	}
}

// WithBackupKeep sets how many rolling backups are retained.
func WithBackupKeep(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.backupKeep = n
		}
	}
}

// WithTable sets the table name written into the header of a new file.
func WithTable(name string) Option {
	return func(o *options) {
		o.table = name
	}
}

// WithComment sets the free-form comment written into the header of a new
// file.
func WithComment(comment string) Option {
	return func(o *options) {
		o.comment = comment
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:           NoopLogger(),
		lockRetry:        logstore.RetryPolicy{Attempts: 20, Sleep: 50 * time.Millisecond},
		tailRetry:        logstore.RetryPolicy{Attempts: 10, Sleep: 25 * time.Millisecond},
		maintRetry:       logstore.RetryPolicy{Attempts: 40, Sleep: 50 * time.Millisecond},
		compactThreshold: 0.30,
		backupKeep:       3,
		table:            "records",
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
