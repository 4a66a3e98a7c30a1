// Package store persists message and timestamp records
package store

import (
	"context"
	"errors"
	"time"

	"github.com/msglog-engine/go-core/pkg/types"
)

// ErrNoRecordsLinked is returned by SaveTimestampAndLink when every target
// record had already been timestamped. Nothing is committed in that case.
var ErrNoRecordsLinked = errors.New("no records were linked to the timestamp")

// QueryFilter selects message records by business key. A client without a
// subsystem code matches only records whose subsystem is NULL.
type QueryFilter struct {
	QueryID  string
	Client   types.ClientID
	Response *bool
}

// Store is the record store used by the log manager and the task queue
type Store interface {
	// Save assigns the next sequence id and persists the record together
	// with its attachments
	Save(ctx context.Context, record types.LogRecord) error

	// Get returns a message or timestamp record, or ErrRecordNotFound
	Get(ctx context.Context, id int64) (types.LogRecord, error)

	// GetByQueryIDUnique returns the single matching record, nil when none
	// matched and ErrAmbiguousResult when several did
	GetByQueryIDUnique(ctx context.Context, filter QueryFilter) (*types.MessageRecord, error)

	// GetByQueryID returns all matching records ordered by id
	GetByQueryID(ctx context.Context, filter QueryFilter) ([]*types.MessageRecord, error)

	// UpdateSignature replaces the signature of an un-timestamped record whose
	// current signature hash equals expectedOldHash. It reports false when no
	// row matched, which callers must treat as benign.
	UpdateSignature(ctx context.Context, record *types.MessageRecord, expectedOldHash string) (bool, error)

	// SaveTimestampAndLink inserts the timestamp record and links it to every
	// still un-timestamped record in one transaction
	SaveTimestampAndLink(ctx context.Context, ts *types.TimestampRecord, recordIDs []int64, hashChains []string) error

	// PendingTasks returns up to limit un-timestamped records, oldest first.
	// A limit <= 0 returns all of them.
	PendingTasks(ctx context.Context, limit int) ([]types.TimestampTask, error)

	// PendingSignatureHashes returns the current signature hash of every
	// record in ids that is still un-timestamped. Stamped or unknown ids are
	// absent from the result.
	PendingSignatureHashes(ctx context.Context, ids []int64) (map[int64]string, error)

	// CountPending counts un-timestamped message records
	CountPending(ctx context.Context) (int, error)
}

// ArchiveStore is the record store used by the archiver and the cleaner
type ArchiveStore interface {
	// MaxArchivableID snapshots the highest id eligible for archiving
	MaxArchivableID(ctx context.Context) (int64, error)

	// ArchivableRecords returns timestamped, un-archived message records with
	// afterID < id <= maxID ordered by id
	ArchivableRecords(ctx context.Context, afterID, maxID int64, limit int) ([]*types.ArchiveRecord, error)

	// LastDigest returns the persisted chain state of an archive group
	LastDigest(ctx context.Context, group string) (types.DigestEntry, error)

	// CompleteArchiveFile persists the group's new chain state and marks the
	// archived records (and fully archived timestamps) in one transaction
	CompleteArchiveFile(ctx context.Context, group string, entry types.DigestEntry, messageIDs []int64) error

	// DeleteArchived removes up to limit archived message records created at
	// or before cutoff
	DeleteArchived(ctx context.Context, cutoff time.Time, limit int) (int64, error)

	// DeleteOrphanTimestamps removes archived timestamp records created at or
	// before cutoff that no message record references any more
	DeleteOrphanTimestamps(ctx context.Context, cutoff time.Time) (int64, error)

	// CountRecords counts all log records
	CountRecords(ctx context.Context) (int64, error)
}
