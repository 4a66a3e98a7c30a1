package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/msglog-engine/go-core/internal/db"
	"github.com/msglog-engine/go-core/pkg/types"
)

// maxInList bounds expanded IN lists below the SQLite variable limit
const maxInList = 500

const recordColumns = `id, discriminator, time, archived, queryid, message, signature, hashchain,
	hashchainresult, signaturehash, timestamprecord, timestamphashchain, response, xroadinstance,
	memberclass, membercode, subsystemcode, xrequestid, messagekind, keyid, timestamp`

// Options configures an SQLStore
type Options struct {
	// BatchSize is the number of records linked per UPDATE statement (default: 50)
	BatchSize int
	// Encryptor enables at-rest encryption of message bodies and attachments
	Encryptor *MessageEncryptor
	Logger    *zap.Logger
	Clock     func() time.Time
}

// SQLStore implements Store and ArchiveStore on PostgreSQL or SQLite
type SQLStore struct {
	db        *sql.DB
	dialect   db.Dialect
	batchSize int
	encryptor *MessageEncryptor
	logger    *zap.Logger
	now       func() time.Time
}

var (
	_ Store        = (*SQLStore)(nil)
	_ ArchiveStore = (*SQLStore)(nil)
)

// NewSQLStore creates a record store on an open database handle
func NewSQLStore(conn *sql.DB, dialect db.Dialect, opts Options) *SQLStore {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &SQLStore{
		db:        conn,
		dialect:   dialect,
		batchSize: opts.BatchSize,
		encryptor: opts.Encryptor,
		logger:    opts.Logger,
		now:       opts.Clock,
	}
}

func (s *SQLStore) q(query string) string {
	return rebind(s.dialect, query)
}

// Save assigns the next sequence id and persists the record
func (s *SQLStore) Save(ctx context.Context, record types.LogRecord) error {
	switch r := record.(type) {
	case *types.MessageRecord:
		if r == nil {
			return types.ErrNilRecord
		}
		return s.saveMessage(ctx, r)
	case *types.TimestampRecord:
		if r == nil {
			return types.ErrNilRecord
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := s.insertTimestamp(ctx, tx, r); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	case nil:
		return types.ErrNilRecord
	default:
		return fmt.Errorf("unsupported record type %T", record)
	}
}

func (s *SQLStore) saveMessage(ctx context.Context, r *types.MessageRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}

	message := r.Message
	attachments := make([]types.Attachment, len(r.Attachments))
	copy(attachments, r.Attachments)
	keyID := ""

	if s.encryptor != nil {
		keyID = s.encryptor.KeyID()
		enc, err := s.encryptor.EncryptString(message)
		if err != nil {
			return fmt.Errorf("failed to encrypt message: %w", err)
		}
		message = enc
		for i := range attachments {
			sealed, err := s.encryptor.Encrypt(attachments[i].Data)
			if err != nil {
				return fmt.Errorf("failed to encrypt attachment: %w", err)
			}
			attachments[i].Data = sealed
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, s.q(`
		INSERT INTO logrecord (
			discriminator, time, archived, queryid, message, signature, hashchain,
			hashchainresult, signaturehash, response, xroadinstance, memberclass,
			membercode, subsystemcode, xrequestid, messagekind, keyid
		) VALUES (?, ?, FALSE, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		db.DiscriminatorMessage,
		toMillis(r.CreatedAt),
		r.QueryID,
		message,
		r.Signature,
		nullString(r.HashChain),
		nullString(r.HashChainResult),
		nullString(r.SignatureHash),
		r.Response,
		nullString(r.Client.Instance),
		r.Client.MemberClass,
		r.Client.MemberCode,
		nullString(r.Client.SubsystemCode),
		nullString(r.XRequestID),
		nullString(string(r.Kind)),
		nullString(keyID),
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to insert message record: %w", err)
	}

	for i, a := range attachments {
		no := a.Number
		if no == 0 {
			no = i + 1
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO message_attachment (logrecord_id, attachment_no, attachment)
			VALUES (?, ?, ?)`), id, no, a.Data); err != nil {
			return fmt.Errorf("failed to insert attachment %d: %w", no, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.ID = id
	r.KeyID = keyID
	return nil
}

func (s *SQLStore) insertTimestamp(ctx context.Context, tx *sql.Tx, r *types.TimestampRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}

	var id int64
	err := tx.QueryRowContext(ctx, s.q(`
		INSERT INTO logrecord (discriminator, time, archived, hashchainresult, timestamp)
		VALUES (?, ?, FALSE, ?, ?)
		RETURNING id`),
		db.DiscriminatorTimestamp,
		toMillis(r.CreatedAt),
		nullString(r.HashChainResult),
		r.Token,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to insert timestamp record: %w", err)
	}

	r.ID = id
	return nil
}

// Get returns a record by primary key
func (s *SQLStore) Get(ctx context.Context, id int64) (types.LogRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+recordColumns+" FROM logrecord WHERE id = ?"), id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	if m, ok := rec.(*types.MessageRecord); ok {
		if err := s.hydrate(ctx, []*types.MessageRecord{m}); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// GetByQueryIDUnique returns the single record matching filter
func (s *SQLStore) GetByQueryIDUnique(ctx context.Context, filter QueryFilter) (*types.MessageRecord, error) {
	query, args := s.queryIDSelect(filter)
	records, err := s.queryMessages(ctx, query+" LIMIT 2", args...)
	if err != nil {
		return nil, err
	}

	switch len(records) {
	case 0:
		return nil, nil
	case 1:
		return records[0], nil
	default:
		return nil, types.ErrAmbiguousResult
	}
}

// GetByQueryID returns every record matching filter
func (s *SQLStore) GetByQueryID(ctx context.Context, filter QueryFilter) ([]*types.MessageRecord, error) {
	query, args := s.queryIDSelect(filter)
	return s.queryMessages(ctx, query, args...)
}

func (s *SQLStore) queryIDSelect(filter QueryFilter) (string, []interface{}) {
	query := "SELECT " + recordColumns + ` FROM logrecord
		WHERE discriminator = 'm' AND queryid = ? AND memberclass = ? AND membercode = ?`
	args := []interface{}{filter.QueryID, filter.Client.MemberClass, filter.Client.MemberCode}

	if filter.Client.SubsystemCode == "" {
		query += " AND subsystemcode IS NULL"
	} else {
		query += " AND subsystemcode = ?"
		args = append(args, filter.Client.SubsystemCode)
	}

	if filter.Response != nil {
		query += " AND response = ?"
		args = append(args, *filter.Response)
	}

	return query + " ORDER BY id", args
}

// UpdateSignature conditionally replaces the signature of a record
func (s *SQLStore) UpdateSignature(ctx context.Context, record *types.MessageRecord, expectedOldHash string) (bool, error) {
	if record == nil {
		return false, types.ErrNilRecord
	}

	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE logrecord
		SET signature = ?, signaturehash = ?, hashchain = ?, hashchainresult = ?
		WHERE id = ? AND discriminator = 'm' AND timestamprecord IS NULL AND signaturehash = ?`),
		record.Signature,
		nullString(record.SignatureHash),
		nullString(record.HashChain),
		nullString(record.HashChainResult),
		record.ID,
		expectedOldHash,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update signature: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		s.logger.Debug("Signature update skipped, record already timestamped or changed",
			zap.Int64("record_id", record.ID))
	}
	return n > 0, nil
}

// SaveTimestampAndLink inserts ts and links it to recordIDs in batches
func (s *SQLStore) SaveTimestampAndLink(ctx context.Context, ts *types.TimestampRecord, recordIDs []int64, hashChains []string) error {
	if ts == nil {
		return types.ErrNilRecord
	}
	if hashChains != nil && len(hashChains) != len(recordIDs) {
		return &types.CodedError{
			Code:    types.CodeInvalidConfiguration,
			Message: fmt.Sprintf("%d hash chains for %d records", len(hashChains), len(recordIDs)),
			Err:     types.ErrHashChainLength,
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertTimestamp(ctx, tx, ts); err != nil {
		return err
	}

	var linked int64
	for start := 0; start < len(recordIDs); start += s.batchSize {
		end := start + s.batchSize
		if end > len(recordIDs) {
			end = len(recordIDs)
		}

		var chains []string
		if hashChains != nil {
			chains = hashChains[start:end]
		}

		n, err := s.linkBatch(ctx, tx, ts.ID, recordIDs[start:end], chains)
		if err != nil {
			return err
		}
		linked += n
	}

	if linked == 0 {
		ts.ID = 0
		return ErrNoRecordsLinked
	}

	if err := tx.Commit(); err != nil {
		ts.ID = 0
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if linked < int64(len(recordIDs)) {
		s.logger.Warn("Some records were already timestamped",
			zap.Int64("timestamp_id", ts.ID),
			zap.Int("requested", len(recordIDs)),
			zap.Int64("linked", linked))
	}
	return nil
}

func (s *SQLStore) linkBatch(ctx context.Context, tx *sql.Tx, tsID int64, ids []int64, chains []string) (int64, error) {
	args := []interface{}{tsID}

	chainExpr := "NULL"
	if chains != nil {
		var b strings.Builder
		b.WriteString("CASE id")
		for i, id := range ids {
			b.WriteString(" WHEN ? THEN ?")
			args = append(args, id, chains[i])
		}
		b.WriteString(" END")
		chainExpr = b.String()
	}

	in, inArgs := inClause(s.dialect, "id", ids)
	args = append(args, inArgs...)

	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE logrecord
		SET timestamprecord = ?, timestamphashchain = `+chainExpr+`, signaturehash = NULL
		WHERE discriminator = 'm' AND timestamprecord IS NULL AND `+in), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to link records to timestamp: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

// PendingTasks returns un-timestamped records oldest first
func (s *SQLStore) PendingTasks(ctx context.Context, limit int) ([]types.TimestampTask, error) {
	query := `SELECT id, signaturehash FROM logrecord
		WHERE discriminator = 'm' AND timestamprecord IS NULL ORDER BY id`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending records: %w", err)
	}
	defer rows.Close()

	var tasks []types.TimestampTask
	for rows.Next() {
		var (
			id   int64
			hash sql.NullString
		)
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan pending record: %w", err)
		}
		tasks = append(tasks, types.TimestampTask{RecordID: id, SignatureHash: hash.String})
	}
	return tasks, rows.Err()
}

// PendingSignatureHashes reads the signature hashes to stamp for ids
func (s *SQLStore) PendingSignatureHashes(ctx context.Context, ids []int64) (map[int64]string, error) {
	hashes := make(map[int64]string, len(ids))
	for _, part := range chunk(ids, maxInList) {
		in, args := inClause(s.dialect, "id", part)
		rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, signaturehash FROM logrecord
			WHERE discriminator = 'm' AND timestamprecord IS NULL AND `+in), args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query signature hashes: %w", err)
		}

		for rows.Next() {
			var (
				id   int64
				hash sql.NullString
			)
			if err := rows.Scan(&id, &hash); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan signature hash: %w", err)
			}
			hashes[id] = hash.String
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read signature hashes: %w", err)
		}
	}
	return hashes, nil
}

// CountPending counts un-timestamped message records
func (s *SQLStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM logrecord WHERE discriminator = 'm' AND timestamprecord IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending records: %w", err)
	}
	return n, nil
}

// MaxArchivableID returns the highest archivable message record id
func (s *SQLStore) MaxArchivableID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(id), 0) FROM logrecord
		WHERE discriminator = 'm' AND archived = FALSE AND timestamprecord IS NOT NULL`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to query max archivable id: %w", err)
	}
	return id, nil
}

// ArchivableRecords returns the next batch of records to archive
func (s *SQLStore) ArchivableRecords(ctx context.Context, afterID, maxID int64, limit int) ([]*types.ArchiveRecord, error) {
	query := "SELECT " + recordColumns + ` FROM logrecord
		WHERE discriminator = 'm' AND archived = FALSE AND timestamprecord IS NOT NULL
		AND id > ? AND id <= ? ORDER BY id`
	args := []interface{}{afterID, maxID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	messages, err := s.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool)
	var tsIDs []int64
	for _, m := range messages {
		if !seen[m.TimestampRecordID] {
			seen[m.TimestampRecordID] = true
			tsIDs = append(tsIDs, m.TimestampRecordID)
		}
	}

	timestamps := make(map[int64]*types.TimestampRecord, len(tsIDs))
	for _, ids := range chunk(tsIDs, maxInList) {
		if err := s.loadTimestamps(ctx, ids, timestamps); err != nil {
			return nil, err
		}
	}

	out := make([]*types.ArchiveRecord, 0, len(messages))
	for _, m := range messages {
		ts, ok := timestamps[m.TimestampRecordID]
		if !ok {
			return nil, fmt.Errorf("timestamp record %d of message %d not found", m.TimestampRecordID, m.ID)
		}
		out = append(out, &types.ArchiveRecord{Message: m, Timestamp: ts})
	}
	return out, nil
}

func (s *SQLStore) loadTimestamps(ctx context.Context, ids []int64, into map[int64]*types.TimestampRecord) error {
	in, args := inClause(s.dialect, "id", ids)
	rows, err := s.db.QueryContext(ctx, s.q("SELECT "+recordColumns+" FROM logrecord WHERE discriminator = 't' AND "+in), args...)
	if err != nil {
		return fmt.Errorf("failed to query timestamp records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if ts, ok := rec.(*types.TimestampRecord); ok {
			into[ts.ID] = ts
		}
	}
	return rows.Err()
}

// LastDigest returns the chain state of group, zero when none is stored
func (s *SQLStore) LastDigest(ctx context.Context, group string) (types.DigestEntry, error) {
	var entry types.DigestEntry
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT digest, filename FROM last_archive_digest WHERE groupname = ?`), group).
		Scan(&entry.Digest, &entry.FileName)
	if errors.Is(err, sql.ErrNoRows) {
		return types.DigestEntry{}, nil
	}
	if err != nil {
		return types.DigestEntry{}, fmt.Errorf("failed to query last archive digest: %w", err)
	}
	return entry, nil
}

// CompleteArchiveFile records a finished archive file
func (s *SQLStore) CompleteArchiveFile(ctx context.Context, group string, entry types.DigestEntry, messageIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO last_archive_digest (groupname, digest, filename) VALUES (?, ?, ?)
		ON CONFLICT (groupname) DO UPDATE SET digest = excluded.digest, filename = excluded.filename`),
		group, entry.Digest, entry.FileName); err != nil {
		return fmt.Errorf("failed to save last archive digest: %w", err)
	}

	for _, ids := range chunk(messageIDs, maxInList) {
		in, args := inClause(s.dialect, "id", ids)
		if _, err := tx.ExecContext(ctx, s.q(
			"UPDATE logrecord SET archived = TRUE WHERE discriminator = 'm' AND "+in), args...); err != nil {
			return fmt.Errorf("failed to mark records archived: %w", err)
		}

		in, args = inClause(s.dialect, "id", ids)
		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE logrecord SET archived = TRUE
			WHERE discriminator = 't' AND archived = FALSE
			AND id IN (SELECT timestamprecord FROM logrecord WHERE `+in+`)
			AND NOT EXISTS (
				SELECT 1 FROM logrecord m
				WHERE m.timestamprecord = logrecord.id AND m.archived = FALSE
			)`), args...); err != nil {
			return fmt.Errorf("failed to mark timestamp records archived: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteArchived removes archived message records created at or before cutoff
func (s *SQLStore) DeleteArchived(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT id FROM logrecord
		WHERE discriminator = 'm' AND archived = TRUE AND time <= ? ORDER BY id`
	args := []interface{}{toMillis(cutoff)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	ids, err := queryIDs(ctx, tx, s.q(query), args...)
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, part := range chunk(ids, maxInList) {
		in, args := inClause(s.dialect, "logrecord_id", part)
		if _, err := tx.ExecContext(ctx, s.q("DELETE FROM message_attachment WHERE "+in), args...); err != nil {
			return 0, fmt.Errorf("failed to delete attachments: %w", err)
		}

		in, args = inClause(s.dialect, "id", part)
		res, err := tx.ExecContext(ctx, s.q(
			"DELETE FROM logrecord WHERE discriminator = 'm' AND archived = TRUE AND "+in), args...)
		if err != nil {
			return 0, fmt.Errorf("failed to delete archived records: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read affected rows: %w", err)
		}
		deleted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return deleted, nil
}

// DeleteOrphanTimestamps removes archived timestamps nothing references
func (s *SQLStore) DeleteOrphanTimestamps(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM logrecord
		WHERE discriminator = 't' AND archived = TRUE AND time <= ?
		AND NOT EXISTS (SELECT 1 FROM logrecord m WHERE m.timestamprecord = logrecord.id)`),
		toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphan timestamp records: %w", err)
	}
	return res.RowsAffected()
}

// CountRecords counts all log records
func (s *SQLStore) CountRecords(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM logrecord`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// queryMessages runs a message select and loads attachments afterwards, so no
// result set is held open while the second query runs
func (s *SQLStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*types.MessageRecord, error) {
	records, err := s.scanMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if err := s.hydrate(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *SQLStore) scanMessages(ctx context.Context, query string, args ...interface{}) ([]*types.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query message records: %w", err)
	}
	defer rows.Close()

	var records []*types.MessageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		m, ok := rec.(*types.MessageRecord)
		if !ok {
			return nil, fmt.Errorf("record %d is not a message record", rec.RecordID())
		}
		records = append(records, m)
	}
	return records, rows.Err()
}

// hydrate loads attachments and decrypts encrypted records
func (s *SQLStore) hydrate(ctx context.Context, records []*types.MessageRecord) error {
	if len(records) == 0 {
		return nil
	}

	byID := make(map[int64]*types.MessageRecord, len(records))
	ids := make([]int64, 0, len(records))
	for _, r := range records {
		byID[r.ID] = r
		ids = append(ids, r.ID)
	}

	for _, part := range chunk(ids, maxInList) {
		if err := s.loadAttachments(ctx, part, byID); err != nil {
			return err
		}
	}

	for _, r := range records {
		if r.KeyID == "" {
			continue
		}
		if s.encryptor == nil {
			return fmt.Errorf("record %d is encrypted but message encryption is not configured", r.ID)
		}
		msg, err := s.encryptor.DecryptString(r.KeyID, r.Message)
		if err != nil {
			return fmt.Errorf("failed to decrypt record %d: %w", r.ID, err)
		}
		r.Message = msg
		for i := range r.Attachments {
			data, err := s.encryptor.Decrypt(r.KeyID, r.Attachments[i].Data)
			if err != nil {
				return fmt.Errorf("failed to decrypt attachment of record %d: %w", r.ID, err)
			}
			r.Attachments[i].Data = data
		}
	}
	return nil
}

func (s *SQLStore) loadAttachments(ctx context.Context, ids []int64, byID map[int64]*types.MessageRecord) error {
	in, args := inClause(s.dialect, "logrecord_id", ids)
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT logrecord_id, attachment_no, attachment FROM message_attachment
		WHERE `+in+` ORDER BY logrecord_id, attachment_no`), args...)
	if err != nil {
		return fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id int64
			a  types.Attachment
		)
		if err := rows.Scan(&id, &a.Number, &a.Data); err != nil {
			return fmt.Errorf("failed to scan attachment: %w", err)
		}
		if r, ok := byID[id]; ok {
			r.Attachments = append(r.Attachments, a)
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (types.LogRecord, error) {
	var (
		id, created                       int64
		discriminator                     string
		archived                          bool
		queryID, message, signature       sql.NullString
		hashChain, hashChainResult        sql.NullString
		signatureHash, timestampHashChain sql.NullString
		timestampRecord                   sql.NullInt64
		response                          sql.NullBool
		instance, memberClass, memberCode sql.NullString
		subsystemCode, xRequestID         sql.NullString
		kind, keyID                       sql.NullString
		token                             []byte
	)

	err := row.Scan(
		&id, &discriminator, &created, &archived, &queryID, &message, &signature, &hashChain,
		&hashChainResult, &signatureHash, &timestampRecord, &timestampHashChain, &response, &instance,
		&memberClass, &memberCode, &subsystemCode, &xRequestID, &kind, &keyID, &token,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan log record: %w", err)
	}

	switch strings.TrimSpace(discriminator) {
	case db.DiscriminatorTimestamp:
		return &types.TimestampRecord{
			ID:              id,
			CreatedAt:       fromMillis(created),
			Archived:        archived,
			Token:           token,
			HashChainResult: hashChainResult.String,
		}, nil
	case db.DiscriminatorMessage:
		return &types.MessageRecord{
			ID:        id,
			CreatedAt: fromMillis(created),
			Archived:  archived,
			QueryID:   queryID.String,
			Client: types.ClientID{
				Instance:      instance.String,
				MemberClass:   memberClass.String,
				MemberCode:    memberCode.String,
				SubsystemCode: subsystemCode.String,
			},
			Response:           response.Bool,
			XRequestID:         xRequestID.String,
			Kind:               types.MessageKind(kind.String),
			Message:            message.String,
			Signature:          signature.String,
			SignatureHash:      signatureHash.String,
			HashChainResult:    hashChainResult.String,
			HashChain:          hashChain.String,
			TimestampRecordID:  timestampRecord.Int64,
			TimestampHashChain: timestampHashChain.String,
			KeyID:              keyID.String,
		}, nil
	default:
		return nil, fmt.Errorf("unknown record discriminator %q for record %d", discriminator, id)
	}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func queryIDs(ctx context.Context, q queryer, query string, args ...interface{}) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query record ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
