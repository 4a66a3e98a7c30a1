// Package logmanager accepts signed messages for logging and drives their
// time-stamping
package logmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msglog-engine/go-core/internal/body"
	"github.com/msglog-engine/go-core/internal/config"
	"github.com/msglog-engine/go-core/internal/metrics"
	"github.com/msglog-engine/go-core/internal/store"
	"github.com/msglog-engine/go-core/internal/taskqueue"
	"github.com/msglog-engine/go-core/internal/timestamp"
	"github.com/msglog-engine/go-core/pkg/types"
)

// Timestamper obtains a time-stamp covering a batch of signature hashes
type Timestamper interface {
	Timestamp(ctx context.Context, signatureHashes []string) (*timestamp.Result, error)
	Providers() []string
}

// StatusProvider is implemented by timestampers that track per-TSA health
type StatusProvider interface {
	Status() map[string]timestamp.ProviderStatus
}

// Options wires the manager's collaborators
type Options struct {
	Config      config.TimestamperConfig
	Store       store.Store
	Queue       *taskqueue.Queue
	Timestamper Timestamper
	Body        *body.Manipulator
	Metrics     metrics.Metrics
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Manager is the message log orchestrator. Log may be called concurrently;
// time-stamping batches are serialized.
type Manager struct {
	cfg     config.TimestamperConfig
	algo    types.DigestAlgorithm
	store   store.Store
	queue   *taskqueue.Queue
	tsa     Timestamper
	body    *body.Manipulator
	metrics metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	// stampMu serializes requests to the TSA and the links they produce
	stampMu sync.Mutex

	mu          sync.RWMutex
	failedSince time.Time
	lastError   error
}

// New creates a log manager
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("log manager requires a record store")
	}
	if opts.Timestamper == nil {
		return nil, errors.New("log manager requires a timestamper")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Queue == nil {
		opts.Queue = taskqueue.New(opts.Logger)
	}
	if opts.Body == nil {
		opts.Body = body.NewManipulator(config.Default().Body, opts.Logger)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoOpMetrics()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Config.RecordsLimit <= 0 {
		opts.Config.RecordsLimit = config.Default().Timestamper.RecordsLimit
	}

	return &Manager{
		cfg:     opts.Config,
		algo:    opts.Config.Algorithm(),
		store:   opts.Store,
		queue:   opts.Queue,
		tsa:     opts.Timestamper,
		body:    opts.Body,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     opts.Clock,
	}, nil
}

// Recover rebuilds the task queue from the un-timestamped records in the store
func (m *Manager) Recover(ctx context.Context) error {
	if _, err := m.queue.Recover(ctx, m.store); err != nil {
		return err
	}
	m.metrics.UpdatePendingRecords(m.queue.Size())
	return nil
}

// Log persists msg and schedules it for time-stamping. With timestamp
// immediately configured the record is stamped before returning; a failed
// stamp is returned as an error together with the persisted record, which
// stays queued for the periodic job.
func (m *Manager) Log(ctx context.Context, msg *types.LogMessage) (*types.MessageRecord, error) {
	start := m.now()

	record, err := m.log(ctx, msg)
	if err != nil {
		outcome := metrics.OutcomeFailure
		if errors.Is(err, types.ErrTimestampingUnavailable) || errors.Is(err, types.ErrNoTimestampingProvider) {
			outcome = metrics.OutcomeRejected
		}
		m.metrics.RecordLog(outcome, m.now().Sub(start))
		return record, err
	}

	m.metrics.RecordLog(metrics.OutcomeSuccess, m.now().Sub(start))
	return record, nil
}

func (m *Manager) log(ctx context.Context, msg *types.LogMessage) (*types.MessageRecord, error) {
	if msg == nil {
		return nil, types.LoggingFailed("message must not be nil", types.ErrNilRecord)
	}
	if err := m.verifyCanLogMessage(); err != nil {
		return nil, err
	}

	record, err := m.createRecord(msg)
	if err != nil {
		return nil, err
	}
	if err := m.store.Save(ctx, record); err != nil {
		return nil, types.LoggingFailed("failed to save message record", err)
	}

	m.queue.Enqueue(record.ID)
	m.metrics.UpdatePendingRecords(m.queue.Size())

	m.logger.Debug("Message logged",
		zap.Int64("record_id", record.ID),
		zap.String("query_id", record.QueryID),
		zap.Bool("response", record.Response))

	if !m.cfg.TimestampImmediately {
		return record, nil
	}

	ts, err := m.stampRecord(ctx, record.ID)
	if err != nil {
		m.logger.Error("Immediate time-stamping failed",
			zap.Int64("record_id", record.ID),
			zap.Error(err))
		return record, err
	}
	record.TimestampRecordID = ts.ID
	return record, nil
}

// verifyCanLogMessage rejects messages while no TSA is configured or while
// time-stamping has been failing longer than the acceptable failure period
func (m *Manager) verifyCanLogMessage() error {
	if len(m.tsa.Providers()) == 0 {
		return types.NoTimestampingProvider()
	}
	if m.cfg.TimestampImmediately {
		return nil
	}

	period := m.cfg.AcceptableFailurePeriod
	if period == 0 {
		return nil
	}

	m.mu.RLock()
	since := m.failedSince
	m.mu.RUnlock()

	if !since.IsZero() && m.now().Sub(since) > period {
		return types.TimestampingUnavailable(fmt.Sprintf(
			"time-stamping has been failing since %s, longer than the acceptable %s",
			since.UTC().Format(time.RFC3339), period))
	}
	return nil
}

// createRecord builds the message record owned by the client on the client
// side and by the service provider on the server side
func (m *Manager) createRecord(msg *types.LogMessage) (*types.MessageRecord, error) {
	loggable, err := m.body.Prepare(msg)
	if err != nil {
		return nil, err
	}

	owner := msg.Service.Provider
	if msg.ClientSide {
		owner = msg.Client
	}

	kind := msg.Kind
	if kind == "" {
		kind = types.MessageKindSOAP
	}

	record := &types.MessageRecord{
		QueryID:       msg.QueryID,
		Client:        owner,
		Response:      msg.Response,
		XRequestID:    msg.XRequestID,
		Kind:          kind,
		Message:       loggable.Message,
		Attachments:   loggable.Attachments,
		Signature:     msg.Signature.SignatureXML,
		SignatureHash: m.algo.Base64Digest([]byte(msg.Signature.SignatureXML)),
	}

	// batch signed SOAP messages are verified through their hash chain
	if msg.Signature.IsBatchSignature() {
		record.HashChainResult = msg.Signature.HashChainResult
		record.HashChain = msg.Signature.HashChain
		if kind == types.MessageKindSOAP {
			record.Attachments = nil
		}
	}
	return record, nil
}

// Timestamp returns the timestamp record of a message record, stamping it
// first when it has none yet. Stamping an already stamped record never
// creates another timestamp record.
func (m *Manager) Timestamp(ctx context.Context, recordID int64) (*types.TimestampRecord, error) {
	record, err := m.messageRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if record.IsTimestamped() {
		return m.timestampRecord(ctx, record.TimestampRecordID)
	}

	ts, err := m.stampRecord(ctx, record.ID)
	if errors.Is(err, store.ErrNoRecordsLinked) {
		// stamped concurrently
		record, err = m.messageRecord(ctx, recordID)
		if err != nil {
			return nil, err
		}
		return m.timestampRecord(ctx, record.TimestampRecordID)
	}
	if err != nil {
		return nil, err
	}

	m.setTimestampSucceeded()
	return ts, nil
}

func (m *Manager) messageRecord(ctx context.Context, id int64) (*types.MessageRecord, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	msg, ok := rec.(*types.MessageRecord)
	if !ok {
		return nil, fmt.Errorf("record %d is not a message record: %w", id, types.ErrRecordNotFound)
	}
	return msg, nil
}

func (m *Manager) timestampRecord(ctx context.Context, id int64) (*types.TimestampRecord, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ts, ok := rec.(*types.TimestampRecord)
	if !ok {
		return nil, fmt.Errorf("record %d is not a timestamp record: %w", id, types.ErrRecordNotFound)
	}
	return ts, nil
}

// stampRecord time-stamps a single record outside the periodic batches
func (m *Manager) stampRecord(ctx context.Context, id int64) (*types.TimestampRecord, error) {
	m.stampMu.Lock()
	defer m.stampMu.Unlock()

	ts, _, err := m.stampBatch(ctx, []int64{id})
	return ts, err
}

// TimestampPending stamps queued records oldest first in batches of at most
// RecordsLimit records. While time-stamping is failing only one batch is
// attempted. It stops at the first failed batch and returns the number of
// records stamped so far.
func (m *Manager) TimestampPending(ctx context.Context) (int, error) {
	m.stampMu.Lock()
	defer m.stampMu.Unlock()

	stamped := 0
	for {
		batch := m.queue.DrainBatch(m.cfg.RecordsLimit)
		if len(batch) == 0 {
			return stamped, nil
		}

		failing := m.IsTimestampFailed()
		_, linked, err := m.stampBatch(ctx, batch)
		if errors.Is(err, store.ErrNoRecordsLinked) {
			continue
		}
		if err != nil {
			m.setTimestampFailed(err)
			return stamped, err
		}

		stamped += linked
		m.setTimestampSucceeded()
		if failing {
			return stamped, nil
		}
	}
}

// stampBatch requests one time-stamp over the records' current signature
// hashes and links it to them. It returns the number of records stamped.
// The caller holds stampMu.
func (m *Manager) stampBatch(ctx context.Context, batch []int64) (*types.TimestampRecord, int, error) {
	current, err := m.store.PendingSignatureHashes(ctx, batch)
	if err != nil {
		return nil, 0, types.TimestampingFailed(err)
	}

	ids := make([]int64, 0, len(current))
	hashes := make([]string, 0, len(current))
	var stale []int64
	for _, id := range batch {
		hash, ok := current[id]
		if !ok {
			stale = append(stale, id)
			continue
		}
		ids = append(ids, id)
		hashes = append(hashes, hash)
	}
	if len(stale) > 0 {
		// stamped elsewhere or no longer stored
		m.queue.Ack(stale...)
		m.metrics.UpdatePendingRecords(m.queue.Size())
	}
	if len(ids) == 0 {
		return nil, 0, store.ErrNoRecordsLinked
	}

	start := m.now()
	res, err := m.tsa.Timestamp(ctx, hashes)
	if err != nil {
		m.metrics.RecordTimestampBatch(metrics.OutcomeFailure, len(ids), m.now().Sub(start))
		var coded *types.CodedError
		if errors.As(err, &coded) {
			return nil, 0, err
		}
		return nil, 0, types.TimestampingFailed(err)
	}

	ts := &types.TimestampRecord{
		Token:           res.Token,
		HashChainResult: res.HashChainResult,
	}
	err = m.store.SaveTimestampAndLink(ctx, ts, ids, res.HashChains)
	if errors.Is(err, store.ErrNoRecordsLinked) {
		m.logger.Warn("Time-stamped records were already linked", zap.Int("records", len(ids)))
		m.queue.Ack(ids...)
		return nil, 0, err
	}
	if err != nil {
		m.metrics.RecordTimestampBatch(metrics.OutcomeFailure, len(ids), m.now().Sub(start))
		return nil, 0, types.TimestampRecordSaveFailed(err)
	}

	m.queue.Ack(ids...)
	m.metrics.RecordTimestampBatch(metrics.OutcomeSuccess, len(ids), m.now().Sub(start))
	m.metrics.UpdatePendingRecords(m.queue.Size())

	m.logger.Info("Time-stamped message records",
		zap.Int64("timestamp_record_id", ts.ID),
		zap.Int("records", len(ids)),
		zap.String("tsa_url", res.URL))
	return ts, len(ids), nil
}

func (m *Manager) setTimestampFailed(err error) {
	m.mu.Lock()
	if m.failedSince.IsZero() {
		m.failedSince = m.now()
		m.logger.Warn("Time-stamping failed, grace period started",
			zap.Time("failed_since", m.failedSince),
			zap.Duration("acceptable_failure_period", m.cfg.AcceptableFailurePeriod),
			zap.Error(err))
	}
	m.lastError = err
	m.mu.Unlock()

	m.metrics.SetTimestampFailing(true)
}

func (m *Manager) setTimestampSucceeded() {
	m.mu.Lock()
	recovered := !m.failedSince.IsZero()
	m.failedSince = time.Time{}
	m.lastError = nil
	m.mu.Unlock()

	if recovered {
		m.logger.Info("Time-stamping recovered")
	}
	m.metrics.SetTimestampFailing(false)
}

// IsTimestampFailed reports whether the latest time-stamping batch failed,
// regardless of the grace period
func (m *Manager) IsTimestampFailed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.failedSince.IsZero()
}

// FailedSince returns the start of the current failure window
func (m *Manager) FailedSince() (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failedSince, !m.failedSince.IsZero()
}

// QueueSize returns the number of records waiting to be time-stamped
func (m *Manager) QueueSize() int {
	return m.queue.Size()
}

// FindByQueryID returns the single record matching the business key, or nil
func (m *Manager) FindByQueryID(ctx context.Context, queryID string, client types.ClientID, response *bool) (*types.MessageRecord, error) {
	return m.store.GetByQueryIDUnique(ctx, store.QueryFilter{
		QueryID:  queryID,
		Client:   client,
		Response: response,
	})
}

// Status is the time-stamping health exposed for diagnostics
type Status struct {
	Failing     bool                                `json:"failing"`
	FailedSince *time.Time                          `json:"failed_since,omitempty"`
	LastError   string                              `json:"last_error,omitempty"`
	Pending     int                                 `json:"pending"`
	Providers   map[string]timestamp.ProviderStatus `json:"providers"`
}

// Status returns a snapshot of the time-stamping health
func (m *Manager) Status() Status {
	m.mu.RLock()
	st := Status{Failing: !m.failedSince.IsZero(), Pending: m.queue.Size()}
	if st.Failing {
		since := m.failedSince
		st.FailedSince = &since
	}
	if m.lastError != nil {
		st.LastError = m.lastError.Error()
	}
	m.mu.RUnlock()

	if sp, ok := m.tsa.(StatusProvider); ok {
		st.Providers = sp.Status()
	} else {
		st.Providers = make(map[string]timestamp.ProviderStatus)
	}
	return st
}
