package types

import (
	"time"
)

// MessageKind is the protocol family of a logged message
type MessageKind string

const (
	MessageKindSOAP MessageKind = "soap"
	MessageKindREST MessageKind = "rest"
)

// SignatureData is the signature produced for a message. Messages signed as part
// of a batch carry the batch hash chain alongside the signature.
type SignatureData struct {
	SignatureXML    string `json:"signature_xml"`
	HashChainResult string `json:"hash_chain_result,omitempty"`
	HashChain       string `json:"hash_chain,omitempty"`
}

// IsBatchSignature reports whether the signature covers a batch of messages
func (s SignatureData) IsBatchSignature() bool {
	return s.HashChainResult != "" && s.HashChain != ""
}

// LogMessage is an already parsed and signature verified message handed over
// by the proxy for logging.
type LogMessage struct {
	Kind      MessageKind
	QueryID   string
	Client    ClientID
	Service   ServiceID
	Signature SignatureData

	// Message is the serialized SOAP envelope, or the serialized REST
	// request/response line and headers.
	Message []byte

	// Body is the REST message body, if any.
	Body []byte

	// Attachments are SOAP attachments in transmission order.
	Attachments [][]byte

	Response   bool
	ClientSide bool
	XRequestID string
}

// LogRecord is the common view of records kept in the record store
type LogRecord interface {
	RecordID() int64
	CreationTime() time.Time
	IsArchived() bool
}

// Attachment is a stored attachment numbered from 1
type Attachment struct {
	Number int
	Data   []byte
}

// MessageRecord is a persisted message awaiting or holding a timestamp
type MessageRecord struct {
	ID        int64
	CreatedAt time.Time
	Archived  bool

	QueryID    string
	Client     ClientID
	Response   bool
	XRequestID string
	Kind       MessageKind

	// Message is the loggable (possibly redacted) message text.
	Message     string
	Attachments []Attachment

	Signature       string
	SignatureHash   string
	HashChainResult string
	HashChain       string

	// TimestampRecordID is zero until the record has been timestamped.
	TimestampRecordID  int64
	TimestampHashChain string

	// KeyID names the at-rest encryption key; empty for plaintext records.
	KeyID string
}

func (r *MessageRecord) RecordID() int64         { return r.ID }
func (r *MessageRecord) CreationTime() time.Time { return r.CreatedAt }
func (r *MessageRecord) IsArchived() bool        { return r.Archived }

// IsTimestamped reports whether the record is linked to a timestamp
func (r *MessageRecord) IsTimestamped() bool {
	return r.TimestampRecordID != 0
}

// TimestampRecord holds a time-stamp token covering a batch of message records
type TimestampRecord struct {
	ID        int64
	CreatedAt time.Time
	Archived  bool

	// Token is the DER encoded time-stamp token (CMS SignedData).
	Token           []byte
	HashChainResult string
}

func (r *TimestampRecord) RecordID() int64         { return r.ID }
func (r *TimestampRecord) CreationTime() time.Time { return r.CreatedAt }
func (r *TimestampRecord) IsArchived() bool        { return r.Archived }

// DigestEntry is the last linking digest of an archive group and the file
// that produced it. The zero value seeds a brand new chain.
type DigestEntry struct {
	Digest   string `json:"digest"`
	FileName string `json:"file_name"`
}

// ArchiveRecord is a timestamped message record together with its timestamp
type ArchiveRecord struct {
	Message   *MessageRecord
	Timestamp *TimestampRecord
}

// GroupingStrategy partitions archive output files
type GroupingStrategy string

const (
	GroupingNone      GroupingStrategy = "none"
	GroupingMember    GroupingStrategy = "member"
	GroupingSubsystem GroupingStrategy = "subsystem"
)

// Valid reports whether the strategy is known
func (g GroupingStrategy) Valid() bool {
	switch g {
	case GroupingNone, GroupingMember, GroupingSubsystem:
		return true
	}
	return false
}

// TimestampTask is a message record waiting to be timestamped
type TimestampTask struct {
	RecordID      int64
	SignatureHash string
}
