// Package body decides which message bodies are logged and redacts the rest
package body

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/msglog-engine/go-core/internal/config"
	"github.com/msglog-engine/go-core/pkg/types"
)

// Loggable is the form of a message that is written to the record store
type Loggable struct {
	Message     string
	Attachments []types.Attachment
	BodyLogged  bool
	Truncated   bool
}

// Manipulator applies the body logging toggle and its per-subsystem
// overrides. The configuration is read once at construction.
type Manipulator struct {
	enabled         bool
	maxBodySize     int64
	truncateAllowed bool
	localOverrides  map[types.ClientID]struct{}
	remoteOverrides map[types.ClientID]struct{}
	logger          *zap.Logger
}

// NewManipulator creates a manipulator from validated body configuration
func NewManipulator(cfg config.BodyConfig, logger *zap.Logger) *Manipulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manipulator{
		enabled:         cfg.LoggingEnabled,
		maxBodySize:     cfg.MaxLoggableBodySize,
		truncateAllowed: cfg.TruncatedBodyAllowed,
		localOverrides:  toSet(cfg.LocalProducerOverrides()),
		remoteOverrides: toSet(cfg.RemoteProducerOverrides()),
		logger:          logger,
	}
}

func toSet(ids []types.ClientID) map[types.ClientID]struct{} {
	set := make(map[types.ClientID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// IsBodyLogged reports whether the body of msg is persisted verbatim. The
// client side consults the remote producer overrides and the server side the
// local producer overrides. An override inverts the global toggle for the
// service's subsystem.
func (m *Manipulator) IsBodyLogged(msg *types.LogMessage) bool {
	overrides := m.localOverrides
	if msg.ClientSide {
		overrides = m.remoteOverrides
	}
	_, overridden := overrides[msg.Service.Provider]
	return m.enabled != overridden
}

// LoggableMessageText returns the message verbatim when its body is logged.
// Otherwise SOAP messages keep the envelope and header with an empty Body,
// and REST messages keep the request or status line and headers, which is
// all Message carries for them.
func (m *Manipulator) LoggableMessageText(msg *types.LogMessage) (string, error) {
	if msg.Kind == types.MessageKindREST || m.IsBodyLogged(msg) {
		return string(msg.Message), nil
	}

	env, err := ParseEnvelope(msg.Message)
	if err != nil {
		return "", err
	}
	return string(NewEnvelopeBuilder(env).WithoutPayload().Build()), nil
}

// Prepare returns the loggable form of msg. REST bodies are stored as the
// first attachment. Bodies and attachments over the maximum loggable size are
// truncated when allowed and rejected otherwise.
func (m *Manipulator) Prepare(msg *types.LogMessage) (*Loggable, error) {
	logged := m.IsBodyLogged(msg)

	text, err := m.LoggableMessageText(msg)
	if err != nil {
		return nil, types.LoggingFailed("failed to build loggable message", err)
	}

	out := &Loggable{Message: text, BodyLogged: logged}
	if !logged {
		return out, nil
	}

	var parts [][]byte
	if msg.Kind == types.MessageKindREST {
		if len(msg.Body) > 0 {
			parts = append(parts, msg.Body)
		}
	} else {
		parts = msg.Attachments
	}

	for i, data := range parts {
		limited, truncated, err := m.limit(data)
		if err != nil {
			return nil, err
		}
		if truncated {
			out.Truncated = true
			m.logger.Warn("Message body truncated",
				zap.String("query_id", msg.QueryID),
				zap.Int("attachment", i+1),
				zap.Int("size", len(data)),
				zap.Int64("max_size", m.maxBodySize))
		}
		out.Attachments = append(out.Attachments, types.Attachment{Number: i + 1, Data: limited})
	}
	return out, nil
}

func (m *Manipulator) limit(data []byte) ([]byte, bool, error) {
	if m.maxBodySize <= 0 || int64(len(data)) <= m.maxBodySize {
		return data, false, nil
	}
	if !m.truncateAllowed {
		return nil, false, types.LoggingFailed(
			fmt.Sprintf("message body exceeds the maximum loggable size of %d bytes", m.maxBodySize), nil)
	}
	return data[:m.maxBodySize], true, nil
}
