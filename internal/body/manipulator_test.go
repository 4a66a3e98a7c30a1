package body

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/msglog-engine/go-core/internal/config"
	"github.com/msglog-engine/go-core/pkg/types"
)

const soapMessage = `<?xml version="1.0" encoding="UTF-8"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/" xmlns:xrd="http://x-road.eu/xsd/xroad.xsd">
<SOAP-ENV:Header><xrd:id>q-1</xrd:id><xrd:protocolVersion>4.0</xrd:protocolVersion></SOAP-ENV:Header>
<SOAP-ENV:Body><ns1:getRandom xmlns:ns1="http://test.x-road.eu"><secret>42</secret></ns1:getRandom></SOAP-ENV:Body>
</SOAP-ENV:Envelope>`

var (
	producer = types.ClientID{Instance: "EE", MemberClass: "GOV", MemberCode: "1234", SubsystemCode: "PRODUCER"}
	consumer = types.ClientID{Instance: "EE", MemberClass: "COM", MemberCode: "5678", SubsystemCode: "CONSUMER"}
)

func soapLogMessage(clientSide bool) *types.LogMessage {
	return &types.LogMessage{
		Kind:       types.MessageKindSOAP,
		QueryID:    "q-1",
		Client:     consumer,
		Service:    types.ServiceID{Provider: producer, ServiceCode: "getRandom"},
		Message:    []byte(soapMessage),
		ClientSide: clientSide,
	}
}

func TestManipulator_IsBodyLogged(t *testing.T) {
	tests := []struct {
		name       string
		cfg        config.BodyConfig
		clientSide bool
		want       bool
	}{
		{
			name: "enabled without overrides",
			cfg:  config.BodyConfig{LoggingEnabled: true},
			want: true,
		},
		{
			name: "disabled without overrides",
			cfg:  config.BodyConfig{LoggingEnabled: false},
			want: false,
		},
		{
			name: "enabled with local disable override on server side",
			cfg:  config.BodyConfig{LoggingEnabled: true, DisabledLocalProducers: []string{"EE/GOV/1234/PRODUCER"}},
			want: false,
		},
		{
			name:       "local override does not apply on client side",
			cfg:        config.BodyConfig{LoggingEnabled: true, DisabledLocalProducers: []string{"EE/GOV/1234/PRODUCER"}},
			clientSide: true,
			want:       true,
		},
		{
			name:       "enabled with remote disable override on client side",
			cfg:        config.BodyConfig{LoggingEnabled: true, DisabledRemoteProducers: []string{"SUBSYSTEM:EE/GOV/1234/PRODUCER"}},
			clientSide: true,
			want:       false,
		},
		{
			name: "disabled with local enable override",
			cfg:  config.BodyConfig{LoggingEnabled: false, EnabledLocalProducers: []string{"EE/GOV/1234/PRODUCER"}},
			want: true,
		},
		{
			name:       "disabled with remote enable override on client side",
			cfg:        config.BodyConfig{LoggingEnabled: false, EnabledRemoteProducers: []string{"EE/GOV/1234/PRODUCER"}},
			clientSide: true,
			want:       true,
		},
		{
			name: "override for another subsystem",
			cfg:  config.BodyConfig{LoggingEnabled: true, DisabledLocalProducers: []string{"EE/GOV/1234/OTHER"}},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManipulator(tt.cfg, zaptest.NewLogger(t))
			assert.Equal(t, tt.want, m.IsBodyLogged(soapLogMessage(tt.clientSide)))
		})
	}
}

func TestManipulator_LoggableMessageText(t *testing.T) {
	t.Run("logged verbatim", func(t *testing.T) {
		m := NewManipulator(config.BodyConfig{LoggingEnabled: true}, nil)
		text, err := m.LoggableMessageText(soapLogMessage(false))
		require.NoError(t, err)
		assert.Equal(t, soapMessage, text)
	})

	t.Run("redacted keeps envelope and header", func(t *testing.T) {
		m := NewManipulator(config.BodyConfig{LoggingEnabled: false}, nil)
		text, err := m.LoggableMessageText(soapLogMessage(false))
		require.NoError(t, err)

		assert.NotContains(t, text, "secret")
		assert.NotContains(t, text, "getRandom")
		assert.Contains(t, text, "<xrd:id>q-1</xrd:id>")
		assert.Contains(t, text, "<SOAP-ENV:Body></SOAP-ENV:Body>")

		// the redacted form is still a valid envelope
		env, err := ParseEnvelope([]byte(text))
		require.NoError(t, err)
		assert.Empty(t, env.Payload)
		assert.Equal(t, NamespaceSOAP11, env.Namespace)
	})

	t.Run("invalid envelope", func(t *testing.T) {
		m := NewManipulator(config.BodyConfig{LoggingEnabled: false}, nil)
		msg := soapLogMessage(false)
		msg.Message = []byte("<notsoap/>")
		_, err := m.LoggableMessageText(msg)
		assert.ErrorIs(t, err, ErrNotEnvelope)
	})
}

func TestManipulator_Prepare(t *testing.T) {
	rest := &types.LogMessage{
		Kind:    types.MessageKindREST,
		QueryID: "q-rest",
		Service: types.ServiceID{Provider: producer, ServiceCode: "listPets"},
		Message: []byte("GET /r1/EE/GOV/1234/PRODUCER/listPets\r\nAccept: application/json\r\n"),
		Body:    []byte(`{"pets":["cat","dog"]}`),
	}

	t.Run("rest body becomes first attachment", func(t *testing.T) {
		m := NewManipulator(config.BodyConfig{LoggingEnabled: true, MaxLoggableBodySize: 1024}, nil)
		out, err := m.Prepare(rest)
		require.NoError(t, err)
		assert.True(t, out.BodyLogged)
		assert.Equal(t, string(rest.Message), out.Message)
		require.Len(t, out.Attachments, 1)
		assert.Equal(t, 1, out.Attachments[0].Number)
		assert.Equal(t, rest.Body, out.Attachments[0].Data)
	})

	t.Run("rest body dropped when not logged", func(t *testing.T) {
		m := NewManipulator(config.BodyConfig{LoggingEnabled: false, MaxLoggableBodySize: 1024}, nil)
		out, err := m.Prepare(rest)
		require.NoError(t, err)
		assert.False(t, out.BodyLogged)
		assert.Equal(t, string(rest.Message), out.Message)
		assert.Empty(t, out.Attachments)
	})

	t.Run("oversize body rejected", func(t *testing.T) {
		m := NewManipulator(config.BodyConfig{LoggingEnabled: true, MaxLoggableBodySize: 4}, nil)
		_, err := m.Prepare(rest)
		require.Error(t, err)
		assert.Equal(t, types.CodeLoggingFailed, types.ErrorCode(err))
	})

	t.Run("oversize body truncated when allowed", func(t *testing.T) {
		m := NewManipulator(config.BodyConfig{LoggingEnabled: true, MaxLoggableBodySize: 4, TruncatedBodyAllowed: true}, zaptest.NewLogger(t))
		out, err := m.Prepare(rest)
		require.NoError(t, err)
		assert.True(t, out.Truncated)
		assert.Equal(t, []byte(`{"pe`), out.Attachments[0].Data)
	})

	t.Run("soap attachments numbered from one", func(t *testing.T) {
		m := NewManipulator(config.BodyConfig{LoggingEnabled: true, MaxLoggableBodySize: 1024}, nil)
		msg := soapLogMessage(false)
		msg.Attachments = [][]byte{[]byte("a1"), []byte("a2")}
		out, err := m.Prepare(msg)
		require.NoError(t, err)
		require.Len(t, out.Attachments, 2)
		assert.Equal(t, 2, out.Attachments[1].Number)
		assert.Equal(t, []byte("a2"), out.Attachments[1].Data)
	})

	t.Run("soap attachments dropped with body", func(t *testing.T) {
		m := NewManipulator(config.BodyConfig{LoggingEnabled: false, MaxLoggableBodySize: 1024}, nil)
		msg := soapLogMessage(false)
		msg.Attachments = [][]byte{[]byte("a1")}
		out, err := m.Prepare(msg)
		require.NoError(t, err)
		assert.Empty(t, out.Attachments)
		assert.False(t, strings.Contains(out.Message, "secret"))
	})
}
