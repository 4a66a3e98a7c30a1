package body

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(soapMessage))
	require.NoError(t, err)

	assert.Equal(t, NamespaceSOAP11, env.Namespace)
	assert.Contains(t, string(env.Header), "<xrd:protocolVersion>4.0</xrd:protocolVersion>")
	assert.Contains(t, string(env.Payload), "<secret>42</secret>")

	// reassembling the unchanged parts yields the original bytes
	assert.Equal(t, soapMessage, string(NewEnvelopeBuilder(env).Build()))
}

func TestParseEnvelope_SOAP12SelfClosingBody(t *testing.T) {
	doc := `<env:Envelope xmlns:env="http://www.w3.org/2003/05/soap-envelope"><env:Body/></env:Envelope>`

	env, err := ParseEnvelope([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, NamespaceSOAP12, env.Namespace)
	assert.Empty(t, env.Payload)
	assert.Nil(t, env.Header)
	assert.Equal(t, doc, string(NewEnvelopeBuilder(env).WithoutPayload().Build()))
}

func TestParseEnvelope_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not xml", "plain text"},
		{"wrong root", `<Envelope><Body/></Envelope>`},
		{"no body", `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Header/></s:Envelope>`},
		{"two bodies", `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body/><s:Body/></s:Envelope>`},
		{"nested body only", `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><x><s:Body/></x></s:Envelope>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestEnvelopeBuilder_WithPayload(t *testing.T) {
	env, err := ParseEnvelope([]byte(soapMessage))
	require.NoError(t, err)

	out := NewEnvelopeBuilder(env).WithPayload([]byte("<replaced/>")).Build()

	parsed, err := ParseEnvelope(out)
	require.NoError(t, err)
	assert.Equal(t, "<replaced/>", string(parsed.Payload))
	assert.Equal(t, env.Header, parsed.Header)
}
