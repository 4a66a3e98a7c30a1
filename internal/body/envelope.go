package body

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

// SOAP envelope namespaces
const (
	NamespaceSOAP11 = "http://schemas.xmlsoap.org/soap/envelope/"
	NamespaceSOAP12 = "http://www.w3.org/2003/05/soap-envelope"
)

// ErrNotEnvelope is returned for documents without a SOAP Envelope/Body
var ErrNotEnvelope = errors.New("document is not a SOAP envelope")

// Envelope is a SOAP message split into byte ranges around the body payload.
// Everything outside the payload is kept verbatim.
type Envelope struct {
	Namespace string

	// Head runs from the start of the document to the end of the Body start
	// tag, Tail from the Body end tag to the end of the document.
	Head    []byte
	Header  []byte
	Payload []byte
	Tail    []byte
}

// ParseEnvelope locates the header and body payload of a SOAP envelope
func ParseEnvelope(data []byte) (*Envelope, error) {
	d := xml.NewDecoder(bytes.NewReader(data))

	var (
		env                    Envelope
		depth                  int
		headerStart            int64 = -1
		bodyOpen, bodyClose    int64 = -1, -1
		inEnvelope, sawElement bool
	)

	for {
		start := d.InputOffset()
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse envelope: %w", err)
		}
		end := d.InputOffset()

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch {
			case depth == 1:
				if sawElement || t.Name.Local != "Envelope" || !isSOAPNamespace(t.Name.Space) {
					return nil, ErrNotEnvelope
				}
				sawElement = true
				inEnvelope = true
				env.Namespace = t.Name.Space
			case depth == 2 && inEnvelope && t.Name.Space == env.Namespace && t.Name.Local == "Header":
				headerStart = start
			case depth == 2 && inEnvelope && t.Name.Space == env.Namespace && t.Name.Local == "Body":
				if bodyOpen >= 0 {
					return nil, fmt.Errorf("%w: multiple Body elements", ErrNotEnvelope)
				}
				bodyOpen = end
			}
		case xml.EndElement:
			if depth == 2 && t.Name.Space == env.Namespace {
				switch t.Name.Local {
				case "Header":
					if headerStart >= 0 && env.Header == nil {
						env.Header = data[headerStart:end]
					}
				case "Body":
					bodyClose = start
				}
			}
			depth--
		}
	}

	if bodyOpen < 0 || bodyClose < bodyOpen {
		return nil, fmt.Errorf("%w: no Body element", ErrNotEnvelope)
	}

	env.Head = data[:bodyOpen]
	env.Payload = data[bodyOpen:bodyClose]
	env.Tail = data[bodyClose:]
	return &env, nil
}

func isSOAPNamespace(ns string) bool {
	return ns == NamespaceSOAP11 || ns == NamespaceSOAP12
}

// EnvelopeBuilder emits a new envelope from a parsed one
type EnvelopeBuilder struct {
	env     *Envelope
	payload []byte
}

// NewEnvelopeBuilder starts from env with its original payload
func NewEnvelopeBuilder(env *Envelope) *EnvelopeBuilder {
	return &EnvelopeBuilder{env: env, payload: env.Payload}
}

// WithoutPayload drops the body payload, leaving an empty Body element
func (b *EnvelopeBuilder) WithoutPayload() *EnvelopeBuilder {
	b.payload = nil
	return b
}

// WithPayload replaces the body payload
func (b *EnvelopeBuilder) WithPayload(payload []byte) *EnvelopeBuilder {
	b.payload = payload
	return b
}

// Build returns the serialized envelope
func (b *EnvelopeBuilder) Build() []byte {
	out := make([]byte, 0, len(b.env.Head)+len(b.payload)+len(b.env.Tail))
	out = append(out, b.env.Head...)
	out = append(out, b.payload...)
	out = append(out, b.env.Tail...)
	return out
}
