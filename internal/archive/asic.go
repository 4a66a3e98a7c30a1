package archive

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/msglog-engine/go-core/pkg/types"
)

// ASiC container entry names
const (
	MimeTypeEntry          = "mimetype"
	MimeTypeASiCE          = "application/vnd.etsi.asic-e+zip"
	MessageEntrySOAP       = "message.xml"
	MessageEntryREST       = "message.txt"
	AttachmentEntryPrefix  = "attachment"
	SignatureEntry         = "META-INF/signatures.xml"
	TimestampEntry         = "META-INF/ts.tst"
	TSHashChainEntry       = "META-INF/ts-hashchain.xml"
	TSHashChainResultEntry = "META-INF/ts-hashchainresult.xml"
	SigHashChainEntry      = "META-INF/sig-hashchain.xml"
	SigHashChainResultEnt  = "META-INF/sig-hashchainresult.xml"
)

// Container is the content of a signed ASiC container of one message record
type Container struct {
	Kind                     types.MessageKind
	Message                  []byte
	Attachments              [][]byte
	Signature                []byte
	SigHashChain             []byte
	SigHashChainResult       []byte
	TimestampToken           []byte
	TimestampHashChain       []byte
	TimestampHashChainResult []byte
}

// NewContainer assembles the container of a time-stamped message record
func NewContainer(rec *types.ArchiveRecord) (*Container, error) {
	if rec == nil || rec.Message == nil {
		return nil, types.ErrNilRecord
	}
	if rec.Timestamp == nil {
		return nil, fmt.Errorf("record %d has no timestamp", rec.Message.ID)
	}

	msg := rec.Message
	c := &Container{
		Kind:                     msg.Kind,
		Message:                  []byte(msg.Message),
		Signature:                []byte(msg.Signature),
		SigHashChain:             []byte(msg.HashChain),
		SigHashChainResult:       []byte(msg.HashChainResult),
		TimestampToken:           rec.Timestamp.Token,
		TimestampHashChain:       []byte(msg.TimestampHashChain),
		TimestampHashChainResult: []byte(rec.Timestamp.HashChainResult),
	}
	for _, a := range msg.Attachments {
		c.Attachments = append(c.Attachments, a.Data)
	}
	return c, nil
}

// WriteTo serializes the container. The entry order is fixed and no
// modification times are written, so equal containers serialize to equal bytes.
func (c *Container) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)

	if err := writeEntry(zw, MimeTypeEntry, []byte(MimeTypeASiCE), zip.Store); err != nil {
		return cw.n, err
	}
	if err := writeEntry(zw, c.messageEntryName(), c.Message, zip.Deflate); err != nil {
		return cw.n, err
	}
	for i, a := range c.Attachments {
		if err := writeEntry(zw, AttachmentEntryPrefix+strconv.Itoa(i+1), a, zip.Deflate); err != nil {
			return cw.n, err
		}
	}

	optional := []struct {
		name string
		data []byte
	}{
		{SignatureEntry, c.Signature},
		{SigHashChainResultEnt, c.SigHashChainResult},
		{SigHashChainEntry, c.SigHashChain},
		{TimestampEntry, c.TimestampToken},
		{TSHashChainResultEntry, c.TimestampHashChainResult},
		{TSHashChainEntry, c.TimestampHashChain},
	}
	for _, e := range optional {
		if len(e.data) == 0 {
			continue
		}
		if err := writeEntry(zw, e.name, e.data, zip.Deflate); err != nil {
			return cw.n, err
		}
	}

	if err := zw.Close(); err != nil {
		return cw.n, fmt.Errorf("failed to finish container: %w", err)
	}
	return cw.n, nil
}

// Bytes returns the serialized container
func (c *Container) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := c.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Container) messageEntryName() string {
	if c.Kind == types.MessageKindREST {
		return MessageEntryREST
	}
	return MessageEntrySOAP
}

// ReadContainer parses a serialized container
func ReadContainer(data []byte) (*Container, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open container: %w", err)
	}
	if len(zr.File) == 0 || zr.File[0].Name != MimeTypeEntry {
		return nil, fmt.Errorf("container does not start with a mimetype entry")
	}

	c := &Container{Kind: types.MessageKindSOAP}
	attachments := make(map[int][]byte)
	for _, f := range zr.File {
		content, err := readFile(f)
		if err != nil {
			return nil, err
		}

		switch {
		case f.Name == MimeTypeEntry:
			if string(content) != MimeTypeASiCE {
				return nil, fmt.Errorf("unexpected container mimetype %q", content)
			}
		case f.Name == MessageEntrySOAP:
			c.Message = content
		case f.Name == MessageEntryREST:
			c.Kind = types.MessageKindREST
			c.Message = content
		case strings.HasPrefix(f.Name, AttachmentEntryPrefix):
			n, err := strconv.Atoi(strings.TrimPrefix(f.Name, AttachmentEntryPrefix))
			if err != nil || n < 1 {
				return nil, fmt.Errorf("invalid attachment entry %q", f.Name)
			}
			attachments[n] = content
		case f.Name == SignatureEntry:
			c.Signature = content
		case f.Name == SigHashChainEntry:
			c.SigHashChain = content
		case f.Name == SigHashChainResultEnt:
			c.SigHashChainResult = content
		case f.Name == TimestampEntry:
			c.TimestampToken = content
		case f.Name == TSHashChainEntry:
			c.TimestampHashChain = content
		case f.Name == TSHashChainResultEntry:
			c.TimestampHashChainResult = content
		default:
			return nil, fmt.Errorf("unexpected container entry %q", f.Name)
		}
	}

	for i := 1; i <= len(attachments); i++ {
		a, ok := attachments[i]
		if !ok {
			return nil, fmt.Errorf("container attachments are not numbered consecutively")
		}
		c.Attachments = append(c.Attachments, a)
	}
	return c, nil
}

func writeEntry(zw *zip.Writer, name string, data []byte, method uint16) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
	if err != nil {
		return fmt.Errorf("failed to create entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write entry %s: %w", name, err)
	}
	return nil
}

func readFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read entry %s: %w", f.Name, err)
	}
	return data, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
