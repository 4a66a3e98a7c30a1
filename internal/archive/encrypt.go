package archive

import (
	"bytes"
	"context"
	"crypto"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"

	// keys without algorithm preferences fall back to RIPEMD-160
	_ "golang.org/x/crypto/ripemd160"

	"github.com/msglog-engine/go-core/internal/config"
)

// Encryption modes
const (
	EncryptionOpenPGP = "openpgp"
	EncryptionGPG     = "gpg"
)

// Encryptor wraps an archive stream. Closing the returned writer completes
// the ciphertext but leaves w open.
type Encryptor interface {
	Encrypt(w io.Writer) (io.WriteCloser, error)
}

// EncryptorProvider returns the encryptor of an archive group
type EncryptorProvider interface {
	ForGroup(group string) (Encryptor, error)
}

// openPGPConfig is used whenever the recipients' preferences allow it
var openPGPConfig = &packet.Config{
	DefaultHash:   crypto.SHA256,
	DefaultCipher: packet.CipherAES256,
}

// OpenPGPEncryptor encrypts in process to a set of OpenPGP public keys
type OpenPGPEncryptor struct {
	recipients openpgp.EntityList
}

// NewOpenPGPEncryptor creates an encryptor for recipients
func NewOpenPGPEncryptor(recipients openpgp.EntityList) (*OpenPGPEncryptor, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("openpgp encryption requires at least one recipient")
	}
	return &OpenPGPEncryptor{recipients: recipients}, nil
}

// Encrypt implements Encryptor
func (e *OpenPGPEncryptor) Encrypt(w io.Writer) (io.WriteCloser, error) {
	pt, err := openpgp.Encrypt(w, e.recipients, nil, &openpgp.FileHints{IsBinary: true}, openPGPConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to start openpgp encryption: %w", err)
	}
	return pt, nil
}

// LoadKeyRing reads an armored or binary OpenPGP key ring file
func LoadKeyRing(path string) (openpgp.EntityList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var keys openpgp.EntityList
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("-----BEGIN")) {
		keys, err = openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	} else {
		keys, err = openpgp.ReadKeyRing(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse key file %s: %w", path, err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("key file %s holds no keys", path)
	}
	return keys, nil
}

// WriteArmoredPublicKey writes the public part of entity in armored form
func WriteArmoredPublicKey(w io.Writer, entity *openpgp.Entity) error {
	aw, err := armor.Encode(w, openpgp.PublicKeyType, nil)
	if err != nil {
		return err
	}
	if err := entity.Serialize(aw); err != nil {
		aw.Close()
		return err
	}
	return aw.Close()
}

// Decrypt returns the plaintext of an OpenPGP message readable with keys
func Decrypt(r io.Reader, keys openpgp.EntityList) (io.Reader, error) {
	md, err := openpgp.ReadMessage(r, keys, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt archive: %w", err)
	}
	return md.UnverifiedBody, nil
}

// GPGEncryptor pipes the archive through a gpg subprocess
type GPGEncryptor struct {
	Binary  string
	HomeDir string
	KeyIDs  []string
	// Timeout bounds how long gpg may go without accepting input and how
	// long it may take to exit once the input is closed
	Timeout time.Duration
	Logger  *zap.Logger
}

// Encrypt implements Encryptor. A watchdog armed when the subprocess starts
// kills it after Timeout without progress; pending and later writes then
// fail instead of blocking.
func (e *GPGEncryptor) Encrypt(w io.Writer) (io.WriteCloser, error) {
	if len(e.KeyIDs) == 0 {
		return nil, fmt.Errorf("gpg encryption requires at least one key id")
	}

	binary := e.Binary
	if binary == "" {
		binary = "gpg"
	}
	args := []string{"--batch", "--no-tty", "--yes", "--trust-model", "always"}
	if e.HomeDir != "" {
		args = append(args, "--homedir", e.HomeDir)
	}
	args = append(args, "--output", "-", "--encrypt")
	for _, id := range e.KeyIDs {
		args = append(args, "--recipient", id)
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = w
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr
	// children that inherited the output pipes must not hold up Wait
	cmd.WaitDelay = time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open gpg input: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start gpg: %w", err)
	}

	g := &gpgWriter{
		stdin:   stdin,
		cmd:     cmd,
		cancel:  cancel,
		stderr:  stderr,
		timeout: timeout,
		logger:  logger,
	}
	g.watchdog = time.AfterFunc(timeout, g.kill)
	return g, nil
}

type gpgWriter struct {
	stdin    io.WriteCloser
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	stderr   *lockedBuffer
	timeout  time.Duration
	logger   *zap.Logger
	watchdog *time.Timer
	timedOut atomic.Bool

	once sync.Once
	err  error
}

// kill stops a stalled gpg. Closing stdin releases a Write blocked on a
// full pipe even when another process still holds the read end.
func (g *gpgWriter) kill() {
	if g.timedOut.Swap(true) {
		return
	}
	g.logger.Error("gpg made no progress in time, killing it", zap.Duration("timeout", g.timeout))
	g.cancel()
	_ = g.stdin.Close()
}

func (g *gpgWriter) timeoutErr() error {
	return fmt.Errorf("gpg timed out after %s", g.timeout)
}

func (g *gpgWriter) Write(p []byte) (int, error) {
	if g.timedOut.Load() {
		return 0, g.timeoutErr()
	}
	n, err := g.stdin.Write(p)
	if g.timedOut.Load() {
		return n, g.timeoutErr()
	}
	if err != nil {
		return n, fmt.Errorf("failed to write to gpg: %w", err)
	}
	g.watchdog.Reset(g.timeout)
	return n, nil
}

func (g *gpgWriter) Close() error {
	g.once.Do(func() {
		defer g.cancel()

		closeErr := g.stdin.Close()
		if !g.timedOut.Load() {
			g.watchdog.Reset(g.timeout)
		}
		err := g.cmd.Wait()
		g.watchdog.Stop()

		// a clean exit wins over a watchdog that fired after it
		switch {
		case err == nil && closeErr == nil:
		case g.timedOut.Load():
			g.err = g.timeoutErr()
		case err != nil:
			g.err = fmt.Errorf("gpg failed: %w: %s", err, strings.TrimSpace(g.stderr.String()))
		default:
			g.err = closeErr
		}
	})
	return g.err
}

// lockedBuffer collects stderr written by the exec copy goroutine
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewEncryptorProvider builds the per-group encryptors of the archive
// configuration. It returns nil when archive encryption is disabled.
func NewEncryptorProvider(cfg config.ArchiveConfig, logger *zap.Logger) (EncryptorProvider, error) {
	if !cfg.EncryptionEnabled {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.EncryptionMode {
	case EncryptionGPG:
		return &gpgProvider{cfg: cfg, logger: logger}, nil
	case EncryptionOpenPGP, "":
		p := &keyFileProvider{
			defaultFile: cfg.DefaultKeyFile,
			groupFiles:  cfg.GroupingKeyFiles,
			loaded:      make(map[string]*OpenPGPEncryptor),
		}
		// fail fast on unreadable keys
		for _, path := range p.paths() {
			if _, err := p.load(path); err != nil {
				return nil, err
			}
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown archive encryption mode %q", cfg.EncryptionMode)
	}
}

type keyFileProvider struct {
	defaultFile string
	groupFiles  map[string]string

	mu     sync.Mutex
	loaded map[string]*OpenPGPEncryptor
}

func (p *keyFileProvider) paths() []string {
	var out []string
	if p.defaultFile != "" {
		out = append(out, p.defaultFile)
	}
	for _, path := range p.groupFiles {
		out = append(out, path)
	}
	return out
}

func (p *keyFileProvider) load(path string) (*OpenPGPEncryptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if enc, ok := p.loaded[path]; ok {
		return enc, nil
	}
	keys, err := LoadKeyRing(path)
	if err != nil {
		return nil, err
	}
	enc, err := NewOpenPGPEncryptor(keys)
	if err != nil {
		return nil, err
	}
	p.loaded[path] = enc
	return enc, nil
}

// ForGroup returns the group's key, falling back to the default key
func (p *keyFileProvider) ForGroup(group string) (Encryptor, error) {
	path, ok := p.groupFiles[group]
	if !ok {
		path = p.defaultFile
	}
	if path == "" {
		return nil, fmt.Errorf("no archive encryption key for group %q", group)
	}
	return p.load(path)
}

type gpgProvider struct {
	cfg    config.ArchiveConfig
	logger *zap.Logger
}

func (p *gpgProvider) ForGroup(group string) (Encryptor, error) {
	ids, ok := p.cfg.GroupingKeyIDs[group]
	if !ok {
		ids = p.cfg.DefaultKeyIDs
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no archive encryption key ids for group %q", group)
	}
	return &GPGEncryptor{
		HomeDir: p.cfg.GPGHomeDir,
		KeyIDs:  ids,
		Timeout: p.cfg.GPGTimeout,
		Logger:  p.logger,
	}, nil
}
