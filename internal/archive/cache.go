package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/msglog-engine/go-core/pkg/types"
)

// ErrArchiveClosed is returned by Add after Close until the archive is rotated
var ErrArchiveClosed = errors.New("archive is closed")

// ErrDuplicateRecord is returned by Add for a record already in the archive
var ErrDuplicateRecord = errors.New("record is already in the archive")

// CacheOptions configures a Cache
type CacheOptions struct {
	Group       string
	Algorithm   types.DigestAlgorithm
	Seed        types.DigestEntry
	MaxFileSize int64
	WorkDir     string
	Encryptor   Encryptor
	Suffix      func() string
	Logger      *zap.Logger
}

// Archive is a finished archive file in the working directory
type Archive struct {
	Path       string
	Name       string
	Group      string
	Start      time.Time
	End        time.Time
	RecordIDs  []int64
	Entries    []string
	Seed       types.DigestEntry
	LastDigest string
	// Size is the plaintext zip size
	Size      int64
	Encrypted bool
}

// DigestEntry returns the chain state the next archive of the group starts from
func (a *Archive) DigestEntry() types.DigestEntry {
	return types.DigestEntry{Digest: a.LastDigest, FileName: a.Name}
}

// Cache accumulates the containers of one archive group into a zip file in
// the working directory. It is not safe for concurrent use.
type Cache struct {
	opts    CacheOptions
	seed    types.DigestEntry
	linking *LinkingInfoBuilder

	file    *os.File
	enc     io.WriteCloser
	counter *countingWriter
	zw      *zip.Writer

	added    map[int64]struct{}
	ids      []int64
	entries  []string
	start    time.Time
	end      time.Time
	rotating bool

	finished *Archive
	closeErr error
}

// NewCache creates a cache seeded with the group's last archive digest
func NewCache(opts CacheOptions) (*Cache, error) {
	if opts.WorkDir == "" {
		return nil, fmt.Errorf("archive working directory is required")
	}
	if err := os.MkdirAll(opts.WorkDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create archive working directory: %w", err)
	}
	if opts.Algorithm == "" {
		opts.Algorithm = types.SHA512
	}
	if opts.Suffix == nil {
		opts.Suffix = RandomSuffix
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Cache{
		opts:    opts,
		seed:    opts.Seed,
		linking: NewLinkingInfoBuilder(opts.Algorithm, opts.Seed),
	}, nil
}

// Add appends the container of rec to the archive. A record is always added
// whole; when the archive reaches the maximum size it is marked rotating.
func (c *Cache) Add(rec *types.ArchiveRecord) error {
	if rec == nil || rec.Message == nil {
		return types.ErrNilRecord
	}
	if c.finished != nil || c.closeErr != nil {
		return ErrArchiveClosed
	}
	// entry names embed the record id, so they are unique per archive
	if _, dup := c.added[rec.Message.ID]; dup {
		return fmt.Errorf("record %d: %w", rec.Message.ID, ErrDuplicateRecord)
	}

	container, err := NewContainer(rec)
	if err != nil {
		return err
	}
	data, err := container.Bytes()
	if err != nil {
		return err
	}

	if c.file == nil {
		if err := c.open(); err != nil {
			return err
		}
	}

	name := EntryName(rec.Message) + containerSuffix
	if err := writeEntry(c.zw, name, data, zip.Store); err != nil {
		return err
	}
	if err := c.zw.Flush(); err != nil {
		return fmt.Errorf("failed to flush archive: %w", err)
	}

	c.linking.AddNextStep(name, c.opts.Algorithm.Digest(data))
	c.added[rec.Message.ID] = struct{}{}
	c.ids = append(c.ids, rec.Message.ID)
	c.entries = append(c.entries, name)

	created := rec.Message.CreatedAt
	if c.start.IsZero() || created.Before(c.start) {
		c.start = created
	}
	if c.end.IsZero() || created.After(c.end) {
		c.end = created
	}

	c.rotating = c.opts.MaxFileSize > 0 && c.counter.n >= c.opts.MaxFileSize
	return nil
}

func (c *Cache) open() error {
	f, err := os.CreateTemp(c.opts.WorkDir, "mlog-*.zip.tmp")
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}

	var w io.Writer = f
	if c.opts.Encryptor != nil {
		enc, err := c.opts.Encryptor.Encrypt(f)
		if err != nil {
			f.Close()
			os.Remove(f.Name())
			return err
		}
		c.enc = enc
		w = enc
	}

	c.file = f
	c.counter = &countingWriter{w: w}
	c.zw = zip.NewWriter(c.counter)
	c.added = make(map[int64]struct{})
	c.linking.Reset(c.seed)
	return nil
}

// IsRotating reports whether the archive reached the maximum file size
func (c *Cache) IsRotating() bool {
	return c.rotating
}

// Len returns the number of records in the open archive
func (c *Cache) Len() int {
	return len(c.ids)
}

// StartTime returns the earliest record creation time in the archive
func (c *Cache) StartTime() time.Time {
	return c.start
}

// EndTime returns the latest record creation time in the archive
func (c *Cache) EndTime() time.Time {
	return c.end
}

// LastDigest returns the current chain value
func (c *Cache) LastDigest() string {
	return c.linking.LastDigest()
}

// Close writes the linkinginfo entry and closes the archive file. Calling it
// again has no effect. A cache without records has nothing to close.
func (c *Cache) Close() error {
	if c.finished != nil || c.file == nil {
		return c.closeErr
	}

	archive, err := c.finish()
	if err != nil {
		c.closeErr = err
		c.cleanup()
		return err
	}
	c.finished = archive
	return nil
}

func (c *Cache) finish() (*Archive, error) {
	if err := writeEntry(c.zw, LinkingInfoEntryName, c.linking.Bytes(), zip.Deflate); err != nil {
		return nil, err
	}
	if err := c.zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	if c.enc != nil {
		if err := c.enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to encrypt archive: %w", err)
		}
	}
	if err := c.file.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync archive: %w", err)
	}
	if err := c.file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close archive: %w", err)
	}

	name := ArchiveFileName(c.opts.Group, c.start, c.end, c.opts.Suffix())
	if c.enc != nil {
		name += ".gpg"
	}

	a := &Archive{
		Path:       c.file.Name(),
		Name:       name,
		Group:      c.opts.Group,
		Start:      c.start,
		End:        c.end,
		RecordIDs:  c.ids,
		Entries:    c.entries,
		Seed:       c.seed,
		LastDigest: c.linking.LastDigest(),
		Size:       c.counter.n,
		Encrypted:  c.enc != nil,
	}
	c.opts.Logger.Debug("Archive file closed",
		zap.String("group", a.Group),
		zap.String("name", a.Name),
		zap.Int("records", len(a.RecordIDs)),
		zap.Int64("size", a.Size))
	return a, nil
}

// Rotate closes the archive and returns it. The next Add starts a new
// archive whose chain continues from the returned one. Rotating an empty
// cache returns nil.
func (c *Cache) Rotate() (*Archive, error) {
	if err := c.Close(); err != nil {
		return nil, err
	}

	archive := c.finished
	if archive != nil {
		c.seed = archive.DigestEntry()
	}
	c.reset()
	return archive, nil
}

// Discard drops the open archive and removes its file. The chain seed is
// kept, so the discarded records can be archived again.
func (c *Cache) Discard() {
	c.cleanup()
	if c.finished != nil {
		os.Remove(c.finished.Path)
	}
	c.reset()
}

func (c *Cache) cleanup() {
	if c.file == nil {
		return
	}
	if c.enc != nil {
		c.enc.Close()
	}
	c.file.Close()
	if c.finished == nil {
		os.Remove(c.file.Name())
	}
}

func (c *Cache) reset() {
	c.file = nil
	c.enc = nil
	c.counter = nil
	c.zw = nil
	c.added = nil
	c.ids = nil
	c.entries = nil
	c.start = time.Time{}
	c.end = time.Time{}
	c.rotating = false
	c.finished = nil
	c.closeErr = nil
	c.linking.Reset(c.seed)
}
