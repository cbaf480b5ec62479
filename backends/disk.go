package backends

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/richardartoul/storetrace/pkg/locking"
)

const (
	diskKindScalar = "scalar"
	diskKindList   = "list"
)

// diskMetadata holds metadata for a stored entry.
type diskMetadata struct {
	Kind      string
	ExpiresAt time.Time // zero means no expiry
}

// Disk is a Backend that keeps every key in a file under a directory. It
// handles writing, reading, and metadata management for stored entries.
// All operations on a key run under the key's lock in the configured
// locking.Group; with a file-lock group several processes can share a directory.
type Disk struct {
	dir    string // Absolute path to the store directory
	locks  locking.Group
	logger *slog.Logger
	now    func() time.Time
}

// DiskOption configures a Disk backend.
type DiskOption func(*Disk)

// WithDiskLockGroup sets the group used to serialize operations per key.
func WithDiskLockGroup(g locking.Group) DiskOption {
	return func(d *Disk) {
		d.locks = g
	}
}

// WithDiskClock overrides the time source used for expiry checks.
func WithDiskClock(now func() time.Time) DiskOption {
	return func(d *Disk) {
		d.now = now
	}
}

// NewDisk creates a new disk backend rooted at dir.
func NewDisk(dir string, logger *slog.Logger, opts ...DiskOption) (*Disk, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	// Convert to absolute path once at initialization
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	// Precreate all 256 subdirectories (00-ff) to avoid syscalls during writes
	for i := 0; i < 256; i++ {
		subdir := fmt.Sprintf("%02x", i)
		if err := os.MkdirAll(filepath.Join(absDir, subdir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create subdirectory %s: %w", subdir, err)
		}
	}

	d := &Disk{
		dir:    absDir,
		locks:  locking.NewMemLock(),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// withKey runs fn under the key's lock.
func (d *Disk) withKey(ctx context.Context, key string, fn func() (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.locks.DoWithLock(key, fn)
}

func (d *Disk) Set(ctx context.Context, key string, value []byte) error {
	_, err := d.withKey(ctx, key, func() (interface{}, error) {
		return nil, d.write(key, value, diskMetadata{Kind: diskKindScalar})
	})
	return err
}

func (d *Disk) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := d.withKey(ctx, key, func() (interface{}, error) {
		return nil, d.write(key, value, diskMetadata{Kind: diskKindScalar, ExpiresAt: d.now().Add(ttl)})
	})
	return err
}

func (d *Disk) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := d.withKey(ctx, key, func() (interface{}, error) {
		meta, data, err := d.read(key)
		if err != nil || meta == nil {
			return nil, err
		}
		if meta.Kind != diskKindScalar {
			return nil, ErrWrongType
		}
		return cloneBytes(data), nil
	})
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, true, nil
	}
	return v.([]byte), false, nil
}

func (d *Disk) Incr(ctx context.Context, key string) (int64, error) {
	v, err := d.withKey(ctx, key, func() (interface{}, error) {
		meta, data, err := d.read(key)
		if err != nil {
			return nil, err
		}
		var n int64
		if meta != nil {
			if meta.Kind != diskKindScalar {
				return nil, ErrWrongType
			}
			if n, err = parseCounter(data); err != nil {
				return nil, err
			}
		} else {
			meta = &diskMetadata{Kind: diskKindScalar}
		}
		n++
		if err := d.write(key, []byte(strconv.FormatInt(n, 10)), *meta); err != nil {
			return nil, err
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (d *Disk) Append(ctx context.Context, key string, item []byte) error {
	_, err := d.withKey(ctx, key, func() (interface{}, error) {
		meta, data, err := d.read(key)
		if err != nil {
			return nil, err
		}
		if meta != nil && meta.Kind != diskKindList {
			return nil, ErrWrongType
		}
		if meta == nil {
			meta = &diskMetadata{Kind: diskKindList}
			data = nil
		}
		data = binary.AppendUvarint(data, uint64(len(item)))
		data = append(data, item...)
		return nil, d.write(key, data, *meta)
	})
	return err
}

func (d *Disk) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	v, err := d.withKey(ctx, key, func() (interface{}, error) {
		meta, data, err := d.read(key)
		if err != nil {
			return nil, err
		}
		if meta == nil {
			return [][]byte{}, nil
		}
		if meta.Kind != diskKindList {
			return nil, ErrWrongType
		}
		items, err := decodeDiskList(data)
		if err != nil {
			return nil, err
		}
		return sliceRange(items, start, stop), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([][]byte), nil
}

// Clear removes every stored entry, keeping the shard directories.
func (d *Disk) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for i := 0; i < 256; i++ {
		subdir := filepath.Join(d.dir, fmt.Sprintf("%02x", i))
		entries, err := os.ReadDir(subdir)
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", subdir, err)
		}
		for _, entry := range entries {
			if err := os.Remove(filepath.Join(subdir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
			}
		}
	}
	return nil
}

func (d *Disk) Close() error {
	return nil
}

// read loads metadata and data for key. A nil metadata means the key is
// missing or expired. Expired entries are removed.
func (d *Disk) read(key string) (*diskMetadata, []byte, error) {
	meta, err := d.readMetadata(key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	if !meta.ExpiresAt.IsZero() && !d.now().Before(meta.ExpiresAt) {
		d.remove(key)
		return nil, nil, nil
	}

	data, err := os.ReadFile(d.keyToPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Metadata without data is a torn write from a crashed process.
			d.logger.Warn("store file missing for existing metadata", "key", key)
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read data: %w", err)
	}
	return meta, data, nil
}

// write atomically replaces data and then metadata for key.
func (d *Disk) write(key string, data []byte, meta diskMetadata) error {
	path := d.keyToPath(key)
	if err := writeFileAtomic(path, data); err != nil {
		return err
	}

	// Format: kind:<kind>\nexpires:<unix nanos>\n
	var expires int64
	if !meta.ExpiresAt.IsZero() {
		expires = meta.ExpiresAt.UnixNano()
	}
	content := fmt.Sprintf("kind:%s\nexpires:%d\n", meta.Kind, expires)
	return writeFileAtomic(d.metadataPath(key), []byte(content))
}

// readMetadata reads metadata for a key.
// Returns an error wrapping fs.ErrNotExist if the key has never been written.
func (d *Disk) readMetadata(key string) (*diskMetadata, error) {
	data, err := os.ReadFile(d.metadataPath(key))
	if err != nil {
		return nil, err
	}

	meta := &diskMetadata{}
	var expires int64
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if kind, ok := strings.CutPrefix(line, "kind:"); ok {
			meta.Kind = kind
		} else if strings.HasPrefix(line, "expires:") {
			fmt.Sscanf(line, "expires:%d", &expires)
		}
	}

	if meta.Kind != diskKindScalar && meta.Kind != diskKindList {
		return nil, fmt.Errorf("metadata for %q has invalid kind %q", key, meta.Kind)
	}
	if expires != 0 {
		meta.ExpiresAt = time.Unix(0, expires)
	}
	return meta, nil
}

func (d *Disk) remove(key string) {
	for _, path := range []string{d.metadataPath(key), d.keyToPath(key)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			d.logger.Warn("failed to remove expired entry", "key", key, "error", err)
		}
	}
}

// keyToPath converts a key to a file path. Files are organized into 256
// subdirectories (00-ff) based on the first byte of the key's hash.
func (d *Disk) keyToPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	hexKey := hex.EncodeToString(sum[:])
	return filepath.Join(d.dir, hexKey[:2], hexKey)
}

// metadataPath returns the path to the metadata file for a key.
func (d *Disk) metadataPath(key string) string {
	return d.keyToPath(key) + ".meta"
}

// writeFileAtomic writes to a temp file first and then renames it into place,
// so partial files never exist under the final name.
func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// decodeDiskList splits a list payload of uvarint length-prefixed items.
func decodeDiskList(data []byte) ([][]byte, error) {
	r := bytes.NewReader(data)
	var items [][]byte
	for r.Len() > 0 {
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("failed to decode list item length: %w", err)
		}
		if n > uint64(r.Len()) {
			return nil, fmt.Errorf("list item length %d exceeds remaining %d bytes", n, r.Len())
		}
		item := make([]byte, n)
		if _, err := r.Read(item); err != nil && n > 0 {
			return nil, fmt.Errorf("failed to read list item: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}
