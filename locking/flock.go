package locking

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	pkglocking "github.com/richardartoul/storetrace/pkg/locking"
)

// FileLock is a Group implementation backed by advisory file locks, so mutual
// exclusion holds across every process sharing lockDir. Within a process calls
// are first serialized in memory so only one goroutine waits on the file lock.
type FileLock struct {
	dir string
	mem *pkglocking.MemLock
}

// NewFileLock creates a FileLock whose lock files live in dir.
func NewFileLock(dir string) (*FileLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	return &FileLock{
		dir: absDir,
		mem: pkglocking.NewMemLock(),
	}, nil
}

func (f *FileLock) DoWithLock(key string, fn func() (interface{}, error)) (interface{}, error) {
	return f.mem.DoWithLock(key, func() (interface{}, error) {
		fl := flock.New(f.lockPath(key))
		if err := fl.Lock(); err != nil {
			return nil, fmt.Errorf("failed to acquire file lock for %q: %w", key, err)
		}
		defer fl.Unlock()
		return fn()
	})
}

// lockPath maps an arbitrary key to a fixed-length file name.
func (f *FileLock) lockPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:16])+".lock")
}
