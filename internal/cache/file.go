package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
)

const (
	tempPrefix = ".tmp-"
	// Cleaning trims to this fraction of a limit so it does not run again on
	// the very next write.
	cleanTargetRatio = 0.75
	staleTempAge     = time.Hour
)

// FileConfig configures a File backend.
type FileConfig struct {
	// Path is the root directory. It is created if missing.
	Path string
	// CleanInterval is how often the background cleaner runs. Zero disables
	// it; Clean can still be called directly.
	CleanInterval time.Duration
	// MaxAge removes entries not read or written for longer than this.
	MaxAge time.Duration
	// MaxBytes and MaxInodes bound the total size and the number of files.
	MaxBytes  int64
	MaxInodes int64
}

// File stores one file per key under a 256-way fan-out of directories named
// after the key hash. Writes go to a temp file that is renamed into place, so
// readers never observe a partial value.
type File struct {
	cfg FileConfig
	log zerolog.Logger
	now func() time.Time

	health *health

	cleanMu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// CleanResult summarises one cleaning pass.
type CleanResult struct {
	Scanned        int
	Removed        int
	RemainingFiles int
	RemainingBytes int64
}

func NewFile(cfg FileConfig, logger zerolog.Logger) (*File, error) {
	if cfg.Path == "" {
		return nil, ValidationError{Reason: "empty file cache path"}
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create file cache root: %w", err)
	}
	logger = logger.With().Str("component", "file-cache").Logger()
	f := &File{
		cfg:    cfg,
		log:    logger,
		now:    time.Now,
		health: newHealth(logger),
		stopCh: make(chan struct{}),
	}
	if cfg.CleanInterval > 0 {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.cleanLoop(cfg.CleanInterval)
		}()
	}
	return f, nil
}

// Close stops the background cleaner.
func (f *File) Close() error {
	close(f.stopCh)
	f.wg.Wait()
	return nil
}

func (f *File) Name() string  { return "File" }
func (f *File) Healthy() bool { return f.health.healthy() }

func (f *File) pathFor(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return filepath.Join(f.cfg.Path, hex.EncodeToString(sum[:1]), hex.EncodeToString(sum[1:]))
}

func (f *File) Get(_ context.Context, key string) ([]byte, bool) {
	path := f.pathFor(key)
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			f.health.fail("get", err)
		}
		return nil, false
	}
	storedKey, value, err := decodeFileEntry(b)
	if err != nil {
		f.health.fail("get", fmt.Errorf("%s: %w", path, err))
		return nil, false
	}
	if storedKey != key {
		// Hash collision; the other key owns this file.
		return nil, false
	}
	f.health.ok()
	now := f.now()
	_ = os.Chtimes(path, now, now)
	return value, true
}

func (f *File) Put(_ context.Context, key string, value []byte) {
	if err := f.write(key, value); err != nil {
		f.health.fail("put", err)
		return
	}
	f.health.ok()
}

func (f *File) write(key string, value []byte) error {
	path := f.pathFor(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(encodeFileEntry(key, value)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (f *File) Delete(_ context.Context, key string) {
	err := os.Remove(f.pathFor(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		f.health.fail("delete", err)
	}
}

func encodeFileEntry(key string, value []byte) []byte {
	var buf bytes.Buffer
	var n [binary.MaxVarintLen64]byte
	buf.Write(n[:binary.PutUvarint(n[:], uint64(len(key)))])
	buf.WriteString(key)
	buf.Write(value)
	return buf.Bytes()
}

func decodeFileEntry(b []byte) (string, []byte, error) {
	klen, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < klen {
		return "", nil, errors.New("corrupt cache file header")
	}
	key := string(b[n : n+int(klen)])
	return key, b[n+int(klen):], nil
}

func (f *File) cleanLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-t.C:
			res, err := f.Clean()
			if err != nil {
				f.log.Error().Err(err).Msg("clean failed")
				continue
			}
			f.log.Debug().
				Int("scanned", res.Scanned).
				Int("removed", res.Removed).
				Int64("remaining_bytes", res.RemainingBytes).
				Msg("cleaned")
		}
	}
}

type fileInfo struct {
	path    string
	size    int64
	modTime time.Time
}

// Clean removes entries older than MaxAge, then removes the least recently
// used entries until both size and inode counts are under their limits.
func (f *File) Clean() (CleanResult, error) {
	f.cleanMu.Lock()
	defer f.cleanMu.Unlock()

	now := f.now()
	var res CleanResult
	var files []fileInfo
	var total int64

	err := filepath.WalkDir(f.cfg.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		res.Scanned++
		if strings.HasPrefix(d.Name(), tempPrefix) {
			if now.Sub(info.ModTime()) > staleTempAge {
				_ = os.Remove(path)
			}
			return nil
		}
		if f.cfg.MaxAge > 0 && now.Sub(info.ModTime()) > f.cfg.MaxAge {
			if os.Remove(path) == nil {
				res.Removed++
			}
			return nil
		}
		files = append(files, fileInfo{path: path, size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
		return nil
	})
	if err != nil {
		return res, err
	}

	count := int64(len(files))
	overBytes := f.cfg.MaxBytes > 0 && total > f.cfg.MaxBytes
	overInodes := f.cfg.MaxInodes > 0 && count > f.cfg.MaxInodes
	if overBytes || overInodes {
		targetBytes := int64(float64(f.cfg.MaxBytes) * cleanTargetRatio)
		targetInodes := int64(float64(f.cfg.MaxInodes) * cleanTargetRatio)

		sort.Slice(files, func(i, j int) bool {
			return files[i].modTime.Before(files[j].modTime)
		})
		for i := 0; i < len(files); i++ {
			bytesOK := f.cfg.MaxBytes <= 0 || total <= targetBytes
			inodesOK := f.cfg.MaxInodes <= 0 || count <= targetInodes
			if bytesOK && inodesOK {
				break
			}
			if err := os.Remove(files[i].path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				continue
			}
			res.Removed++
			total -= files[i].size
			count--
		}
	}

	res.RemainingFiles = int(count)
	res.RemainingBytes = total
	return res, nil
}
