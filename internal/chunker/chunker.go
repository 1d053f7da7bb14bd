// Package chunker splits a backup into encrypted chunk files and joins them
// back together.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/jaywantadh/offsite/internal/bundle"
	"github.com/jaywantadh/offsite/internal/compressor"
	"github.com/jaywantadh/offsite/internal/encryptor"
	"github.com/sirupsen/logrus"
)

// ChunkSuffix ends every encrypted chunk file name.
const ChunkSuffix = "_backup.crypt"

const (
	flagRaw byte = iota
	flagLZ4
)

type chunkTask struct {
	Index int
	Data  []byte
}

// Chunker encrypts and decrypts chunk files with one secret.
type Chunker struct {
	enc     encryptor.Encryptor
	secret  string
	workers int
	log     logrus.FieldLogger
}

// New creates a new Chunker. A workers value below one uses half the CPUs.
func New(secret string, workers int, log logrus.FieldLogger) *Chunker {
	if workers < 1 {
		workers = runtime.NumCPU() / 2
		if workers < 1 {
			workers = 1
		}
	}
	return &Chunker{enc: encryptor.NewEncryptor(), secret: secret, workers: workers, log: log.WithField("component", "chunker")}
}

// MaxChunkNumber is the all-nines bound used to size chunk name padding.
func MaxChunkNumber(fileSize, chunkBytes int64) int {
	digits := math.Ceil(math.Log10(float64(fileSize)/float64(chunkBytes) + 1))
	return int(math.Pow(10, digits)) - 1
}

// Encrypt splits file into chunkMB sized pieces (10^6 bytes per MB), each
// compressed when worthwhile and sealed into dir as NNN_backup.crypt.
func (c *Chunker) Encrypt(file, dir string, chunkMB float64) error {
	in, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	chunkBytes := int64(chunkMB * 1000000)
	if chunkBytes <= 0 {
		return fmt.Errorf("invalid chunk size %.2f MB", chunkMB)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	maxNumber := MaxChunkNumber(info.Size(), chunkBytes)
	compress := !compressor.ShouldSkipCompression(file)

	taskChan := make(chan chunkTask, c.workers)
	var wg sync.WaitGroup
	var errOnce sync.Once
	var processErr error
	done := make(chan struct{})

	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				if err := c.sealChunk(task, dir, maxNumber, compress); err != nil {
					errOnce.Do(func() {
						processErr = err
						close(done)
					})
				}
			}
		}()
	}

	readErr := func() error {
		defer close(taskChan)
		for index := 1; ; index++ {
			buf := make([]byte, chunkBytes)
			n, err := io.ReadFull(in, buf)
			if n > 0 {
				select {
				case taskChan <- chunkTask{Index: index, Data: buf[:n]}:
				case <-done:
					return nil
				}
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to read chunk: %w", err)
			}
		}
	}()
	wg.Wait()

	if readErr != nil {
		return readErr
	}
	if processErr != nil {
		return processErr
	}
	c.log.WithFields(logrus.Fields{"file": file, "dir": dir}).Info("✅ Encrypted chunks written")
	return nil
}

func (c *Chunker) sealChunk(task chunkTask, dir string, maxNumber int, compress bool) error {
	payload := append([]byte{flagRaw}, task.Data...)
	if compress {
		packed, err := compressor.CompressChunk(task.Data)
		if err != nil {
			return err
		}
		if len(packed) < len(task.Data) {
			payload = append([]byte{flagLZ4}, packed...)
		}
	}
	sealed, err := c.enc.Encrypt(payload, c.secret)
	if err != nil {
		return fmt.Errorf("encryption failed for chunk %d: %w", task.Index, err)
	}
	name := bundle.Name(task.Index, maxNumber, ChunkSuffix)
	if err := os.WriteFile(filepath.Join(dir, name), sealed, 0o644); err != nil {
		return fmt.Errorf("failed to write chunk %s: %w", name, err)
	}
	return nil
}

// Decrypt opens every file in dir in name order and appends the plaintext
// to out. With removeOriginals each chunk is deleted once written.
func (c *Chunker) Decrypt(dir, out string, removeOriginals bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	dst, err := os.OpenFile(out, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", out, err)
	}
	defer dst.Close()

	for _, name := range names {
		path := filepath.Join(dir, name)
		plain, err := c.openChunk(path)
		if err != nil {
			return fmt.Errorf("chunk %s: %w", name, err)
		}
		if _, err := dst.Write(plain); err != nil {
			return fmt.Errorf("failed to write %s: %w", out, err)
		}
		c.log.WithField("file", name).Debug("Decrypted chunk")
		if removeOriginals {
			if err := os.Remove(path); err != nil {
				return err
			}
		}
	}
	return dst.Close()
}

func (c *Chunker) openChunk(path string) ([]byte, error) {
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	payload, err := c.enc.Decrypt(sealed, c.secret)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty chunk payload")
	}
	switch payload[0] {
	case flagRaw:
		return payload[1:], nil
	case flagLZ4:
		return compressor.DecompressData(payload[1:])
	default:
		return nil, fmt.Errorf("unknown chunk flag %d", payload[0])
	}
}

// HashFile returns the lowercase hex sha256 of path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
