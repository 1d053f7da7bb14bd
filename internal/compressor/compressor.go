package compressor

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v4"
)

// inputs that are already compressed gain nothing from another lz4 pass
var skipExtensions = map[string]bool{
	".zst": true, ".gz": true, ".tgz": true, ".xz": true, ".bz2": true, ".lzo": true,
	".zip": true, ".rar": true, ".7z": true,
	".mp4": true, ".mov": true, ".jpg": true, ".jpeg": true, ".png": true,
	".iso": true,
}

// ShouldSkipCompression reports whether chunks of filePath are stored raw.
func ShouldSkipCompression(filePath string) bool {
	ext := strings.ToLower(filepath.Ext(filePath))
	return skipExtensions[ext]
}

// CompressChunk lz4-frames chunkData.
func CompressChunk(chunkData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)
	if err := writer.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
		return nil, fmt.Errorf("compression setup failed: %w", err)
	}
	if _, err := writer.Write(chunkData); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	return buf.Bytes(), nil
}

// DecompressData reverses CompressChunk.
func DecompressData(data []byte) ([]byte, error) {
	var out bytes.Buffer
	if _, err := io.Copy(&out, lz4.NewReader(bytes.NewReader(data))); err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	return out.Bytes(), nil
}
