package compressor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("vzdump-qemu-100 "), 4096)
	packed, err := CompressChunk(data)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(data))

	unpacked, err := DecompressData(packed)
	require.NoError(t, err)
	assert.Equal(t, data, unpacked)
}

func TestShouldSkipCompression(t *testing.T) {
	assert.True(t, ShouldSkipCompression("/var/lib/vz/dump/vzdump-qemu-100.vma.zst"))
	assert.True(t, ShouldSkipCompression("backup.TAR.GZ"))
	assert.False(t, ShouldSkipCompression("backup.vma"))
}
