package msgcodec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	inputs := []string{
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Hello, world!"}]}}`,
		`{"content":"short"}`,
		`{}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"` +
			strings.Repeat("Lorem ipsum dolor sit amet, consectetur adipiscing elit. ", 40) +
			`"}]}}`,
	}

	for _, input := range inputs {
		data := []byte(input)
		encoded, compression := Encode(data)

		decoded, err := Decode(encoded, compression)
		require.NoError(t, err)
		assert.Equal(t, data, decoded)
	}
}

func TestEncodeBelowThresholdIsUncompressed(t *testing.T) {
	data := []byte(`{"content":"hello"}`)
	encoded, compression := Encode(data)
	assert.Equal(t, CompressionNone, compression)
	assert.Equal(t, data, encoded)
}

func TestEncodeAboveThresholdUsesZstd(t *testing.T) {
	data := []byte(strings.Repeat("x", Threshold+1))
	_, compression := Encode(data)
	assert.Equal(t, CompressionZstd, compression)
}

func TestDecodeUnknownCompressionReturnsError(t *testing.T) {
	_, err := Decode([]byte(`{}`), Compression(99))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported compression")
}
