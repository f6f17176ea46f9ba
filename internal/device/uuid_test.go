package device_test

import (
	"errors"
	"testing"
	"time"

	"github.com/srg/blemq/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"180D", "180d"},
		{"0x2A37", "2a37"},
		{"0000180d-0000-1000-8000-00805f9b34fb", "180d"},
		{"6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "6e400001b5a3f393e0a9e50e24dcca9e"},
		{"6e400001b5a3f393e0a9e50e24dcca9e", "6e400001b5a3f393e0a9e50e24dcca9e"},
		{"", ""},
		{"12345", ""},
		{"zzzz", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, device.NormalizeUUID(tt.in))
		})
	}
}

func TestSameUUID(t *testing.T) {
	assert.True(t, device.SameUUID("180D", "0000180d-0000-1000-8000-00805f9b34fb"))
	assert.True(t, device.SameUUID("6e400002-b5a3-f393-e0a9-e50e24dcca9e", "6E400002B5A3F393E0A9E50E24DCCA9E"))
	assert.False(t, device.SameUUID("180D", "180F"))
	assert.False(t, device.SameUUID("", ""))
}

func TestValidateUUID(t *testing.T) {
	got, err := device.ValidateUUID("180D", "0x2a37")
	require.NoError(t, err)
	assert.Equal(t, []string{"180d", "2a37"}, got)

	_, err = device.ValidateUUID()
	assert.Error(t, err)

	_, err = device.ValidateUUID("180D", "")
	assert.ErrorContains(t, err, "index 1")

	_, err = device.ValidateUUID("nope")
	assert.ErrorContains(t, err, "invalid UUID format")
}

func TestWriteChunked(t *testing.T) {
	t.Run("splits payload on chunk boundaries", func(t *testing.T) {
		var chunks [][]byte
		err := device.WriteChunked([]byte("0123456789abcdefghijXYZ"), 10, 0, func(c []byte) error {
			chunks = append(chunks, append([]byte(nil), c...))
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("0123456789"), []byte("abcdefghij"), []byte("XYZ")}, chunks)
	})

	t.Run("uses default chunk size", func(t *testing.T) {
		calls := 0
		err := device.WriteChunked(make([]byte, 45), 0, time.Microsecond, func(c []byte) error {
			calls++
			assert.LessOrEqual(t, len(c), device.DefaultWriteChunkSize)
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on first error", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		err := device.WriteChunked(make([]byte, 60), 20, 0, func([]byte) error {
			calls++
			return boom
		})

		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("empty payload writes nothing", func(t *testing.T) {
		err := device.WriteChunked(nil, 20, 0, func([]byte) error {
			t.Fatal("write must not be called")
			return nil
		})
		assert.NoError(t, err)
	})
}
