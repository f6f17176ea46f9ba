package device

import "time"

const (
	// DefaultWriteChunkSize is the maximum number of bytes written in a single BLE operation.
	// ATT_MTU of 23 bytes leaves 20 bytes of payload, which every BLE version supports.
	DefaultWriteChunkSize = 20

	// DefaultWriteChunkDelay is the pause between consecutive chunks so the peripheral
	// receive buffer is not overrun.
	DefaultWriteChunkDelay = 10 * time.Millisecond
)

// WriteChunked splits data into chunks of at most size bytes and hands each to write.
// A non-positive size falls back to DefaultWriteChunkSize. Stops at the first error.
func WriteChunked(data []byte, size int, delay time.Duration, write func(chunk []byte) error) error {
	if size <= 0 {
		size = DefaultWriteChunkSize
	}
	for len(data) > 0 {
		n := len(data)
		if n > size {
			n = size
		}
		if err := write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
		if len(data) > 0 && delay > 0 {
			time.Sleep(delay)
		}
	}
	return nil
}
