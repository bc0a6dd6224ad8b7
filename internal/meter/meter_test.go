package meter

import (
	"errors"
	"strings"
	"syscall"
	"testing"
	"time"

	"obisbridge/internal/config"
	"obisbridge/internal/fault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysRunning() bool { return true }

func TestReadTelegramFraming(t *testing.T) {
	assert := assert.New(t)

	raw := nominalTelegram + "XY"
	telegram, err := readTelegram(strings.NewReader(raw), alwaysRunning)
	require.NoError(t, err)

	assert.Equal(byte('/'), telegram[0])
	assert.Equal(byte('!'), telegram[len(telegram)-3])
	assert.Equal(nominalTelegram+"XY", telegram)
}

func TestReadTelegramDiscardsLeadingNoise(t *testing.T) {
	assert := assert.New(t)

	raw := "trailing bytes of a previous frame\r\n" + nominalTelegram + "XY"
	telegram, err := readTelegram(strings.NewReader(raw), alwaysRunning)
	require.NoError(t, err)

	assert.Equal(byte('/'), telegram[0])
	assert.Equal(nominalTelegram+"XY", telegram)
}

// a reader that hands out its content in small chunks, then times out
type chunkedReader struct {
	data  []byte
	chunk int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, nil // timeout: the inter-byte timer expired with no data
	}
	n := r.chunk
	if n > len(r.data) {
		n = len(r.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestReadTelegramAcrossChunkedReads(t *testing.T) {
	r := &chunkedReader{data: []byte(nominalTelegram + "XY"), chunk: 7}
	telegram, err := readTelegram(r, alwaysRunning)
	require.NoError(t, err)
	assert.Equal(t, nominalTelegram+"XY", telegram)
}

func TestReadTelegramTimeoutMidFrame(t *testing.T) {
	// stream ends before the '!' terminator: transient timeout
	r := &chunkedReader{data: []byte("/EBZ5DD3BZ06ETA_107\r\n1-0:1.8"), chunk: 8}
	_, err := readTelegram(r, alwaysRunning)
	require.Error(t, err)

	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, syscall.ETIMEDOUT, fe.Code)
	assert.Equal(t, fault.Transient, fe.Severity())
}

func TestReadTelegramShutdown(t *testing.T) {
	_, err := readTelegram(strings.NewReader(nominalTelegram), func() bool { return false })
	require.Error(t, err)

	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, fault.Shutdown, fe.Severity())
}

func TestReadTelegramOverlongStream(t *testing.T) {
	// a stream that never terminates fills the frame buffer and is rejected
	raw := "/" + strings.Repeat("A", 2*telegramSize)
	_, err := readTelegram(strings.NewReader(raw), alwaysRunning)
	require.Error(t, err)

	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, syscall.EPROTO, fe.Code)
	assert.Equal(t, fault.Transient, fe.Severity())
}

func TestReconnectBackoff(t *testing.T) {
	assert := assert.New(t)

	cfg := config.ReconnectDelayConfig{Min: 5, Max: 60, Exponential: true}

	delay := cfg.MinDelay()
	var seen []time.Duration
	for i := 0; i < 6; i++ {
		seen = append(seen, delay)
		delay = nextDelay(delay, cfg)
	}
	assert.Equal([]time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second,
		40 * time.Second, 60 * time.Second, 60 * time.Second,
	}, seen)
}

func TestReconnectBackoffNonExponential(t *testing.T) {
	cfg := config.ReconnectDelayConfig{Min: 5, Max: 60, Exponential: false}
	assert.Equal(t, 5*time.Second, nextDelay(5*time.Second, cfg))
}
