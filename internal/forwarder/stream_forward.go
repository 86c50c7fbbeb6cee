package forwarder

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/thushan/olla/internal/logger"
	"github.com/thushan/olla/pkg/pool"
)

// maxErrorBodyCapture bounds how much of a non-2xx upstream body is read into
// memory for classification (Retry-After / quota substring scanning, §4.7
// step 4). Successful bodies are streamed straight through and never fully
// buffered.
const maxErrorBodyCapture = 64 * 1024

// readChunkSize is sized to keep the client responsive under streaming while
// still giving the Stream Parser reasonably sized SSE lines to scan.
const readChunkSize = 4096

// chunkBuf is the pooled read buffer for one Forward call's upstream loop.
type chunkBuf struct {
	b []byte
}

func (c *chunkBuf) Reset() {
	c.b = c.b[:cap(c.b)]
}

var chunkPool = pool.NewLitePool(func() *chunkBuf {
	return &chunkBuf{b: make([]byte, readChunkSize)}
})

// ForwardResult carries everything the retry engine needs to classify an
// upstream attempt and feed AIMD/Circuit Breaker/Stream Parser (§4.7 step 4-6).
type ForwardResult struct {
	StatusCode   int
	TTFB         time.Duration
	TotalLatency time.Duration
	BytesWritten int
	Tail         []byte
	RetryAfterMs int64
	ErrorBody    string
	ClientClosed bool
}

// Forward pipes a successful upstream response to the client unchanged while
// teeing the tail into buf for the Stream Parser, or buffers a bounded
// failure body for classification when the response is not 2xx. Grounded on
// the teacher's streamResponseWithTimeout/performTimedRead read-with-timeout
// loop (sherpa/service_streaming.go), simplified since this proxy always
// knows up front whether the attempt succeeded from the status code alone.
func Forward(ctx context.Context, w http.ResponseWriter, resp *http.Response, buf *RingBuffer, readTimeout time.Duration, rlog *logger.StyledLogger) (*ForwardResult, error) {
	start := time.Now()
	result := &ForwardResult{StatusCode: resp.StatusCode}

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		result.RetryAfterMs = parseRetryAfter(ra)
	}

	success := resp.StatusCode >= 200 && resp.StatusCode < 300

	var flusher http.Flusher
	var canFlush bool
	if success {
		w.WriteHeader(resp.StatusCode)
		flusher, canFlush = w.(http.Flusher)
	}

	cb := chunkPool.Get()
	defer chunkPool.Put(cb)
	chunk := cb.b
	firstByte := true
	captured := 0

	for {
		n, readErr := readWithTimeout(ctx, resp.Body, chunk, readTimeout)
		if n > 0 {
			if firstByte {
				result.TTFB = time.Since(start)
				firstByte = false
			}
			buf.Write(chunk[:n])

			if success {
				written, writeErr := w.Write(chunk[:n])
				result.BytesWritten += written
				if writeErr != nil {
					result.ClientClosed = true
					result.TotalLatency = time.Since(start)
					return result, writeErr
				}
				if canFlush {
					flusher.Flush()
				}
			} else if captured < maxErrorBodyCapture {
				take := n
				if captured+take > maxErrorBodyCapture {
					take = maxErrorBodyCapture - captured
				}
				result.ErrorBody += string(chunk[:take])
				captured += take
			}
		}

		if readErr != nil {
			result.TotalLatency = time.Since(start)
			result.Tail = buf.Bytes()
			if errors.Is(readErr, io.EOF) {
				return result, nil
			}
			if errors.Is(readErr, errUpstreamStalled) {
				rlog.Warn("upstream read stalled", "status", result.StatusCode, "bytes_read", result.BytesWritten+captured)
			}
			return result, readErr
		}
	}
}

// readWithTimeout performs a single bounded read, returning a timeout error
// if the upstream stalls for longer than readTimeout between chunks, and
// respecting ctx cancellation (client disconnect or request-scoped timeout).
func readWithTimeout(ctx context.Context, r io.Reader, buf []byte, timeout time.Duration) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)

	go func() {
		n, err := r.Read(buf)
		ch <- result{n, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
		return 0, errUpstreamStalled
	}
}

var errUpstreamStalled = errors.New("upstream stopped sending data before the response completed")

// parseRetryAfter understands both the delta-seconds and HTTP-date forms of
// Retry-After (§6 Upstream headers honored).
func parseRetryAfter(v string) int64 {
	if secs, err := strconv.Atoi(v); err == nil {
		return int64(secs) * 1000
	}
	if when, err := http.ParseTime(v); err == nil {
		ms := time.Until(when).Milliseconds()
		if ms < 0 {
			return 0
		}
		return ms
	}
	return 0
}
