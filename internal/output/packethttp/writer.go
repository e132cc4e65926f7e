// Package packethttp posts drained packet records to a remote collector as
// newline-delimited JSON.
package packethttp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"tachyon/pkg/models"
)

// Request headers describing each posted chunk.
const (
	HeaderPacketCount   = "X-Tachyon-Packet-Count"
	HeaderFirstSequence = "X-Tachyon-First-Sequence"
	HeaderLastSequence  = "X-Tachyon-Last-Sequence"
)

// DefaultMaxBatch caps the records sent per request.
const DefaultMaxBatch = 1000

// Config configures the HTTP writer.
type Config struct {
	URL      string
	Timeout  time.Duration
	Headers  map[string]string
	MaxBatch int
}

// Writer posts packet records in chunks of at most MaxBatch.
type Writer struct {
	url      string
	headers  map[string]string
	maxBatch int
	client   *http.Client
}

// NewWriter creates an HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http packet URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	return &Writer{
		url:      cfg.URL,
		headers:  cfg.Headers,
		maxBatch: maxBatch,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// WritePackets posts records in submission order. Chunks are sent one after
// another and the first failure stops the write; the collector should treat
// the sequence range headers as an idempotency key when the batch is retried.
func (w *Writer) WritePackets(records []*models.PacketRecord) error {
	for start := 0; start < len(records); start += w.maxBatch {
		end := min(start+w.maxBatch, len(records))
		if err := w.post(records[start:end]); err != nil {
			return fmt.Errorf("post packets %d-%d of %d: %w", start, end-1, len(records), err)
		}
	}
	return nil
}

func (w *Writer) post(chunk []*models.PacketRecord) error {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	enc.SetEscapeHTML(false)
	for _, rec := range chunk {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to marshal packet record: %w", err)
		}
	}

	req, err := http.NewRequest(http.MethodPost, w.url, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set(HeaderPacketCount, strconv.Itoa(len(chunk)))
	req.Header.Set(HeaderFirstSequence, strconv.FormatUint(chunk[0].Sequence, 10))
	req.Header.Set(HeaderLastSequence, strconv.FormatUint(chunk[len(chunk)-1].Sequence, 10))
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http request failed with status %s", resp.Status)
	}
	return nil
}

// Close releases idle connections.
func (w *Writer) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
