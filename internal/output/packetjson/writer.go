package packetjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"tachyon/internal/logger"
	"tachyon/pkg/models"
)

// Writer appends drained packets to a JSON lines file.
type Writer struct {
	file    *os.File
	buf     *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewWriter creates a JSONL writer for packet records. Existing files are appended to.
func NewWriter(path string) (*Writer, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}

	logger.Infof("Packet JSON writer initialized: %s", path)
	buf := bufio.NewWriter(f)
	return &Writer{file: f, buf: buf, encoder: json.NewEncoder(buf)}, nil
}

// WritePackets writes a batch of packet records and flushes it.
func (w *Writer) WritePackets(records []*models.PacketRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, rec := range records {
		if err := w.encoder.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode packet record: %w", err)
		}
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush packet records: %w", err)
	}
	return nil
}

// Close flushes and closes the output file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	w.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
