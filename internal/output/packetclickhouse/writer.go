package packetclickhouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tachyon/pkg/models"
)

// Config configures the ClickHouse HTTP writer.
type Config struct {
	URL         string
	Database    string
	Table       string
	Username    string
	Password    string
	Timeout     time.Duration
	Headers     map[string]string
	CreateTable bool
}

// Writer inserts packet records through the ClickHouse HTTP interface.
type Writer struct {
	base     string
	database string
	table    string
	username string
	password string
	headers  map[string]string
	client   *http.Client
}

const packetColumns = "ts, event_id, sequence, timestamp_ns, payload_len, flags, payload_head, truncated"

// NewWriter creates a ClickHouse HTTP writer. With CreateTable set the
// packets table is created when missing.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("clickhouse URL is empty")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Table == "" {
		cfg.Table = "packets"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	w := &Writer{
		base:     strings.TrimRight(cfg.URL, "/") + "/",
		database: cfg.Database,
		table:    cfg.Table,
		username: cfg.Username,
		password: cfg.Password,
		headers:  make(map[string]string, len(cfg.Headers)),
		client:   &http.Client{Timeout: cfg.Timeout},
	}
	for k, v := range cfg.Headers {
		w.headers[k] = v
	}

	if cfg.CreateTable {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		if err := w.EnsureTable(ctx); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// EnsureTable creates the packets table if it does not exist.
func (w *Writer) EnsureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s
(
    ts           DateTime64(9, 'UTC'),
    event_id     UUID,
    sequence     UInt64,
    timestamp_ns UInt64,
    payload_len  UInt32,
    flags        UInt16,
    payload_head String,
    truncated    Bool
)
ENGINE = MergeTree
ORDER BY (ts, sequence)`, w.qualifiedTable())
	return w.post(ctx, url.Values{}, strings.NewReader(ddl))
}

// WritePackets inserts a batch of packet records as JSONEachRow.
func (w *Writer) WritePackets(records []*models.PacketRecord) error {
	if len(records) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode packet record: %w", err)
		}
	}

	params := url.Values{}
	params.Set("query", fmt.Sprintf("INSERT INTO %s (%s) FORMAT JSONEachRow", w.qualifiedTable(), packetColumns))
	params.Set("date_time_input_format", "best_effort")
	return w.post(context.Background(), params, &body)
}

func (w *Writer) post(ctx context.Context, params url.Values, body io.Reader) error {
	params.Set("database", w.database)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.base+"?"+params.Encode(), body)
	if err != nil {
		return fmt.Errorf("build clickhouse request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if w.username != "" {
		req.SetBasicAuth(w.username, w.password)
	}
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("clickhouse request: %w", err)
	}
	defer resp.Body.Close()

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("clickhouse returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (w *Writer) qualifiedTable() string {
	return quoteIdent(w.database) + "." + quoteIdent(w.table)
}

// Close releases idle connections.
func (w *Writer) Close() error {
	w.client.CloseIdleConnections()
	return nil
}

func quoteIdent(v string) string {
	return "`" + strings.ReplaceAll(v, "`", "") + "`"
}
