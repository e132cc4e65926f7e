package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tachyon/internal/immune"
	"tachyon/internal/logger"
	"tachyon/internal/metrics"
	"tachyon/internal/queue"
	"tachyon/internal/rules"
	"tachyon/internal/transform/envelope"
	"tachyon/pkg/models"
)

// Intake results, used as the metrics label and in quarantine reasons.
const (
	ResultAccepted = "accepted"
	ResultDenied   = "denied"
	ResultInvalid  = "invalid"
	ResultOversize = "oversize"
	ResultDropped  = "dropped"
)

// Config controls pipeline behavior.
type Config struct {
	Workers         int
	ReadBatch       int
	DrainInterval   time.Duration
	DrainBatch      int
	MaxPayloadBytes int
	SubjectPrefix   string
	FullBackoff     time.Duration

	// Gate screens envelopes before the subject check. nil disables it.
	Gate *immune.Gate
}

// IngestPipeline pops envelopes, admits those whose subject the ruleset
// allows into the packet queue, and periodically drains the queue to a sink.
type IngestPipeline struct {
	source     Source
	parser     *envelope.Parser
	core       Core
	tagger     rules.Tagger
	writer     PacketWriter
	quarantine QuarantineWriter
	cfg        Config

	quarantineCh chan *models.QuarantineRecord
	warnLimiter  *rate.Limiter // caps per-envelope warnings
	now          func() time.Time
}

// NewIngestPipeline wires a pipeline. tagger and quarantine may be nil.
func NewIngestPipeline(source Source, c Core, tagger rules.Tagger, writer PacketWriter, quarantine QuarantineWriter, cfg Config) *IngestPipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.ReadBatch <= 0 {
		cfg.ReadBatch = 256
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 500 * time.Millisecond
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = 4096
	}
	if cfg.FullBackoff <= 0 {
		cfg.FullBackoff = 10 * time.Millisecond
	}
	if tagger == nil {
		tagger = rules.NoopTagger{}
	}
	return &IngestPipeline{
		source:       source,
		parser:       envelope.NewParser(cfg.SubjectPrefix),
		core:         c,
		tagger:       tagger,
		writer:       writer,
		quarantine:   quarantine,
		cfg:          cfg,
		quarantineCh: make(chan *models.QuarantineRecord, cfg.Workers*64),
		warnLimiter:  rate.NewLimiter(rate.Every(time.Second), 10),
		now:          time.Now,
	}
}

// Run starts the pipeline and blocks until ctx is done or the queue becomes
// unusable. Envelopes already popped are submitted and drained before return.
func (p *IngestPipeline) Run(ctx context.Context) error {
	logger.Infof("Ingest pipeline started: workers=%d drain_interval=%s", p.cfg.Workers, p.cfg.DrainInterval)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgCh := make(chan []byte, p.cfg.Workers*4)
	fatal := make(chan error, 1)
	fail := func(err error) {
		select {
		case fatal <- err:
		default:
		}
		cancel()
	}

	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		p.readLoop(ctx, msgCh)
		close(msgCh)
	}()

	for i := 0; i < p.cfg.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for payload := range msgCh {
				if err := p.Handle(ctx, payload); err != nil {
					fail(err)
				}
			}
		}()
	}

	stop := make(chan struct{})
	var sinks sync.WaitGroup
	sinks.Add(2)
	go func() {
		defer sinks.Done()
		if err := p.drainLoop(ctx, stop); err != nil {
			fail(err)
		}
	}()
	go func() {
		defer sinks.Done()
		p.quarantineLoop(stop)
	}()

	<-ctx.Done()
	workers.Wait()
	close(stop)
	sinks.Wait()

	select {
	case err := <-fatal:
		return err
	default:
		return ctx.Err()
	}
}

// Close releases pipeline resources.
func (p *IngestPipeline) Close() error {
	if p.quarantine != nil {
		if err := p.quarantine.Close(); err != nil {
			logger.Errorf("Failed to close quarantine writer: %v", err)
		}
	}
	if p.writer != nil {
		if err := p.writer.Close(); err != nil {
			logger.Errorf("Failed to close packet writer: %v", err)
		}
	}
	if p.source != nil {
		return p.source.Close()
	}
	return nil
}

// Handle admits or quarantines one raw envelope. Only errors that make the
// queue unusable are returned.
func (p *IngestPipeline) Handle(ctx context.Context, payload []byte) error {
	raw, err := envelope.Decode(payload)
	if err != nil {
		logger.Debugf("Rejecting malformed envelope: %v", err)
		p.reject(nil, len(payload), ResultInvalid, fmt.Sprintf("envelope parse failed: %v", err), nil)
		return nil
	}
	if rej := p.cfg.Gate.CheckSchema(raw); rej != nil {
		p.rejectGate(nil, len(payload), rej)
		return nil
	}

	env, err := p.parser.Build(payload, raw)
	if err != nil {
		logger.Debugf("Rejecting malformed envelope: %v", err)
		p.reject(nil, len(payload), ResultInvalid, fmt.Sprintf("envelope parse failed: %v", err), nil)
		return nil
	}

	if p.cfg.MaxPayloadBytes > 0 && len(env.Payload) > p.cfg.MaxPayloadBytes {
		p.reject(env, len(env.Payload), ResultOversize, "payload too large", nil)
		return nil
	}

	canonical, rej := p.cfg.Gate.Verify(raw, env)
	if rej != nil {
		p.rejectGate(env, len(env.Payload), rej)
		return nil
	}
	if rej := p.cfg.Gate.CheckPolicy(env, canonical); rej != nil {
		p.rejectGate(env, len(env.Payload), rej)
		return nil
	}

	if !p.core.QueryRule(env.Subject) {
		p.reject(env, len(env.Payload), ResultDenied, "ruleset validation failed: subject not allowed", canonical)
		return nil
	}

	flags := env.Flags | p.tagger.Apply(env)
	pkt, err := models.NewEventPacket(env.EventID, env.Sequence, env.TimestampNs, env.Payload, flags)
	if err != nil {
		p.reject(env, len(env.Payload), ResultOversize, err.Error(), canonical)
		return nil
	}

	if err := p.submit(ctx, pkt); err != nil {
		if errors.Is(err, queue.ErrUnavailable) {
			return err
		}
		if p.warnLimiter.Allow() {
			logger.Warnf("Dropping event %s: %v", env.EventID, err)
		}
		metrics.EnvelopesTotal.WithLabelValues(ResultDropped).Inc()
		return nil
	}
	metrics.EnvelopesTotal.WithLabelValues(ResultAccepted).Inc()
	return nil
}

// submit retries while the queue is at its configured maximum depth.
func (p *IngestPipeline) submit(ctx context.Context, pkt models.EventPacket) error {
	for {
		_, err := p.core.SubmitPacket(pkt)
		if !errors.Is(err, queue.ErrQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("queue full at shutdown: %w", err)
		case <-time.After(p.cfg.FullBackoff):
		}
	}
}

func (p *IngestPipeline) rejectGate(env *models.Envelope, payloadLen int, rej *immune.Rejection) {
	p.reject(env, payloadLen, rej.Result, rej.Reason, rej.Canonical)
}

func (p *IngestPipeline) reject(env *models.Envelope, payloadLen int, result, reason string, canonical []byte) {
	metrics.EnvelopesTotal.WithLabelValues(result).Inc()
	rec := &models.QuarantineRecord{
		ReceivedAt:        p.now().UTC(),
		PayloadLen:        payloadLen,
		Reason:            reason,
		CanonicalEnvelope: canonical,
	}
	if env != nil {
		rec.EventID = env.EventID.String()
		rec.Subject = env.Subject
		rec.Sequence = env.Sequence
		rec.CorrelationID = env.CorrelationID
	}
	select {
	case p.quarantineCh <- rec:
	default:
		if p.warnLimiter.Allow() {
			logger.Warnf("Quarantine buffer full, dropping record: reason=%s subject=%s", reason, rec.Subject)
		}
	}
}

func (p *IngestPipeline) readLoop(ctx context.Context, out chan<- []byte) {
	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := p.source.PopBatch(ctx, p.cfg.ReadBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("Failed to pop envelopes: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
		}
		for _, payload := range batch {
			out <- payload
		}
	}
}

// drainLoop moves packets from the queue to the writer on every tick, and
// once more after stop is closed.
func (p *IngestPipeline) drainLoop(ctx context.Context, stop <-chan struct{}) error {
	ticker := time.NewTicker(p.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			finalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return p.flush(finalCtx)
		case <-ticker.C:
			if err := p.flush(ctx); err != nil {
				return err
			}
		}
	}
}

// flush drains the queue in DrainBatch-sized chunks until it is empty.
func (p *IngestPipeline) flush(ctx context.Context) error {
	for {
		packets, err := p.core.DrainPackets(p.cfg.DrainBatch)
		if err != nil {
			logger.Errorf("Failed to drain packet queue: %v", err)
			return err
		}
		if len(packets) == 0 {
			return nil
		}

		start := time.Now()
		records := models.RecordsFromPackets(packets)
		if !p.writeWithRetry(ctx, records) {
			logger.Errorf("Discarding %d drained packets: %v", len(records), ctx.Err())
			return nil
		}
		metrics.DrainLatencySeconds.Observe(time.Since(start).Seconds())
		if len(packets) < p.cfg.DrainBatch {
			return nil
		}
	}
}

func (p *IngestPipeline) writeWithRetry(ctx context.Context, records []*models.PacketRecord) bool {
	for {
		err := p.writer.WritePackets(records)
		if err == nil {
			metrics.PacketsWrittenTotal.WithLabelValues("packets").Add(float64(len(records)))
			return true
		}
		metrics.SinkWriteErrorsTotal.WithLabelValues("packets").Inc()
		logger.Errorf("Failed to write packet records: %v", err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(1 * time.Second):
		}
	}
}

func (p *IngestPipeline) quarantineLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.DrainInterval)
	defer ticker.Stop()

	var batch []*models.QuarantineRecord
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if p.quarantine != nil {
			if err := p.quarantine.WriteQuarantine(batch); err != nil {
				metrics.SinkWriteErrorsTotal.WithLabelValues("quarantine").Inc()
				logger.Errorf("Failed to write %d quarantine records: %v", len(batch), err)
			}
		}
		batch = nil
	}

	for {
		select {
		case <-stop:
			for {
				select {
				case rec := <-p.quarantineCh:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		case <-ticker.C:
			flush()
		case rec := <-p.quarantineCh:
			batch = append(batch, rec)
			if len(batch) >= p.cfg.ReadBatch {
				flush()
			}
		}
	}
}
