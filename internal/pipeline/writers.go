package pipeline

import (
	"context"

	"tachyon/pkg/models"
)

// Core is the queue and ruleset surface the pipeline drives. *core.Core
// implements it.
type Core interface {
	SubmitPacket(p models.EventPacket) (int, error)
	DrainPackets(limit int) ([]models.EventPacket, error)
	QueryRule(subject string) bool
}

// Source yields raw envelope payloads.
type Source interface {
	PopBatch(ctx context.Context, max int) ([][]byte, error)
	Close() error
}

// PacketWriter writes drained packet records.
type PacketWriter interface {
	WritePackets(records []*models.PacketRecord) error
	Close() error
}

// QuarantineWriter writes envelopes rejected at intake.
type QuarantineWriter interface {
	WriteQuarantine(records []*models.QuarantineRecord) error
	Close() error
}
