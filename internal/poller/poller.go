// Package poller feeds the processor from the bridge's read-only
// message store, or alternatively from a growing log file.
package poller

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/config"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/processor"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/store"
)

// Source is where the poller reads new inbound rows.
type Source interface {
	PollSince(ctx context.Context, cursor int64, limit int) ([]store.IncomingMessage, error)
}

// Sink accepts messages for processing.
type Sink interface {
	Submit(msg store.IncomingMessage) (<-chan processor.Result, bool)
}

// Poller holds a unix-seconds cursor and advances it only past
// messages with a terminal processing result.
type Poller struct {
	source Source
	sink   Sink
	cfg    func() *config.Config
	log    *slog.Logger

	cursor atomic.Int64
	polls  atomic.Uint64
}

// New creates a poller starting at the current time, so history from
// before this run is not replayed.
func New(source Source, sink Sink, cfg func() *config.Config, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	p := &Poller{source: source, sink: sink, cfg: cfg, log: log}
	p.cursor.Store(time.Now().Unix())
	return p
}

// SetCursor overrides the starting position.
func (p *Poller) SetCursor(ts int64) { p.cursor.Store(ts) }

// Cursor returns the current position.
func (p *Poller) Cursor() int64 { return p.cursor.Load() }

// Run ticks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	interval := p.cfg().Bridge.PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.log.Info("poller started", "interval", interval, "cursor", p.Cursor())
	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller stopped", "cursor", p.Cursor())
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one poll cycle. On a read error the cursor stays put and
// the next tick retries.
func (p *Poller) Tick(ctx context.Context) {
	p.polls.Add(1)
	cfg := p.cfg()

	rows, err := p.source.PollSince(ctx, p.cursor.Load(), cfg.Bridge.PollBatch)
	if err != nil {
		p.log.Warn("poll failed, will retry", "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	// Submit the whole batch first: distinct senders process in
	// parallel while per-sender order is preserved by the processor.
	results := make([]<-chan processor.Result, len(rows))
	for i, msg := range rows {
		results[i], _ = p.sink.Submit(msg)
	}

	for i, ch := range results {
		res := <-ch
		// Dropped and duplicate messages advance the cursor too;
		// otherwise they would be re-delivered forever.
		p.cursor.Store(rows[i].Timestamp.Unix())
		if res.Status == processor.StatusDropped {
			p.log.Warn("message dropped", "id", rows[i].ID)
		}
	}
}
