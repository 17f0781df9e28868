// Package monitor orchestrates the ingestion pipeline: restore state,
// replay backlog, then poll for new lines at a steady interval, committing
// each batch's domain writes and tailer offsets atomically and forwarding
// notifications only after a successful commit (spec §4.5).
package monitor

import (
	"context"
	"log"
	"time"

	"github.com/vrcjournal/vrcjournal/internal/notify"
	"github.com/vrcjournal/vrcjournal/internal/parser"
	"github.com/vrcjournal/vrcjournal/internal/processor"
	"github.com/vrcjournal/vrcjournal/internal/store"
	"github.com/vrcjournal/vrcjournal/internal/tailer"
)

// Monitor ties the Tailer, Parser, Processor, and Store together and
// drives the two-phase lifecycle of spec §4.5.
type Monitor struct {
	store     *store.Store
	tailer    *tailer.Tailer
	parser    *parser.Parser
	processor *processor.Processor
	sink      *notify.Sink

	pollInterval time.Duration
}

// New constructs a Monitor. Call Run to execute its full lifecycle.
func New(st *store.Store, t *tailer.Tailer, sink *notify.Sink, pollInterval time.Duration) *Monitor {
	return &Monitor{
		store:        st,
		tailer:       t,
		parser:       parser.New(),
		processor:    processor.New(),
		sink:         sink,
		pollInterval: pollInterval,
	}
}

// Run executes restore, backlog replay, the backend-ready signal, then
// blocks in the steady-state poll loop until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.restoreAndReplayBacklog(); err != nil {
		return err
	}

	m.sink.Send(notify.Ready{})

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.poll()
		}
	}
}

// restoreAndReplayBacklog is phase 1 of spec §4.5: restore Processor and
// Tailer state from the store, then replay every unread byte inside one
// transaction. No notifications are emitted for backlog.
func (m *Monitor) restoreAndReplayBacklog() error {
	tx, err := m.store.BeginTx()
	if err != nil {
		return err
	}

	if err := m.processor.Restore(tx); err != nil {
		tx.Rollback()
		return err
	}

	offsets, err := tx.ListLogFiles()
	if err != nil {
		tx.Rollback()
		return err
	}
	m.tailer.RestoreOffsets(offsets)

	result, err := m.tailer.ReadBacklog()
	if err != nil {
		tx.Rollback()
		return err
	}

	if _, err := m.applyBatch(tx, result); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// poll is one steady-state cycle of spec §4.5 phase 2: read whatever has
// grown since the last poll, apply it inside a single transaction, and
// forward notifications only once that transaction commits.
func (m *Monitor) poll() {
	result, err := m.tailer.Poll()
	if err != nil {
		log.Printf("monitor: poll read failed: %v", err)
		return
	}
	if len(result.Lines) == 0 {
		return
	}

	tx, err := m.store.BeginTx()
	if err != nil {
		log.Printf("monitor: begin transaction: %v", err)
		return
	}

	notifications, err := m.applyBatch(tx, result)
	if err != nil {
		tx.Rollback()
		log.Printf("monitor: poll batch discarded: %v", err)
		return
	}

	if err := tx.Commit(); err != nil {
		log.Printf("monitor: commit failed, offsets not advanced: %v", err)
		return
	}

	for _, n := range notifications {
		m.sink.Send(n)
	}
}

// applyBatch parses and folds every line in result against tx, then
// persists the resulting tailer offsets in the same transaction.
func (m *Monitor) applyBatch(tx *store.Tx, result tailer.Result) ([]notify.Event, error) {
	var notifications []notify.Event

	for _, line := range result.Lines {
		ev, ok := m.parser.ParseLine(line.Text)
		if !ok {
			continue
		}
		n, err := m.processor.Apply(tx, ev)
		if err != nil {
			return nil, err
		}
		if n != nil {
			notifications = append(notifications, n)
		}
	}

	for path, offset := range result.NewOffsets {
		if err := tx.UpdateLogFileOffset(path, offset); err != nil {
			return nil, err
		}
	}

	return notifications, nil
}
