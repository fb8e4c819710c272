package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// writeTimeout bounds one event's store insert so a wedged database cannot
// stall the drain workers forever.
const writeTimeout = 3 * time.Second

// Pipeline is the async audit sink. Enqueue never blocks: when the queue is
// full the oldest pending event is dropped and counted. Workers drain the
// queue into the LDJSON log and the embedded store.
type Pipeline struct {
	scorer  *Scorer
	store   *Store
	logFile *os.File
	slogger *slog.Logger
	logger  *slog.Logger

	queue chan *Event
	done  chan struct{}
	wg    sync.WaitGroup

	start   time.Time
	dropped atomic.Int64

	droppedCounter prometheus.Counter
	eventCounter   *prometheus.CounterVec
}

// NewPipeline opens the audit directory and starts the drain workers.
// Metrics register on reg when it is non-nil.
func NewPipeline(cfg Config, reg prometheus.Registerer) (*Pipeline, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(cfg.Dir, "audit.log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	store, err := OpenStore(filepath.Join(cfg.Dir, "audit.db"))
	if err != nil {
		_ = logFile.Close()
		return nil, err
	}

	p := &Pipeline{
		scorer:  NewScorer(cfg.Risk),
		store:   store,
		logFile: logFile,
		slogger: slog.New(slog.NewJSONHandler(logFile, nil)),
		logger:  slog.Default().With("component", "audit"),
		queue:   make(chan *Event, cfg.QueueSize),
		done:    make(chan struct{}),
		start:   time.Now(),
		droppedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cortex_audit_events_dropped_total",
			Help: "Audit events dropped because the queue was full",
		}),
		eventCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_audit_events_total",
			Help: "Audit events enqueued by event type",
		}, []string{"event_type"}),
	}
	if reg != nil {
		reg.MustRegister(p.droppedCounter, p.eventCounter)
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.drain()
	}
	return p, nil
}

// Enqueue scores and queues one event. It never blocks the caller: on a
// full queue the oldest pending event is discarded first.
func (p *Pipeline) Enqueue(ev *Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Level == "" {
		ev.Level = LevelInfo
	}
	if ev.DataContent != "" && ev.DataHash == "" {
		ev.DataHash = hashContent(ev.DataContent)
	}
	p.scorer.Score(ev)
	p.eventCounter.WithLabelValues(string(ev.Type)).Inc()

	select {
	case p.queue <- ev:
		return
	default:
	}
	// Queue full: shed the oldest pending event, then retry once. Losing
	// the race to another producer drops the new event instead.
	select {
	case <-p.queue:
		p.dropped.Add(1)
		p.droppedCounter.Inc()
	default:
	}
	select {
	case p.queue <- ev:
	default:
		p.dropped.Add(1)
		p.droppedCounter.Inc()
	}
}

// drain writes queued events until Close.
func (p *Pipeline) drain() {
	defer p.wg.Done()
	for {
		select {
		case ev := <-p.queue:
			p.write(ev)
		case <-p.done:
			for {
				select {
				case ev := <-p.queue:
					p.write(ev)
				default:
					return
				}
			}
		}
	}
}

// write lands one event in both sinks. A store failure is logged, not
// raised; the LDJSON line is the write of record.
func (p *Pipeline) write(ev *Event) {
	attrs := []any{
		"id", ev.ID,
		"timestamp", ev.Timestamp.Format(time.RFC3339Nano),
		"event_type", ev.Type,
		"level", ev.Level,
		"action", ev.Action,
		"success", ev.Success,
		"risk_score", ev.RiskScore,
	}
	if ev.UserID != "" {
		attrs = append(attrs, "user_id", ev.UserID)
	}
	if ev.SessionID != "" {
		attrs = append(attrs, "session_id", ev.SessionID)
	}
	if ev.IPAddress != "" {
		attrs = append(attrs, "ip_address", ev.IPAddress)
	}
	if ev.Resource != "" {
		attrs = append(attrs, "resource", ev.Resource)
	}
	if ev.Category != "" {
		attrs = append(attrs, "category", ev.Category)
	}
	if ev.DataHash != "" {
		attrs = append(attrs, "data_hash", ev.DataHash)
	}
	if len(ev.ComplianceFlags) > 0 {
		attrs = append(attrs, "compliance_flags", ev.ComplianceFlags)
	}
	if ev.ResponseTimeMS > 0 {
		attrs = append(attrs, "response_time_ms", ev.ResponseTimeMS)
	}
	if ev.ErrorMessage != "" {
		attrs = append(attrs, "error_message", ev.ErrorMessage)
	}
	for k, v := range ev.Details {
		attrs = append(attrs, k, v)
	}
	p.slogger.Info("audit", attrs...)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := p.store.Insert(ctx, ev); err != nil {
		p.logger.Error("audit store write failed", "event_id", ev.ID, "error", err)
	}
}

// Close drains outstanding events and releases both sinks.
func (p *Pipeline) Close() error {
	close(p.done)
	p.wg.Wait()
	err := p.logFile.Close()
	if cerr := p.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// Dropped reports how many events were shed since start.
func (p *Pipeline) Dropped() int64 { return p.dropped.Load() }

// RealtimeStats summarizes the store plus pipeline-local counters.
func (p *Pipeline) RealtimeStats(ctx context.Context) (RealtimeStats, error) {
	stats, err := p.store.Stats(ctx)
	if err != nil {
		return RealtimeStats{}, err
	}
	stats.UptimeHours = time.Since(p.start).Hours()
	stats.DroppedEvents = p.dropped.Load()
	return stats, nil
}

// ListEvents exposes the store's query surface.
func (p *Pipeline) ListEvents(ctx context.Context, f EventFilter) ([]*Event, error) {
	return p.store.ListEvents(ctx, f)
}

// hashContent returns the SHA-256 prefix recorded in place of raw content.
func hashContent(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}
