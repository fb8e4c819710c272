package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/cortex/pkg/errs"
)

func testPipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := NewPipeline(Config{Dir: t.TempDir()}, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func TestRiskScoring(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  int
	}{
		{"session start baseline", Event{Type: EventSessionStart, Success: true}, 10},
		{"unknown type default", Event{Type: "unheard_of", Success: true}, 15},
		{"upload baseline", Event{Type: EventDocumentUpload, Success: true}, 30},
		{"system error baseline", Event{Type: EventSystemError, Success: true}, 60},
		{"sensitive keyword", Event{Type: EventRAGQuery, Success: true, DataContent: "what is the admin password"}, 50},
		{"failure modifier", Event{Type: EventAuthentication, Success: false}, 50},
		{"high risk content", Event{Type: EventAgentMessage, Success: true, DataContent: "please drop table users"}, 40},
		{"compliance keyword", Event{Type: EventComplianceCheck, Success: true, DataContent: "gdpr export request"}, 70},
		{"capped at 100", Event{Type: EventSystemError, Success: false, DataContent: "password exfiltrate gdpr bulk"}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScorer(nil)
			ev := tt.event
			s.Score(&ev)
			if ev.RiskScore != tt.want {
				t.Errorf("score = %d, want %d (flags %v)", ev.RiskScore, tt.want, ev.ComplianceFlags)
			}
		})
	}
}

func TestRepeatedFailureModifier(t *testing.T) {
	s := NewScorer(nil)
	var last int
	for i := 0; i < 3; i++ {
		ev := Event{Type: EventAuthentication, Success: false, UserID: "user-1"}
		s.Score(&ev)
		last = ev.RiskScore
	}
	// Third consecutive failure crosses the threshold: 25 + 25 + 20.
	if last != 70 {
		t.Errorf("third failure score = %d, want 70", last)
	}

	// A success resets the streak.
	ok := Event{Type: EventAuthentication, Success: true, UserID: "user-1"}
	s.Score(&ok)
	again := Event{Type: EventAuthentication, Success: false, UserID: "user-1"}
	s.Score(&again)
	if again.RiskScore != 50 {
		t.Errorf("post-reset failure score = %d, want 50", again.RiskScore)
	}
}

func TestScoringIsDeterministic(t *testing.T) {
	a, b := NewScorer(nil), NewScorer(nil)
	evA := Event{Type: EventRAGSearch, Success: true, Action: "search", DataContent: "quarterly revenue"}
	evB := evA
	a.Score(&evA)
	b.Score(&evB)
	if evA.RiskScore != evB.RiskScore {
		t.Errorf("scores diverged: %d vs %d", evA.RiskScore, evB.RiskScore)
	}
}

func TestEnqueueLandsInBothSinks(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPipeline(Config{Dir: dir}, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	p.Enqueue(&Event{
		Type:        EventDocumentUpload,
		Action:      "upload",
		UserID:      "user-1",
		Success:     true,
		DataContent: "file body",
	})
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// LDJSON log has one parseable line with the scored fields.
	f, err := os.Open(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("audit.log is empty")
	}
	var line map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
		t.Fatalf("log line not JSON: %v", err)
	}
	if line["event_type"] != "document_upload" || line["risk_score"] != float64(30) {
		t.Errorf("log line = %v", line)
	}

	// The embedded store holds the same event, with the content hashed.
	store, err := OpenStore(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	events, err := store.ListEvents(context.Background(), EventFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("stored events = %d", len(events))
	}
	ev := events[0]
	if ev.ID == "" || ev.RiskScore != 30 || ev.UserID != "user-1" {
		t.Errorf("stored event = %+v", ev)
	}
	if len(ev.DataHash) != 16 {
		t.Errorf("data hash = %q", ev.DataHash)
	}
	if ev.DataContent != "" {
		t.Errorf("raw content leaked into store: %q", ev.DataContent)
	}
}

func TestEnqueueShedsOldestWhenFull(t *testing.T) {
	// No drain workers: the queue stays full so the shed path is
	// deterministic.
	p := &Pipeline{
		scorer:         NewScorer(nil),
		queue:          make(chan *Event, 1),
		droppedCounter: prometheus.NewCounter(prometheus.CounterOpts{Name: "test_dropped"}),
		eventCounter:   prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_events"}, []string{"event_type"}),
	}

	p.Enqueue(&Event{Type: EventRAGQuery, Action: "first", Success: true})
	p.Enqueue(&Event{Type: EventRAGQuery, Action: "second", Success: true})
	p.Enqueue(&Event{Type: EventRAGQuery, Action: "third", Success: true})

	if got := p.Dropped(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
	// The newest event survived.
	if survivor := <-p.queue; survivor.Action != "third" {
		t.Errorf("survivor = %q, want third", survivor.Action)
	}
}

func TestListEventFilters(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	now := time.Now().UTC()
	seed := []*Event{
		{ID: "e1", Timestamp: now.Add(-3 * time.Hour), Type: EventRAGQuery, Level: LevelInfo, UserID: "alice", Action: "q", Success: true, RiskScore: 20},
		{ID: "e2", Timestamp: now.Add(-2 * time.Hour), Type: EventSystemError, Level: LevelError, UserID: "bob", Action: "boom", Success: false, RiskScore: 85, ComplianceFlags: []string{"repeated_failure"}},
		{ID: "e3", Timestamp: now.Add(-1 * time.Hour), Type: EventRAGQuery, Level: LevelInfo, UserID: "alice", Action: "q2", Success: true, RiskScore: 45, Category: "financial"},
	}
	for _, ev := range seed {
		if err := store.Insert(ctx, ev); err != nil {
			t.Fatalf("insert %s: %v", ev.ID, err)
		}
	}

	byType, err := store.ListEvents(ctx, EventFilter{Type: EventRAGQuery})
	if err != nil || len(byType) != 2 {
		t.Fatalf("by type = %d, %v", len(byType), err)
	}
	// Newest first.
	if byType[0].ID != "e3" {
		t.Errorf("order: first = %s", byType[0].ID)
	}

	risky, err := store.ListEvents(ctx, EventFilter{MinRisk: 80})
	if err != nil || len(risky) != 1 || risky[0].ID != "e2" {
		t.Fatalf("min risk = %+v, %v", risky, err)
	}

	recent, err := store.ListEvents(ctx, EventFilter{Since: now.Add(-90 * time.Minute), UserID: "alice"})
	if err != nil || len(recent) != 1 || recent[0].ID != "e3" {
		t.Fatalf("since+user = %+v, %v", recent, err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalEvents != 3 || stats.HighRiskEvents != 1 || stats.MediumRiskEvents != 1 || stats.LowRiskEvents != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.FinancialEvents != 1 || stats.ComplianceViolations != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.AvgRiskScore != 50 {
		t.Errorf("avg risk = %v", stats.AvgRiskScore)
	}
}

func TestReportCoversEveryEventInWindow(t *testing.T) {
	p := testPipeline(t)
	defer p.Close()
	ctx := context.Background()

	const total = 120
	for i := 0; i < total; i++ {
		p.Enqueue(&Event{Type: EventRAGQuery, Action: "q", UserID: "alice", Success: true})
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		stats, err := p.RealtimeStats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.TotalEvents == total {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("events never landed: %+v", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The default list page stays bounded.
	page, err := p.store.ListEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatalf("list default: %v", err)
	}
	if len(page) != 100 {
		t.Errorf("default page = %d, want 100", len(page))
	}

	// A negative limit lifts the cap for full-window aggregation.
	all, err := p.store.ListEvents(ctx, EventFilter{Limit: -1})
	if err != nil {
		t.Fatalf("list unbounded: %v", err)
	}
	if len(all) != total {
		t.Errorf("unbounded list = %d, want %d", len(all), total)
	}

	raw, err := p.GenerateReport(ctx, time.Hour, FormatJSON, false)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	var report Report
	if err := json.Unmarshal(raw, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.TotalEvents != total {
		t.Errorf("report total = %d, want %d", report.TotalEvents, total)
	}
}

func TestGenerateReportFormats(t *testing.T) {
	p := testPipeline(t)
	defer p.Close()
	ctx := context.Background()

	p.Enqueue(&Event{Type: EventDocumentUpload, Action: "upload", UserID: "alice", Success: true})
	p.Enqueue(&Event{Type: EventSystemError, Action: "crash", UserID: "bob", Success: false})
	// Reports read the store; wait for the drain workers.
	deadline := time.Now().Add(2 * time.Second)
	for {
		stats, err := p.RealtimeStats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.TotalEvents == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("events never landed: %+v", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}

	raw, err := p.GenerateReport(ctx, time.Hour, FormatJSON, true)
	if err != nil {
		t.Fatalf("json report: %v", err)
	}
	var report Report
	if err := json.Unmarshal(raw, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.TotalEvents != 2 || report.ByType["system_error"] != 1 || report.ByUser["alice"] != 1 {
		t.Errorf("report = %+v", report)
	}
	if report.HighRisk != 1 {
		t.Errorf("high risk = %d", report.HighRisk)
	}

	csvOut, err := p.GenerateReport(ctx, time.Hour, FormatCSV, false)
	if err != nil {
		t.Fatalf("csv report: %v", err)
	}
	if !strings.Contains(string(csvOut), "event_type,document_upload,1") {
		t.Errorf("csv:\n%s", csvOut)
	}

	htmlOut, err := p.GenerateReport(ctx, time.Hour, FormatHTML, false)
	if err != nil {
		t.Fatalf("html report: %v", err)
	}
	if !strings.Contains(string(htmlOut), "<h1>Audit Report</h1>") || !strings.Contains(string(htmlOut), "system_error") {
		t.Errorf("html:\n%s", htmlOut)
	}

	if _, err := p.GenerateReport(ctx, time.Hour, "xml", false); !errs.IsInvalidArgument(err) {
		t.Errorf("unknown format: want invalid_argument, got %v", err)
	}
}
