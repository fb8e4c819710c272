package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"sort"
	"strconv"
	"time"

	"github.com/haasonsaas/cortex/pkg/errs"
)

// ReportFormat selects the report rendering.
type ReportFormat string

const (
	FormatJSON ReportFormat = "json"
	FormatCSV  ReportFormat = "csv"
	FormatHTML ReportFormat = "html"
)

// Report aggregates the event store over a window. It is a pure function of
// the stored events; generating it twice over the same window yields the
// same counts.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	WindowHours float64   `json:"window_hours"`
	TotalEvents int       `json:"total_events"`

	ByType      map[string]int `json:"events_by_type"`
	ByUser      map[string]int `json:"events_by_user"`
	ByHour      map[int]int    `json:"events_by_hour"`
	ByFlag      map[string]int `json:"events_by_compliance_flag"`
	HighRisk    int            `json:"high_risk_events"`
	AvgRisk     float64        `json:"avg_risk_score"`
	ByCategory  map[string]int `json:"events_by_category,omitempty"`
	TopRiskList []*Event       `json:"top_risk_events,omitempty"`
}

// GenerateReport builds and renders a report over the trailing window.
func (p *Pipeline) GenerateReport(ctx context.Context, window time.Duration, format ReportFormat, includeCategoryAnalysis bool) ([]byte, error) {
	// Reports aggregate the whole window; paging would silently undercount.
	events, err := p.store.ListEvents(ctx, EventFilter{
		Since: time.Now().Add(-window),
		Limit: -1,
	})
	if err != nil {
		return nil, err
	}

	report := buildReport(events, window, includeCategoryAnalysis)
	switch format {
	case FormatJSON, "":
		return json.MarshalIndent(report, "", "  ")
	case FormatCSV:
		return renderCSV(report)
	case FormatHTML:
		return renderHTML(report)
	default:
		return nil, errs.InvalidArgumentf("unknown report format %q", format)
	}
}

func buildReport(events []*Event, window time.Duration, includeCategories bool) *Report {
	r := &Report{
		GeneratedAt: time.Now().UTC(),
		WindowHours: window.Hours(),
		TotalEvents: len(events),
		ByType:      map[string]int{},
		ByUser:      map[string]int{},
		ByHour:      map[int]int{},
		ByFlag:      map[string]int{},
	}
	if includeCategories {
		r.ByCategory = map[string]int{}
	}

	var riskSum int
	for _, ev := range events {
		r.ByType[string(ev.Type)]++
		if ev.UserID != "" {
			r.ByUser[ev.UserID]++
		}
		r.ByHour[ev.Timestamp.UTC().Hour()]++
		for _, flag := range ev.ComplianceFlags {
			r.ByFlag[flag]++
		}
		if includeCategories && ev.Category != "" {
			r.ByCategory[ev.Category]++
		}
		if ev.RiskScore >= highRiskFloor {
			r.HighRisk++
		}
		riskSum += ev.RiskScore
	}
	if len(events) > 0 {
		r.AvgRisk = float64(riskSum) / float64(len(events))
	}

	// Top offenders, highest risk first.
	sorted := make([]*Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].RiskScore > sorted[j].RiskScore })
	if len(sorted) > 10 {
		sorted = sorted[:10]
	}
	r.TopRiskList = sorted
	return r
}

func renderCSV(r *Report) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	rows := [][]string{{"section", "key", "count"}}
	for _, k := range sortedKeys(r.ByType) {
		rows = append(rows, []string{"event_type", k, strconv.Itoa(r.ByType[k])})
	}
	for _, k := range sortedKeys(r.ByUser) {
		rows = append(rows, []string{"user", k, strconv.Itoa(r.ByUser[k])})
	}
	for hour := 0; hour < 24; hour++ {
		if n := r.ByHour[hour]; n > 0 {
			rows = append(rows, []string{"hour", strconv.Itoa(hour), strconv.Itoa(n)})
		}
	}
	for _, k := range sortedKeys(r.ByFlag) {
		rows = append(rows, []string{"compliance_flag", k, strconv.Itoa(r.ByFlag[k])})
	}
	for _, k := range sortedKeys(r.ByCategory) {
		rows = append(rows, []string{"category", k, strconv.Itoa(r.ByCategory[k])})
	}
	rows = append(rows,
		[]string{"summary", "total_events", strconv.Itoa(r.TotalEvents)},
		[]string{"summary", "high_risk_events", strconv.Itoa(r.HighRisk)},
		[]string{"summary", "avg_risk_score", fmt.Sprintf("%.1f", r.AvgRisk)},
	)
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("render csv report: %w", err)
	}
	return buf.Bytes(), nil
}

var htmlReport = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head><title>Audit Report</title></head>
<body>
<h1>Audit Report</h1>
<p>Generated {{.GeneratedAt.Format "2006-01-02 15:04:05 MST"}} covering the last {{printf "%.0f" .WindowHours}} hours.</p>
<p>{{.TotalEvents}} events, {{.HighRisk}} high risk, average risk score {{printf "%.1f" .AvgRisk}}.</p>
<h2>Events by type</h2>
<table border="1">
<tr><th>Type</th><th>Count</th></tr>
{{range $k, $v := .ByType}}<tr><td>{{$k}}</td><td>{{$v}}</td></tr>
{{end}}</table>
<h2>Events by user</h2>
<table border="1">
<tr><th>User</th><th>Count</th></tr>
{{range $k, $v := .ByUser}}<tr><td>{{$k}}</td><td>{{$v}}</td></tr>
{{end}}</table>
{{if .ByCategory}}<h2>Events by category</h2>
<table border="1">
<tr><th>Category</th><th>Count</th></tr>
{{range $k, $v := .ByCategory}}<tr><td>{{$k}}</td><td>{{$v}}</td></tr>
{{end}}</table>
{{end}}<h2>Compliance flags</h2>
<table border="1">
<tr><th>Flag</th><th>Count</th></tr>
{{range $k, $v := .ByFlag}}<tr><td>{{$k}}</td><td>{{$v}}</td></tr>
{{end}}</table>
<h2>Top risk events</h2>
<table border="1">
<tr><th>Time</th><th>Type</th><th>Action</th><th>User</th><th>Risk</th></tr>
{{range .TopRiskList}}<tr><td>{{.Timestamp.Format "15:04:05"}}</td><td>{{.Type}}</td><td>{{.Action}}</td><td>{{.UserID}}</td><td>{{.RiskScore}}</td></tr>
{{end}}</table>
</body>
</html>
`))

func renderHTML(r *Report) ([]byte, error) {
	var buf bytes.Buffer
	if err := htmlReport.Execute(&buf, r); err != nil {
		return nil, fmt.Errorf("render html report: %w", err)
	}
	return buf.Bytes(), nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
