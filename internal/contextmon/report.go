package contextmon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Report aggregates a session's context events.
type Report struct {
	SessionID   string    `json:"sessionId"`
	GeneratedAt time.Time `json:"generatedAt"`

	Totals       map[EventType]int `json:"totals"`
	FirstEventAt *time.Time        `json:"firstEventAt,omitempty"`
	LastEventAt  *time.Time        `json:"lastEventAt,omitempty"`

	// ContextLimitSeries lists context-limit timestamps in arrival order.
	ContextLimitSeries []time.Time `json:"contextLimitSeries,omitempty"`
	// MeanContextLimitGapMs is the mean inter-arrival time between
	// consecutive context-limit events; zero with fewer than two events.
	MeanContextLimitGapMs int64 `json:"meanContextLimitGapMs"`

	CompactAttempts    int     `json:"compactAttempts"`
	CompactSuccesses   int     `json:"compactSuccesses"`
	CompactSuccessRate float64 `json:"compactSuccessRate"`
}

// GenerateReport aggregates the persisted event log and writes the report
// JSON next to it (temp-then-rename, so readers never see a torn file).
func (m *Monitor) GenerateReport() (*Report, error) {
	events, err := readEvents(m.logPath)
	if err != nil {
		return nil, err
	}

	report := buildReport(m.sessionID, events)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling context report: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.reportPath), ".context-report-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("creating temp report: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("writing temp report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("closing temp report: %w", err)
	}
	if err := os.Rename(tmpName, m.reportPath); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("replacing report: %w", err)
	}
	return report, nil
}

func buildReport(sessionID string, events []Event) *Report {
	report := &Report{
		SessionID:   sessionID,
		GeneratedAt: time.Now(),
		Totals:      make(map[EventType]int),
	}

	for _, event := range events {
		report.Totals[event.Type]++

		ts := event.Timestamp
		if report.FirstEventAt == nil || ts.Before(*report.FirstEventAt) {
			first := ts
			report.FirstEventAt = &first
		}
		if report.LastEventAt == nil || ts.After(*report.LastEventAt) {
			last := ts
			report.LastEventAt = &last
		}

		switch event.Type {
		case EventContextLimit:
			report.ContextLimitSeries = append(report.ContextLimitSeries, ts)
		case EventCompactAttempt:
			report.CompactAttempts++
			if success, ok := event.Payload["success"].(bool); ok && success {
				report.CompactSuccesses++
			}
		}
	}

	if n := len(report.ContextLimitSeries); n >= 2 {
		var total int64
		for i := 1; i < n; i++ {
			total += report.ContextLimitSeries[i].Sub(report.ContextLimitSeries[i-1]).Milliseconds()
		}
		report.MeanContextLimitGapMs = total / int64(n-1)
	}
	if report.CompactAttempts > 0 {
		report.CompactSuccessRate = float64(report.CompactSuccesses) / float64(report.CompactAttempts)
	}
	return report
}
