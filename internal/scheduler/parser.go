package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// Spec is the JSON schedule definition stored with each schedule row.
type Spec struct {
	Kind       string `json:"kind"`        // "cron", "interval", "once"
	CronExpr   string `json:"cron_expr"`   // Cron expression (if kind=cron)
	IntervalMs int64  `json:"interval_ms"` // Interval in ms (if kind=interval)
	AtMs       int64  `json:"at_ms"`       // Unix ms timestamp (if kind=once)
}

func ParseSpec(raw string) (*Spec, error) {
	var s Spec
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("parse schedule spec: %w", err)
	}
	switch s.Kind {
	case "cron":
		if !gronx.New().IsValid(s.CronExpr) {
			return nil, fmt.Errorf("invalid cron expression %q", s.CronExpr)
		}
	case "interval":
		if s.IntervalMs <= 0 {
			return nil, fmt.Errorf("interval must be positive, got %d", s.IntervalMs)
		}
	case "once":
		if s.AtMs <= 0 {
			return nil, fmt.Errorf("once schedule needs at_ms")
		}
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return &s, nil
}

// CalculateNextRun returns the next fire time for a spec, or nil when the
// schedule has no future run (spent one-offs, malformed specs).
func CalculateNextRun(specJSON string) *time.Time {
	s, err := ParseSpec(specJSON)
	if err != nil {
		return nil
	}

	var next time.Time
	now := time.Now()

	switch s.Kind {
	case "cron":
		nextTime, err := gronx.NextTick(s.CronExpr, false)
		if err != nil {
			return nil
		}
		next = nextTime
	case "interval":
		next = now.Add(time.Duration(s.IntervalMs) * time.Millisecond)
	case "once":
		t := time.UnixMilli(s.AtMs)
		if !t.After(now) {
			return nil
		}
		next = t
	}

	return &next
}
