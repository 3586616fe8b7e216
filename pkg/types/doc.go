package types

import "time"

// Session records one imported or fetched call trace.
type Session struct {
	ID           string    `json:"id"`
	Source       string    `json:"source"`
	CallID       string    `json:"call_id"`
	Description  string    `json:"description"`
	MessageCount int       `json:"message_count"`
	MetricCount  int       `json:"metric_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Status       string    `json:"status"`
}

// Investigation is the combined result for one call.
type Investigation struct {
	ID         string          `json:"id" yaml:"id"`
	CallID     string          `json:"call_id" yaml:"call_id"`
	SessionID  string          `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at" yaml:"created_at"`
	Trace      *TraceAnalysis  `json:"trace,omitempty" yaml:"trace,omitempty"`
	Quality    *QualitySummary `json:"quality,omitempty" yaml:"quality,omitempty"`
	TraceError string          `json:"trace_error,omitempty" yaml:"trace_error,omitempty"`
	RTCPError  string          `json:"rtcp_error,omitempty" yaml:"rtcp_error,omitempty"`
	Issues     []string        `json:"issues" yaml:"issues"`
	Summary    string          `json:"summary" yaml:"summary"`
}
