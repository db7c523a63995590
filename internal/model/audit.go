package model

import "time"

// AuditEntry is one persisted record of a routing decision. A multi-key
// decision produces one entry per resolved key.
type AuditEntry struct {
	TimeIn         time.Time
	TimeOut        time.Time
	TimeEmail      time.Time
	MessageID      string
	Sender         string
	Classification string
	DecisionSource DecisionSource
	Text           string
	ThresholdType  string
	ModelCategory  string
	TenantID       string
	ModelVersion   string
	Confidence     float64
	Threshold      float64
}
