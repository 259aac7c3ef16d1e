package types

import "time"

// SyncStatus tracks whether a persisted row has been delivered to the
// external endpoint
type SyncStatus string

const (
	// SyncLocal marks rows not yet acknowledged by the endpoint
	SyncLocal SyncStatus = "local"
	// SyncSynced marks rows the endpoint acknowledged with a 2xx
	SyncSynced SyncStatus = "synced"
	// SyncPoisoned marks rows the endpoint permanently rejected (4xx other
	// than 408/429); they are excluded from future batches
	SyncPoisoned SyncStatus = "poisoned"
)

// Patient holds canonical demographics extracted from a message. At least
// one of ExternalID/InternalID is non-empty.
type Patient struct {
	ID         int64      `json:"-"`
	ExternalID string     `json:"external_id"`
	InternalID string     `json:"internal_id,omitempty"`
	FullName   string     `json:"full_name,omitempty"`
	DOB        string     `json:"dob,omitempty"`
	Sex        string     `json:"sex,omitempty"`
	Physician  string     `json:"physician,omitempty"`
	SyncStatus SyncStatus `json:"-"`
	CreatedAt  time.Time  `json:"-"`
}

// Order is one specimen worked by the analyzer
type Order struct {
	ID                 int64      `json:"-"`
	PatientID          int64      `json:"-"`
	SampleID           string     `json:"sample_id"`
	UniversalServiceID string     `json:"universal_service_id,omitempty"`
	OrderedAt          string     `json:"ordered_at,omitempty"`
	RawPayload         string     `json:"-"`
	SyncStatus         SyncStatus `json:"-"`
	CreatedAt          time.Time  `json:"-"`
}

// Result is a single observation bound to an order
type Result struct {
	ID             int64      `json:"-"`
	OrderID        int64      `json:"-"`
	TestCode       string     `json:"test_code"`
	Value          string     `json:"value"`
	Units          string     `json:"units,omitempty"`
	ReferenceRange string     `json:"reference_range,omitempty"`
	AbnormalFlags  string     `json:"abnormal_flags,omitempty"`
	ObservedAt     string     `json:"observed_at,omitempty"`
	Comment        string     `json:"comment,omitempty"`
	SyncStatus     SyncStatus `json:"-"`
	SyncedAt       *time.Time `json:"-"`
	CreatedAt      time.Time  `json:"-"`
}

// IngestRecord is one decoded and mapped message ready for persistence
type IngestRecord struct {
	AnalyzerInstance string
	Patient          Patient
	Order            Order
	Results          []Result
}
