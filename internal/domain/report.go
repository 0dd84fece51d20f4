package domain

import "time"

// Report is a raw safety-incident event as handed over by the ingestion
// layer. Fields may be missing or garbage; classification must cope.
type Report struct {
	ID              string            `json:"id"`
	Description     string            `json:"description"`
	GenderSensitive bool              `json:"genderSensitive"`
	Lat             float64           `json:"lat"`
	Lon             float64           `json:"lon"`
	HasLocation     bool              `json:"hasLocation"`
	SubmittedAt     time.Time         `json:"submittedAt"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ClassificationResult is produced once per report and never mutated.
type ClassificationResult struct {
	Tier     Tier
	Priority int
	Reasons  []string
}
