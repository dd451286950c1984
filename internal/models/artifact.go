package models

import "time"

// AnalysisStatus tracks the external analysis step for an artifact
type AnalysisStatus string

const (
	AnalysisPending     AnalysisStatus = "pending"
	AnalysisProcessing  AnalysisStatus = "processing"
	AnalysisCompleted   AnalysisStatus = "completed"
	AnalysisNeedsReview AnalysisStatus = "needs_review"
	AnalysisFailed      AnalysisStatus = "failed"
)

// InvoiceArtifact is a persisted invoice attachment. The triple
// (UserID, FileName, SourceSender) is unique.
type InvoiceArtifact struct {
	ID             string
	UserID         string
	FileName       string
	StoragePath    string
	SizeBytes      int64
	MimeType       string
	SourceSender   string
	AnalysisStatus AnalysisStatus
	CreatedAt      time.Time
}

// ProcessedMessage is the write-once ledger fact for a fully attempted message
type ProcessedMessage struct {
	ID              string
	UserID          string
	AccountID       string
	Provider        Provider
	MessageID       string
	ThreadID        string
	Subject         string
	Sender          string
	AttachmentCount int
	ArtifactIDs     []string
	ProcessedAt     time.Time
}

// OutboxMessage is a queued downstream notification
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
	Retries int
}

// AnalysisRequest is the payload sent to the analysis collaborator
type AnalysisRequest struct {
	ArtifactID  string `json:"artifactId"`
	StoragePath string `json:"storagePath"`
	UserID      string `json:"userId"`
}
