package models

import "time"

// BatchStatus is the terminal or in-progress status of a BatchJob.
type BatchStatus string

const (
	BatchStatusProcessing         BatchStatus = "PROCESSING"
	BatchStatusCompleted          BatchStatus = "COMPLETED"
	BatchStatusPartiallyCompleted BatchStatus = "PARTIALLY_COMPLETED"
	BatchStatusError              BatchStatus = "ERROR"
	BatchStatusCancelled          BatchStatus = "CANCELLED"
)

// BatchJob drives many QuoteRequests under the same project with bounded
// concurrency and resumable indexing.
type BatchJob struct {
	ID                 string
	ProjectID          string
	Status             BatchStatus
	TotalItems         int
	CompletedItems     int
	FailedItems        int
	LastProcessedIndex int
	CreatedAt          time.Time
	CompletedAt        time.Time
}
