package domain

import "time"

// NotificationResult summarizes how one notification fared within a batch run.
type NotificationResult struct {
	NotificationID string
	RecipientID    string
	TokensSent     int
	TokensFailed   int
	Status         NotificationStatus
	Error          string
}

// RunSummary is returned by a completed batch run.
type RunSummary struct {
	RunID       string
	Processed   int
	Results     []NotificationResult
	CompletedAt time.Time
}

// StatusCounts tallies results by terminal status.
func (s *RunSummary) StatusCounts() map[NotificationStatus]int {
	counts := map[NotificationStatus]int{
		StatusSent:    0,
		StatusPartial: 0,
		StatusFailed:  0,
	}
	if s == nil {
		return counts
	}
	for _, result := range s.Results {
		counts[result.Status]++
	}
	return counts
}
