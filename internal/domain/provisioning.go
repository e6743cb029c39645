package domain

import (
	"time"

	"github.com/google/uuid"
)

// LogStatus is derived from a log's counters; it is never stored.
type LogStatus string

const (
	LogStatusPending    LogStatus = "pending"
	LogStatusProcessing LogStatus = "processing"
	LogStatusCompleted  LogStatus = "completed"
)

// ProvisioningLog is one bulk submission and its aggregate progress.
type ProvisioningLog struct {
	ID                uuid.UUID `json:"id"`
	TicketNumber      string    `json:"ticketNumber"`
	Reason            string    `json:"reason"`
	CreatedBy         string    `json:"createdBy"`
	TotalDevices      int       `json:"totalDevices"`
	ProcessedDevices  int       `json:"processedDevices"`
	SuccessfulDevices int       `json:"successfulDevices"`
	FailedDevices     int       `json:"failedDevices"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// NewProvisioningLog prepares a log for a job of total devices.
func NewProvisioningLog(ticketNumber, reason, createdBy string, total int) ProvisioningLog {
	now := time.Now().UTC()
	return ProvisioningLog{
		ID:           uuid.New(),
		TicketNumber: ticketNumber,
		Reason:       reason,
		CreatedBy:    createdBy,
		TotalDevices: total,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Status derives the lifecycle state from the counters.
func (l ProvisioningLog) Status() LogStatus {
	return l.Counters().Status()
}

// Completed reports whether every device of the job has a recorded outcome.
func (l ProvisioningLog) Completed() bool {
	return l.Status() == LogStatusCompleted
}

// Counters returns the progress snapshot of the log.
func (l ProvisioningLog) Counters() Counters {
	return Counters{
		Processed: l.ProcessedDevices,
		Total:     l.TotalDevices,
		Success:   l.SuccessfulDevices,
		Failed:    l.FailedDevices,
	}
}

// Counters is the aggregate progress of a job.
type Counters struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
}

// Status derives the lifecycle state: completed once every device has an
// outcome, pending before the first batch commits.
func (c Counters) Status() LogStatus {
	switch {
	case c.Processed >= c.Total:
		return LogStatusCompleted
	case c.Processed == 0:
		return LogStatusPending
	default:
		return LogStatusProcessing
	}
}

// DeviceRecord is one parsed spreadsheet row. It is never persisted directly.
type DeviceRecord struct {
	SerialNumber string `json:"serialNumber"`
	CINumber     string `json:"ciNumber"`
	SourceRow    int    `json:"sourceRow"`
}

// Outcome is the result of attempting to provision one device.
type Outcome struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// FailedOutcome builds an unsuccessful outcome from a cause.
func FailedOutcome(cause string) Outcome {
	if cause == "" {
		cause = "provisioning failed"
	}
	return Outcome{Success: false, Message: cause}
}

// ProvisioningResult is the persisted outcome of one device.
type ProvisioningResult struct {
	ID           uuid.UUID `json:"id"`
	LogID        uuid.UUID `json:"logId"`
	SerialNumber string    `json:"serialNumber"`
	CINumber     string    `json:"ciNumber"`
	SourceRow    int       `json:"sourceRow"`
	Success      bool      `json:"success"`
	Message      *string   `json:"message,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// NewProvisioningResult pairs a device with its outcome under a log.
func NewProvisioningResult(logID uuid.UUID, record DeviceRecord, outcome Outcome) ProvisioningResult {
	result := ProvisioningResult{
		ID:           uuid.New(),
		LogID:        logID,
		SerialNumber: record.SerialNumber,
		CINumber:     record.CINumber,
		SourceRow:    record.SourceRow,
		Success:      outcome.Success,
		CreatedAt:    time.Now().UTC(),
	}
	if outcome.Message != "" {
		message := outcome.Message
		result.Message = &message
	}
	return result
}

// MessageText returns the message or an empty string.
func (r ProvisioningResult) MessageText() string {
	if r.Message == nil {
		return ""
	}
	return *r.Message
}

// TallyResults counts successes and failures in a batch.
func TallyResults(results []ProvisioningResult) (success, failed int) {
	for _, result := range results {
		if result.Success {
			success++
		} else {
			failed++
		}
	}
	return success, failed
}

// LogFilter narrows history queries.
type LogFilter struct {
	CreatedBy string
	StartDate *time.Time
	EndDate   *time.Time
	Status    LogStatus
}
