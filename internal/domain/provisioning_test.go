package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisioningLogStatus(t *testing.T) {
	cases := []struct {
		name      string
		total     int
		processed int
		want      LogStatus
	}{
		{name: "pending", total: 10, processed: 0, want: LogStatusPending},
		{name: "processing", total: 10, processed: 4, want: LogStatusProcessing},
		{name: "completed", total: 10, processed: 10, want: LogStatusCompleted},
		{name: "empty job", total: 0, processed: 0, want: LogStatusCompleted},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			log := ProvisioningLog{TotalDevices: tc.total, ProcessedDevices: tc.processed}
			assert.Equal(t, tc.want, log.Status())
		})
	}
}

func TestNewProvisioningResultKeepsMessageNilWhenEmpty(t *testing.T) {
	logID := uuid.New()
	record := DeviceRecord{SerialNumber: "A1", CINumber: "C1", SourceRow: 2}

	ok := NewProvisioningResult(logID, record, Outcome{Success: true})
	assert.Nil(t, ok.Message)
	assert.Equal(t, "", ok.MessageText())
	assert.Equal(t, 2, ok.SourceRow)

	failed := NewProvisioningResult(logID, record, FailedOutcome("timeout"))
	require.NotNil(t, failed.Message)
	assert.Equal(t, "timeout", failed.MessageText())
	assert.False(t, failed.Success)
}

func TestTallyResults(t *testing.T) {
	results := []ProvisioningResult{{Success: true}, {Success: false}, {Success: true}}
	success, failed := TallyResults(results)
	assert.Equal(t, 2, success)
	assert.Equal(t, 1, failed)
}

func TestErrorClassification(t *testing.T) {
	cause := errors.New("connection refused")
	dbErr := fmt.Errorf("batch 2: %w", NewDatabaseError("failed to record batch", cause))

	assert.True(t, IsDatabaseError(dbErr))
	assert.False(t, IsValidationError(dbErr))
	assert.ErrorIs(t, dbErr, cause)

	validation := NewValidationError("Missing required data in row %d", 5)
	assert.True(t, IsValidationError(validation))
	assert.Equal(t, "Missing required data in row 5", validation.Error())
}
