package job

import (
	"time"

	"github.com/google/uuid"

	"github.com/terrafusion/syncservice/internal/domain/record"
)

// OperationType is the kind of write an operation performs.
type OperationType string

const (
	OperationInsert OperationType = "insert"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// OperationStatus tracks an operation through its retry lifecycle.
type OperationStatus string

const (
	// OperationPending is a newly created operation that has not been attempted.
	OperationPending OperationStatus = "pending"
	// OperationRetrying is a scheduled retry whose attempt is in flight.
	OperationRetrying OperationStatus = "retrying"
	// OperationRetry is a failed attempt waiting for its retry timer.
	OperationRetry     OperationStatus = "retry"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
)

// IsTerminal reports whether the status is completed or failed.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationCompleted || s == OperationFailed
}

// SyncOperation is a single-record write with its own retry lifecycle.
type SyncOperation struct {
	OperationID   string          `json:"operation_id"`
	TableName     string          `json:"table_name"`
	OperationType OperationType   `json:"operation_type"`
	RecordIDs     []string        `json:"record_ids"`
	Records       []record.Record `json:"records,omitempty"`
	Status        OperationStatus `json:"status"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewOperation creates a pending operation for a single record.
func NewOperation(table string, opType OperationType, recordID string, rec record.Record) *SyncOperation {
	now := time.Now().UTC()
	return &SyncOperation{
		OperationID:   uuid.New().String(),
		TableName:     table,
		OperationType: opType,
		RecordIDs:     []string{recordID},
		Records:       []record.Record{rec},
		Status:        OperationPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// RecordID returns the ID of the record the operation covers.
func (o *SyncOperation) RecordID() string {
	if len(o.RecordIDs) == 0 {
		return ""
	}
	return o.RecordIDs[0]
}

// Record returns the record payload, or nil once it has been stripped.
func (o *SyncOperation) Record() record.Record {
	if len(o.Records) == 0 {
		return nil
	}
	return o.Records[0]
}

// MarkRetry records a failed attempt and schedules another.
func (o *SyncOperation) MarkRetry(err error) {
	o.RetryCount++
	o.Status = OperationRetry
	o.LastError = errorString(err)
	o.UpdatedAt = time.Now().UTC()
}

// MarkRetrying flags the operation as being reattempted.
func (o *SyncOperation) MarkRetrying() {
	o.Status = OperationRetrying
	o.UpdatedAt = time.Now().UTC()
}

// MarkCompleted marks the operation as successfully applied.
func (o *SyncOperation) MarkCompleted() {
	o.Status = OperationCompleted
	o.UpdatedAt = time.Now().UTC()
}

// MarkFailed marks the operation as terminally failed.
func (o *SyncOperation) MarkFailed(err error) {
	o.Status = OperationFailed
	o.LastError = errorString(err)
	o.UpdatedAt = time.Now().UTC()
}

// Clone returns a copy of the operation that shares no slices with the original.
func (o *SyncOperation) Clone() *SyncOperation {
	c := *o
	c.RecordIDs = append([]string(nil), o.RecordIDs...)
	if o.Records != nil {
		c.Records = make([]record.Record, len(o.Records))
		for i, r := range o.Records {
			c.Records[i] = r.Clone()
		}
	}
	return &c
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
