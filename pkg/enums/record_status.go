package enums

// RecordStatus is the lifecycle state shared by idempotency_records and
// consume_records.
type RecordStatus string

const (
	RecordStatusProcessing RecordStatus = "processing"
	RecordStatusSucceeded  RecordStatus = "succeeded"
	RecordStatusFailed     RecordStatus = "failed"
)

var validRecordStatuses = []RecordStatus{
	RecordStatusProcessing,
	RecordStatusSucceeded,
	RecordStatusFailed,
}

// IsValid reports whether the value matches the canonical record_status enum.
func (s RecordStatus) IsValid() bool {
	for _, candidate := range validRecordStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}
