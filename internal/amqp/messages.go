package amqp

import (
	"encoding/json"
	"time"
)

// Event kinds carried on the recurrence queue. The ledger publishes,
// the scheduler worker consumes and owns all subsequent timing.
const (
	KindSchedule = "schedule"
	KindCancel   = "cancel"
)

// RecurrenceEvent tells the scheduler that a template's pending job
// changed. Schedule events carry the instant to fire at; cancel events
// only the template id. The worker reads current state from the job
// table, so a stale event is harmless.
type RecurrenceEvent struct {
	Kind      string    `json:"kind"`
	ExpenseID int64     `json:"expense_id"`
	FiresAt   time.Time `json:"fires_at,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewScheduleEvent(expenseID int64, firesAt time.Time) *RecurrenceEvent {
	return &RecurrenceEvent{
		Kind:      KindSchedule,
		ExpenseID: expenseID,
		FiresAt:   firesAt,
		Timestamp: time.Now(),
	}
}

func NewCancelEvent(expenseID int64) *RecurrenceEvent {
	return &RecurrenceEvent{
		Kind:      KindCancel,
		ExpenseID: expenseID,
		Timestamp: time.Now(),
	}
}

func (e *RecurrenceEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func RecurrenceEventFromJSON(data []byte) (*RecurrenceEvent, error) {
	var e RecurrenceEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
