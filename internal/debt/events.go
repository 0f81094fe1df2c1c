package debt

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types published on the ledger topic.
const (
	EventPeriodSynced   = "debt.period_synced"
	EventBatchCompleted = "debt.batch_completed"
)

// Event is the envelope written to Kafka.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// PeriodSynced is emitted after a single-account sync commits.
type PeriodSynced struct {
	Account        AccountRef      `json:"account"`
	Mode           SyncMode        `json:"mode"`
	Method         SyncMethod      `json:"method,omitempty"`
	FromYear       int             `json:"from_year"`
	ToYear         int             `json:"to_year"`
	ClosingBalance decimal.Decimal `json:"closing_balance"`
}

// PeriodSyncedEvent wraps a sync outcome into an event envelope.
func PeriodSyncedEvent(payload PeriodSynced, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: EventPeriodSynced, OccurredAt: at.UTC(), Payload: payload}
}

// BatchCompletedEvent wraps a batch summary into an event envelope.
func BatchCompletedEvent(summary BatchSummary, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: EventBatchCompleted, OccurredAt: at.UTC(), Payload: summary}
}
