package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Observation is one stream's evaluation in one heartbeat.
type Observation struct {
	CycleTS           time.Time
	Stream            string
	Selector          string
	FreshPrice        decimal.Decimal
	LastPrice         decimal.Decimal
	LastUpdated       time.Time
	DeviationPerMille int64
	Reason            string
	Triggered         bool
	TxHash            *string
	Error             *string
	CreatedAt         time.Time
}

// TriggerRecord tracks a submitted pullTrigger transaction.
type TriggerRecord struct {
	ID          int64
	TxHash      string
	Stream      string
	Selector    string
	Reason      string
	Nonce       int64
	Status      string
	BlockNumber *int64
	GasUsed     *int64
	Error       *string
	SubmittedAt time.Time
	SettledAt   *time.Time
}

// Trigger statuses persisted alongside the watcher outcomes.
const (
	TriggerPending   = "pending"
	TriggerFailed    = "failed"
	TriggerConfirmed = "confirmed"
	TriggerReverted  = "reverted"
	TriggerTimeout   = "timeout"
)
