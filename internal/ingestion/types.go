// Package ingestion defines the record types that flow through the
// micro-batch pipeline: raw CSV rows, validated events, rejections and the
// batches handed to the writer.
package ingestion

import (
	"crypto/md5"
	"time"

	"github.com/google/uuid"
)

// Columns is the fixed header every input file must carry, in order.
var Columns = []string{
	"event_id",
	"user_id",
	"product_id",
	"product_name",
	"product_category",
	"event_type",
	"price",
	"event_timestamp",
}

// Column widths of user_events in characters. The migrations under
// internal/schema declare the same limits.
const (
	MaxUserIDLen          = 64
	MaxProductIDLen       = 64
	MaxProductNameLen     = 255
	MaxProductCategoryLen = 128
)

// EventKind is the closed set of accepted event types.
type EventKind string

const (
	KindView     EventKind = "view"
	KindPurchase EventKind = "purchase"
)

// RawRecord is one row as read from an input file, before validation.
type RawRecord struct {
	EventID         string
	UserID          string
	ProductID       string
	ProductName     string
	ProductCategory string
	EventType       string
	Price           string
	EventTimestamp  string

	File     string
	Row      int
	ParseErr error
}

// ValidatedEvent is the typed form written to the destination table.
type ValidatedEvent struct {
	EventID         string    `json:"event_id"`
	UserID          string    `json:"user_id"`
	ProductID       string    `json:"product_id"`
	ProductName     string    `json:"product_name"`
	ProductCategory string    `json:"product_category"`
	Kind            EventKind `json:"event_type"`
	Price           *Price    `json:"price,omitempty"`
	EventTime       time.Time `json:"event_timestamp"`
}

// Reason classifies why a raw record was rejected.
type Reason string

const (
	ReasonMalformedRow     Reason = "malformed_row"
	ReasonInvalidHeader    Reason = "invalid_header"
	ReasonMissingField     Reason = "missing_field"
	ReasonInvalidField     Reason = "invalid_field"
	ReasonInvalidEventType Reason = "invalid_event_type"
	ReasonInvalidPrice     Reason = "invalid_price"
	ReasonInvalidTimestamp Reason = "invalid_timestamp"
	ReasonFutureTimestamp  Reason = "future_timestamp"
	ReasonInvalidID        Reason = "invalid_id"
	// ReasonWriteRejected marks a row the database refused on its own after
	// its batch failed with a data error.
	ReasonWriteRejected Reason = "write_rejected"
)

// RejectedRecord is a raw record that failed validation or was refused by
// the database. It never reaches the destination table.
type RejectedRecord struct {
	Record RawRecord
	Reason Reason
	Detail string
}

// Batch is the set of events collected from the files discovered in one
// trigger cycle.
type Batch struct {
	Events []ValidatedEvent
	Files  []string
}

// Len returns the number of events in the batch.
func (b *Batch) Len() int {
	return len(b.Events)
}

// DeriveEventID computes the identifier the producer assigns to an event:
// the MD5 digest of user, product and timestamp text, laid out as a UUID.
// The same inputs always yield the same identifier.
func DeriveEventID(userID, productID, timestamp string) string {
	sum := md5.Sum([]byte(userID + "_" + productID + "_" + timestamp))
	id, _ := uuid.FromBytes(sum[:])
	return id.String()
}
