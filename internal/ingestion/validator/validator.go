// Package validator turns raw CSV rows into typed events. Rules are applied
// in a fixed order and the first failing rule decides the rejection reason.
package validator

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion"
	"github.com/google/uuid"
)

// DefaultTimestampLayout matches the producer's "YYYY-MM-DD HH:MM:SS".
const DefaultTimestampLayout = "2006-01-02 15:04:05"

// ValidationError describes the first rule a record failed.
type ValidationError struct {
	Reason ingestion.Reason
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", e.Reason, e.Field, e.Detail)
}

// Options tunes the validator.
type Options struct {
	TimestampLayout  string
	AllowedClockSkew time.Duration
}

// Validator checks raw records. It holds no mutable state and is safe for
// concurrent use.
type Validator struct {
	layout string
	skew   time.Duration
}

// New creates a Validator, filling in the default timestamp layout.
func New(opts Options) *Validator {
	if opts.TimestampLayout == "" {
		opts.TimestampLayout = DefaultTimestampLayout
	}
	if opts.AllowedClockSkew < 0 {
		opts.AllowedClockSkew = 0
	}
	return &Validator{layout: opts.TimestampLayout, skew: opts.AllowedClockSkew}
}

func reject(reason ingestion.Reason, field, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Field: field, Detail: fmt.Sprintf(format, args...)}
}

// Validate checks raw against the record rules relative to now. On failure
// it returns a *ValidationError; the returned event is then the zero value.
func (v *Validator) Validate(raw ingestion.RawRecord, now time.Time) (ingestion.ValidatedEvent, error) {
	if raw.ParseErr != nil {
		return ingestion.ValidatedEvent{}, reject(ingestion.ReasonMalformedRow, "", "%v", raw.ParseErr)
	}

	eventID := strings.TrimSpace(raw.EventID)
	userID := strings.TrimSpace(raw.UserID)
	productID := strings.TrimSpace(raw.ProductID)
	eventType := strings.TrimSpace(raw.EventType)
	timestamp := strings.TrimSpace(raw.EventTimestamp)

	required := []struct{ name, value string }{
		{"event_id", eventID},
		{"user_id", userID},
		{"product_id", productID},
		{"event_type", eventType},
		{"event_timestamp", timestamp},
	}
	for _, f := range required {
		if f.value == "" {
			return ingestion.ValidatedEvent{}, reject(ingestion.ReasonMissingField, f.name, "required field is empty")
		}
	}

	fields := []struct{ name, value string }{
		{"event_id", raw.EventID},
		{"user_id", raw.UserID},
		{"product_id", raw.ProductID},
		{"product_name", raw.ProductName},
		{"product_category", raw.ProductCategory},
		{"event_type", raw.EventType},
		{"price", raw.Price},
		{"event_timestamp", raw.EventTimestamp},
	}
	for _, f := range fields {
		if !utf8.ValidString(f.value) {
			return ingestion.ValidatedEvent{}, reject(ingestion.ReasonInvalidField, f.name, "not valid UTF-8")
		}
		if strings.IndexByte(f.value, 0) >= 0 {
			return ingestion.ValidatedEvent{}, reject(ingestion.ReasonInvalidField, f.name, "contains a NUL byte")
		}
	}

	productName := strings.TrimSpace(raw.ProductName)
	productCategory := strings.TrimSpace(raw.ProductCategory)
	bounded := []struct {
		name, value string
		max         int
	}{
		{"user_id", userID, ingestion.MaxUserIDLen},
		{"product_id", productID, ingestion.MaxProductIDLen},
		{"product_name", productName, ingestion.MaxProductNameLen},
		{"product_category", productCategory, ingestion.MaxProductCategoryLen},
	}
	for _, f := range bounded {
		if n := utf8.RuneCountInString(f.value); n > f.max {
			return ingestion.ValidatedEvent{}, reject(ingestion.ReasonInvalidField, f.name, "%d characters, limit is %d", n, f.max)
		}
	}

	kind := ingestion.EventKind(eventType)
	if kind != ingestion.KindView && kind != ingestion.KindPurchase {
		return ingestion.ValidatedEvent{}, reject(ingestion.ReasonInvalidEventType, "event_type", "%q is not view or purchase", eventType)
	}

	var price *ingestion.Price
	if kind == ingestion.KindPurchase {
		text := strings.TrimSpace(raw.Price)
		p, err := ingestion.ParsePrice(text)
		if err != nil {
			return ingestion.ValidatedEvent{}, reject(ingestion.ReasonInvalidPrice, "price", "%q: %v", text, err)
		}
		price = &p
	}

	ts, err := time.ParseInLocation(v.layout, timestamp, time.UTC)
	if err != nil {
		return ingestion.ValidatedEvent{}, reject(ingestion.ReasonInvalidTimestamp, "event_timestamp", "%q does not match %s", timestamp, v.layout)
	}
	if limit := now.UTC().Add(v.skew); ts.After(limit) {
		return ingestion.ValidatedEvent{}, reject(ingestion.ReasonFutureTimestamp, "event_timestamp", "%s is after %s", ts.Format(v.layout), limit.Format(v.layout))
	}

	id, err := uuid.Parse(eventID)
	if err != nil || len(eventID) != 36 {
		return ingestion.ValidatedEvent{}, reject(ingestion.ReasonInvalidID, "event_id", "%q is not a canonical UUID", eventID)
	}

	return ingestion.ValidatedEvent{
		EventID:         id.String(),
		UserID:          userID,
		ProductID:       productID,
		ProductName:     productName,
		ProductCategory: productCategory,
		Kind:            kind,
		Price:           price,
		EventTime:       ts,
	}, nil
}

// Result partitions a slice of raw records. Sources[i] is the row Valid[i]
// was built from.
type Result struct {
	Valid    []ingestion.ValidatedEvent
	Sources  []ingestion.RawRecord
	Rejected []ingestion.RejectedRecord
	Counts   map[ingestion.Reason]int
}

// ValidateAll validates every record, preserving input order within each
// partition.
func (v *Validator) ValidateAll(raws []ingestion.RawRecord, now time.Time) Result {
	res := Result{
		Valid:   make([]ingestion.ValidatedEvent, 0, len(raws)),
		Sources: make([]ingestion.RawRecord, 0, len(raws)),
		Counts:  make(map[ingestion.Reason]int),
	}
	for _, raw := range raws {
		ev, err := v.Validate(raw, now)
		if err != nil {
			verr := err.(*ValidationError)
			res.Rejected = append(res.Rejected, ingestion.RejectedRecord{
				Record: raw,
				Reason: verr.Reason,
				Detail: verr.Error(),
			})
			res.Counts[verr.Reason]++
			continue
		}
		res.Valid = append(res.Valid, ev)
		res.Sources = append(res.Sources, raw)
	}
	return res
}
