// Package journal keeps an append-only audit trail of fleet events in a
// relational database through GORM.
package journal

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/issdandavis/spiralverse-protocol/fleet/event"
	"github.com/issdandavis/spiralverse-protocol/internal/clock"
	"github.com/issdandavis/spiralverse-protocol/types"
)

// Record is one journaled event row.
type Record struct {
	ID        uint           `gorm:"primaryKey"`
	EventID   string         `gorm:"size:64;uniqueIndex"`
	Type      string         `gorm:"size:64;index"`
	Subject   string         `gorm:"size:128;index"`
	Reason    string         `gorm:"size:64"`
	Data      map[string]any `gorm:"serializer:json"`
	Timestamp time.Time      `gorm:"index"`
}

// TableName implements gorm's tabler.
func (Record) TableName() string { return "fleet_events" }

// Event converts the row back to an event.
func (r Record) Event() event.Event {
	return event.Event{
		ID:        r.EventID,
		Type:      event.Type(r.Type),
		Subject:   r.Subject,
		Reason:    types.ErrorCode(r.Reason),
		Data:      r.Data,
		Timestamp: r.Timestamp,
	}
}

func recordOf(e event.Event) Record {
	return Record{
		EventID:   e.ID,
		Type:      string(e.Type),
		Subject:   e.Subject,
		Reason:    string(e.Reason),
		Data:      e.Data,
		Timestamp: e.Timestamp,
	}
}

// Recorder observes journal writes.
type Recorder interface {
	RecordJournalWrite(duration time.Duration, err error)
}

// Journal writes events to the fleet_events table.
type Journal struct {
	db       *gorm.DB
	recorder Recorder
	clock    clock.Clock
	logger   *zap.Logger
}

// Option configures a Journal.
type Option func(*Journal)

// WithRecorder reports write latency and failures to r.
func WithRecorder(r Recorder) Option {
	return func(j *Journal) { j.recorder = r }
}

// WithClock sets the clock used to stamp events without a timestamp.
func WithClock(c clock.Clock) Option {
	return func(j *Journal) { j.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(j *Journal) { j.logger = l }
}

// New returns a journal on db. Call Migrate before first use.
func New(db *gorm.DB, opts ...Option) *Journal {
	j := &Journal{db: db}
	for _, opt := range opts {
		opt(j)
	}
	j.clock = clock.OrReal(j.clock)
	if j.logger == nil {
		j.logger = zap.NewNop()
	}
	j.logger = j.logger.With(zap.String("component", "journal"))
	return j
}

// Migrate creates or updates the journal schema.
func (j *Journal) Migrate(ctx context.Context) error {
	if err := j.db.WithContext(ctx).AutoMigrate(&Record{}); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

// Append writes e.
func (j *Journal) Append(ctx context.Context, e event.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = j.clock.Now()
	}
	rec := recordOf(e)

	start := time.Now()
	err := j.db.WithContext(ctx).Create(&rec).Error
	if j.recorder != nil {
		j.recorder.RecordJournalWrite(time.Since(start), err)
	}
	if err != nil {
		return fmt.Errorf("journal event %s: %w", e.ID, err)
	}
	return nil
}

// Handle is an event.Handler that appends every event it receives.
func (j *Journal) Handle(e event.Event) error {
	if err := j.Append(context.Background(), e); err != nil {
		j.logger.Warn("journal write failed",
			zap.String("event_type", string(e.Type)),
			zap.String("subject", e.Subject),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// Filter selects journaled events. Zero fields match everything.
type Filter struct {
	Types   []event.Type
	Subject string
	Since   time.Time
	Until   time.Time
	Limit   int
}

// Query returns matching events, oldest first.
func (j *Journal) Query(ctx context.Context, f Filter) ([]event.Event, error) {
	q := j.db.WithContext(ctx).Model(&Record{})
	if len(f.Types) > 0 {
		names := make([]string, len(f.Types))
		for i, t := range f.Types {
			names[i] = string(t)
		}
		q = q.Where("type IN ?", names)
	}
	if f.Subject != "" {
		q = q.Where("subject = ?", f.Subject)
	}
	if !f.Since.IsZero() {
		q = q.Where("timestamp >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("timestamp < ?", f.Until)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []Record
	if err := q.Order("timestamp ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	out := make([]event.Event, len(rows))
	for i, r := range rows {
		out[i] = r.Event()
	}
	return out, nil
}

// Count returns the number of journaled events.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := j.db.WithContext(ctx).Model(&Record{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count journal: %w", err)
	}
	return n, nil
}

// Prune deletes events older than retention and returns how many went.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := j.clock.Now().Add(-retention)
	res := j.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune journal: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		j.logger.Debug("journal pruned",
			zap.Int64("rows", res.RowsAffected),
			zap.Time("cutoff", cutoff),
		)
	}
	return res.RowsAffected, nil
}
