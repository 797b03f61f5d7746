// Package journal persists every event emitted by the vault so operators can
// audit and replay activity through the API.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"xusd/core/events"
	"xusd/core/types"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Entry is a journaled event row.
type Entry struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Seq        int64     `gorm:"uniqueIndex"`
	Type       string    `gorm:"size:64;index"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"index"`
}

// TableName pins the table name independent of the struct name.
func (Entry) TableName() string { return "vault_events" }

// Record is the decoded API view of an Entry.
type Record struct {
	ID         string            `json:"id"`
	Seq        int64             `json:"seq"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

func (e Entry) record() (Record, error) {
	attrs := map[string]string{}
	if strings.TrimSpace(e.Attributes) != "" {
		if err := json.Unmarshal([]byte(e.Attributes), &attrs); err != nil {
			return Record{}, fmt.Errorf("journal: decode entry %d: %w", e.Seq, err)
		}
	}
	return Record{ID: e.ID.String(), Seq: e.Seq, Type: e.Type, Attributes: attrs, CreatedAt: e.CreatedAt}, nil
}

// Filter narrows List results. Type matches exactly; AfterSeq returns entries
// newer than the given sequence in ascending order, otherwise the newest
// entries are returned first.
type Filter struct {
	Type     string
	AfterSeq int64
	Limit    int
}

// Journal appends rendered events to a gorm-backed table. It implements
// events.Emitter.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time

	mu  sync.Mutex
	seq int64
}

// Open connects to the journal database. DSNs starting with postgres:// or
// postgresql:// select the postgres driver, anything else is treated as a
// sqlite DSN.
func Open(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, errors.New("journal: database dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open database: %w", err)
	}
	return db, nil
}

// New migrates the schema and resumes the sequence counter from the highest
// stored entry.
func New(db *gorm.DB, log *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: database not configured")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	var last int64
	if err := db.Model(&Entry{}).Select("COALESCE(MAX(seq), 0)").Scan(&last).Error; err != nil {
		return nil, fmt.Errorf("journal: load sequence: %w", err)
	}
	return &Journal{db: db, logger: log, nowFn: time.Now, seq: last}, nil
}

// SetClock overrides the timestamp source.
func (j *Journal) SetClock(now func() time.Time) {
	if j == nil || now == nil {
		return
	}
	j.mu.Lock()
	j.nowFn = now
	j.mu.Unlock()
}

// Emit implements events.Emitter. Persistence failures are logged; they never
// fail the operation that produced the event.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || evt == nil {
		return
	}
	if _, err := j.Append(context.Background(), events.Render(evt)); err != nil {
		j.logger.Error("journal append failed", slog.String("event", evt.EventType()), slog.Any("error", err))
	}
}

// Append stores evt under the next sequence number.
func (j *Journal) Append(ctx context.Context, evt *types.Event) (Record, error) {
	if evt == nil || strings.TrimSpace(evt.Type) == "" {
		return Record{}, errors.New("journal: event type required")
	}
	attrs := evt.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return Record{}, fmt.Errorf("journal: encode attributes: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	entry := Entry{
		ID:         uuid.New(),
		Seq:        j.seq + 1,
		Type:       evt.Type,
		Attributes: string(payload),
		CreatedAt:  j.nowFn().UTC(),
	}
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return Record{}, fmt.Errorf("journal: insert: %w", err)
	}
	j.seq = entry.Seq
	return entry.record()
}

// List returns journaled events matching filter.
func (j *Journal) List(ctx context.Context, filter Filter) ([]Record, error) {
	if j == nil {
		return nil, errors.New("journal: not configured")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	query := j.db.WithContext(ctx).Model(&Entry{})
	if t := strings.TrimSpace(filter.Type); t != "" {
		query = query.Where("type = ?", t)
	}
	if filter.AfterSeq > 0 {
		query = query.Where("seq > ?", filter.AfterSeq).Order("seq asc")
	} else {
		query = query.Order("seq desc")
	}
	var rows []Entry
	if err := query.Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// LastSeq reports the sequence number of the newest entry.
func (j *Journal) LastSeq() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}
