package indexer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"lendpool/core/events"
	"lendpool/core/types"
)

var (
	ErrUnknownDriver = errors.New("indexer: unknown driver")
	ErrNotFound      = errors.New("indexer: record not found")
)

// Open connects to the indexer database. driver is "sqlite" or "postgres".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("indexer: open %s: %w", driver, err)
	}
	return db, nil
}

// Indexer writes committed events into SQL so operators can audit flows and
// find the ones that still need recovery.
type Indexer struct {
	db     *gorm.DB
	logger *slog.Logger
	clock  func() time.Time

	mu  sync.Mutex
	seq uint64
}

type Option func(*Indexer)

func WithLogger(l *slog.Logger) Option {
	return func(ix *Indexer) {
		if l != nil {
			ix.logger = l
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(ix *Indexer) {
		if clock != nil {
			ix.clock = clock
		}
	}
}

// New migrates db and resumes numbering after the last stored event.
func New(db *gorm.DB, opts ...Option) (*Indexer, error) {
	if db == nil {
		return nil, errors.New("indexer: nil database")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	ix := &Indexer{db: db, logger: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(ix)
	}
	var last EventRecord
	err := db.Order("sequence desc").Limit(1).Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("indexer: resume: %w", err)
	}
	ix.seq = last.Sequence
	return ix, nil
}

// Fingerprint is a blake3 digest of the event type and its attributes in key
// order. Equal events share a fingerprint regardless of map iteration order.
func Fingerprint(evt *types.Event) string {
	h := blake3.New(32, nil)
	h.Write([]byte(evt.Type))
	keys := make([]string, 0, len(evt.Attributes))
	for k := range evt.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(evt.Attributes[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func toTypedEvent(evt events.Event) *types.Event {
	if typed, ok := evt.(*types.Event); ok && typed != nil {
		return typed
	}
	if withEvent, ok := evt.(interface{ Event() *types.Event }); ok {
		return withEvent.Event()
	}
	return &types.Event{Type: evt.EventType()}
}

func attrUint(evt *types.Event, key string) uint64 {
	v, err := strconv.ParseUint(evt.Attr(key), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// Record stores evt. Router flow events also refresh the flow's row.
func (ix *Indexer) Record(ctx context.Context, evt events.Event) (*EventRecord, error) {
	if evt == nil {
		return nil, errors.New("indexer: nil event")
	}
	typed := toTypedEvent(evt)
	attrs, err := json.Marshal(typed.Attributes)
	if err != nil {
		return nil, fmt.Errorf("indexer: encode attributes: %w", err)
	}
	asset := typed.Attr("asset")
	if asset == "" {
		asset = typed.Attr("debtAsset")
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	rec := &EventRecord{
		ID:          uuid.New(),
		Sequence:    ix.seq + 1,
		Type:        typed.Type,
		Asset:       asset,
		FlowID:      attrUint(typed, "flowId"),
		PositionID:  attrUint(typed, "positionId"),
		Attributes:  string(attrs),
		Fingerprint: Fingerprint(typed),
		CreatedAt:   ix.clock().UTC(),
	}
	err = ix.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			return err
		}
		if rec.FlowID == 0 || !strings.HasPrefix(typed.Type, "router.") {
			return nil
		}
		flow := FlowRecord{
			FlowID:          rec.FlowID,
			Kind:            typed.Attr("kind"),
			Stage:           typed.Attr("stage"),
			Caller:          typed.Attr("caller"),
			CollateralAsset: typed.Attr("collateralAsset"),
			DebtAsset:       typed.Attr("debtAsset"),
			CollateralLock:  attrUint(typed, "collateralLock"),
			PositionID:      rec.PositionID,
			Amount:          typed.Attr("amount"),
			FailureCode:     typed.Attr("failureCode"),
			Failure:         typed.Attr("failure"),
			UpdatedAt:       rec.CreatedAt,
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&flow).Error
	})
	if err != nil {
		return nil, fmt.Errorf("indexer: record %s: %w", typed.Type, err)
	}
	ix.seq = rec.Sequence
	return rec, nil
}

// Run records events from ch until ctx ends or ch closes. Failures are logged
// and do not stop the loop.
func (ix *Indexer) Run(ctx context.Context, ch <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if _, err := ix.Record(ctx, evt); err != nil {
				ix.logger.Error("index event", "type", evt.EventType(), "error", err)
			}
		}
	}
}

// Filter narrows an event listing. Zero fields match everything.
type Filter struct {
	Type          string
	Asset         string
	FlowID        uint64
	AfterSequence uint64
	Limit         int
}

const maxListLimit = 500

// Events lists events in sequence order.
func (ix *Indexer) Events(ctx context.Context, f Filter) ([]EventRecord, error) {
	q := ix.db.WithContext(ctx).Model(&EventRecord{}).Where("sequence > ?", f.AfterSequence)
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Asset != "" {
		q = q.Where("asset = ?", f.Asset)
	}
	if f.FlowID != 0 {
		q = q.Where("flow_id = ?", f.FlowID)
	}
	limit := f.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	var out []EventRecord
	if err := q.Order("sequence asc").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Flow returns the indexed state of a router flow.
func (ix *Indexer) Flow(ctx context.Context, id uint64) (*FlowRecord, error) {
	var rec FlowRecord
	err := ix.db.WithContext(ctx).Where("flow_id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: flow %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PendingRecoveries lists flows whose second leg failed and whose collateral
// has not been released yet. The router's flow records stay authoritative; this
// is a query index over the events the indexer has consumed.
func (ix *Indexer) PendingRecoveries(ctx context.Context) ([]FlowRecord, error) {
	var out []FlowRecord
	err := ix.db.WithContext(ctx).Where("stage = ?", "leg2_failed").Order("flow_id asc").Find(&out).Error
	return out, err
}
