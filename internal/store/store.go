package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"presence-backplane/internal/model"
)

// ConnectionStore is the connections relation.
type ConnectionStore interface {
	UpsertConnection(ctx context.Context, conn *model.Connection) (UpsertResult, error)
	DeleteConnection(ctx context.Context, connectionID string) (*model.Connection, error)
	ActiveConnections(ctx context.Context, userID string) ([]model.Connection, error)
	CountActiveConnections(ctx context.Context, userID string) (int64, error)
	CountActive(ctx context.Context) (int64, error)
	TouchConnections(ctx context.Context, beats map[string]time.Time) (int64, error)
	DeactivateStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionStore is the sessions relation.
type SessionStore interface {
	UpsertActiveSession(ctx context.Context, userID, instance string, connections int64, now time.Time) (opened bool, err error)
	CloseActiveSession(ctx context.Context, userID string, now time.Time) (closed bool, err error)
	CloseOrphanedSessions(ctx context.Context, now time.Time) (int64, error)
	OpenMissingSessions(ctx context.Context, instance string, now time.Time) (int64, error)
	ActiveSession(ctx context.Context, userID string) (*model.Session, error)
	LatestSession(ctx context.Context, userID string) (*model.Session, error)
}

// MessageStore is the messages and delivery_attempts relations.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg *model.Message) error
	MarkDelivered(ctx context.Context, id int64, connectionID string, now time.Time) (DeliveryOutcome, error)
	UndeliveredMessages(ctx context.Context, userID string, now time.Time) ([]model.Message, error)
	PurgeMessages(ctx context.Context, now time.Time, retentionCutoff time.Time) (int64, error)
	InsertDeliveryAttempt(ctx context.Context, attempt *model.DeliveryAttempt) error
	DeliveryAttempts(ctx context.Context, messageID int64) ([]model.DeliveryAttempt, error)
	PendingRecipients(ctx context.Context, instance string, now time.Time) ([]string, error)
}

// Store defines the interface for all shared-store operations.
type Store interface {
	ConnectionStore
	SessionStore
	MessageStore
	Ping(ctx context.Context) error
	DB() *gorm.DB
}

// UpsertOutcome says which branch an insert-or-update took.
type UpsertOutcome int

const (
	OutcomeInserted UpsertOutcome = iota + 1
	OutcomeUpdated
)

func (o UpsertOutcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	default:
		return "unknown"
	}
}

// UpsertResult reports the branch an UpsertConnection took. On the update
// branch it also carries the row's owner and active flag before the write.
type UpsertResult struct {
	Outcome        UpsertOutcome
	PreviousUserID string
	WasActive      bool
}

// DeliveryOutcome says what MarkDelivered did to the message row.
type DeliveryOutcome int

const (
	// DeliveryMarked means this call flipped the message to delivered.
	DeliveryMarked DeliveryOutcome = iota + 1
	// DeliveryAlreadyMarked means an earlier call had already done it.
	DeliveryAlreadyMarked
	// DeliveryMissing means the message does not exist (purged or never saved).
	DeliveryMissing
)

func (o DeliveryOutcome) String() string {
	switch o {
	case DeliveryMarked:
		return "marked"
	case DeliveryAlreadyMarked:
		return "already_marked"
	case DeliveryMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// DB exposes the underlying handle for wiring and tests.
func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// Ping checks that the shared store is reachable.
func (s *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return Wrap("ping", err)
	}
	return Wrap("ping", sqlDB.PingContext(ctx))
}
