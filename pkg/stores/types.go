package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/bootstrappo/bootstrappo/pkg/engine"
)

// sqliteTimeFormat is the timestamp layout persisted to SQLite. RFC 3339
// with nanoseconds so fact-vs-status ordering survives a round trip.
const sqliteTimeFormat = time.RFC3339Nano

// PassRecord is the persisted outcome of one reconcile pass.
type PassRecord struct {
	ID              string    `json:"id"`
	Generation      int64     `json:"generation"`
	Phase           string    `json:"phase"`
	Total           int       `json:"total"`
	Verified        int       `json:"verified"`
	Failed          int       `json:"failed"`
	Skipped         int       `json:"skipped"`
	Pending         int       `json:"pending"`
	Applies         int       `json:"applies"`
	RotationApplies int       `json:"rotation_applies"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
}

// Store defines the persistence layer. It extends the engine's StateStore
// contract with lifecycle and inspection operations used by the CLI.
type Store interface {
	engine.StateStore

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Pass history
	ListPasses(ctx context.Context, limit, offset int) ([]*PassRecord, error)
	LatestPass(ctx context.Context) (*PassRecord, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
