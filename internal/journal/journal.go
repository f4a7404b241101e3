// Package journal mirrors executed orders into a local SQLite database.
// The JSON state files are the agent's working truth; the journal exists
// for offline analysis with ad-hoc SQL, so writes are best-effort and a
// failure never blocks execution.
package journal

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/config"
	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

// Row is one executed order. Entries carry fill data; closes add PnL.
type Row struct {
	ID         uint      `gorm:"primaryKey"`
	CreatedAt  time.Time `gorm:"index"`
	Symbol     string    `gorm:"index"`
	Action     string
	Status     string
	Size       float64
	FillPrice  float64
	Leverage   int
	Confidence float64
	Pattern    string
	Zone       string
	ExitMode   string
	PnL        *float64
	Cloid      string
	Reasoning  string
}

// TableName keeps the table name stable if the struct is ever renamed.
func (Row) TableName() string { return "orders" }

// Journal is a nil-safe recorder: a disabled config yields a nil
// *Journal whose methods all no-op.
type Journal struct {
	db  *gorm.DB
	log zerolog.Logger
}

// Open opens or creates the SQLite journal at the configured path.
// Returns (nil, nil) when the journal is disabled.
func Open(cfg config.JournalConfig, log zerolog.Logger) (*Journal, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", cfg.Path, err)
	}
	if err := db.AutoMigrate(&Row{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db, log: log.With().Str("component", "journal").Logger()}, nil
}

// Record mirrors one executed order. Call only for orders that reached
// the venue; rejections stay in the cycle log.
func (j *Journal) Record(now time.Time, sig *types.Signal, res *types.ExecutionResult) {
	if j == nil {
		return
	}
	row := Row{
		CreatedAt:  now,
		Symbol:     res.Symbol,
		Action:     string(res.Action),
		Status:     string(res.Status),
		Size:       res.Size,
		FillPrice:  res.FillPrice,
		Leverage:   res.Leverage,
		Confidence: sig.Confidence,
		Pattern:    sig.Pattern,
		Zone:       sig.Zone,
		ExitMode:   string(sig.ExitMode),
		PnL:        res.PnL,
		Cloid:      res.Cloid,
		Reasoning:  sig.Reasoning,
	}
	if err := j.db.Create(&row).Error; err != nil {
		j.log.Error().Err(err).Str("symbol", res.Symbol).Msg("journal write failed")
	}
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
