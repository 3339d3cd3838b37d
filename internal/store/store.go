package store

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chatroute/internal/model"
)

// ErrNotFound is returned for any lookup whose record does not exist.
// Background jobs treat it as a signal to drop the work.
var ErrNotFound = errors.New("record not found")

type Store struct {
	db *gorm.DB
}

func Open(driver, dsn string) (*Store, error) {
	var dial gorm.Dialector
	switch strings.TrimSpace(driver) {
	case "postgres":
		dial = postgres.Open(dsn)
	case "sqlite", "":
		dial = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := gorm.Open(dial, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := db.AutoMigrate(
		&model.Conversation{},
		&model.Message{},
		&model.Operator{},
		&model.ConversationStats{},
		&BotRecord{},
	); err != nil {
		return nil, errors.Wrap(err, "run auto-migration")
	}
	return &Store{db: db}, nil
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func notFoundOr(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return errors.Wrap(err, what)
}
