// Package sysdb edits the appliance system database of a new root.
package sysdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/freenas/ix-installer/internal/logging"
	"github.com/freenas/ix-installer/internal/sysinfo"
)

// Path is the system database location relative to a root.
const Path = "data/freenas-v1.db"

// DB is an open system database.
type DB struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens the system database under root. The file must already exist.
func Open(root string, logger zerolog.Logger) (*DB, error) {
	path := filepath.Join(root, Path)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("system database: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &DB{db: db, logger: logging.Component(logger, "sysdb")}, nil
}

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// SaveSerial enables the serial console in the advanced settings, along with
// the speed and port when known.
func (d *DB) SaveSerial(ctx context.Context, c sysinfo.SerialConsole) error {
	sets := []string{"adv_serial = ?"}
	args := []any{1}
	if c.Speed > 0 {
		sets = append(sets, "adv_serialspeed = ?")
		args = append(args, c.Speed)
	}
	if c.Port != "" {
		sets = append(sets, "adv_serialport = ?")
		args = append(args, c.Port)
	}
	q := "UPDATE system_advanced SET " + strings.Join(sets, ", ")
	d.logger.Debug().Str("sql", q).Interface("args", args).Msg("saving serial settings")
	if _, err := d.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("save serial settings: %w", err)
	}
	return nil
}

// SaveSerial opens the database under root, saves c and closes it.
func SaveSerial(ctx context.Context, root string, c sysinfo.SerialConsole, logger zerolog.Logger) error {
	db, err := Open(root, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.SaveSerial(ctx, c)
}
