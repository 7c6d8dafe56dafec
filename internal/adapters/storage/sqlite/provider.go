// Package sqlite provides the SQLite message log adapter for the node.
package sqlite

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ocppnet/overlay/internal/core/ports"
	"github.com/ocppnet/overlay/internal/storage/sqldb"
)

// Provider implements ports.MessageStore using SQLite.
// It wraps the sqldb implementation.
type Provider struct {
	*sqldb.Store
}

// NewProvider opens the database at path, creating its directory when needed.
func NewProvider(path string) (*Provider, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}
	store, err := sqldb.NewSQLite(path)
	if err != nil {
		return nil, err
	}

	return &Provider{
		Store: store,
	}, nil
}

// Ensure Provider implements ports.MessageStore at compile time.
var _ ports.MessageStore = (*Provider)(nil)
