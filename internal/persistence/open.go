package persistence

import (
	"context"
	"fmt"
	"log"

	"github.com/aristath/taskflow/internal/extension"
)

// Backend names accepted by Open.
const (
	DriverSQLite     = "sqlite"      // database/sql + modernc, DSN is a file path
	DriverMemory     = "memory"      // in-memory SQLite, DSN ignored
	DriverGormSQLite = "gorm-sqlite" // GORM over SQLite
	DriverMySQL      = "mysql"       // GORM over MySQL
)

// Options selects and configures a storage backend.
type Options struct {
	Driver string
	DSN    string
}

// OpenFunc creates a Store for a DSN.
type OpenFunc func(ctx context.Context, dsn string) (Store, error)

var backends = []struct {
	driver string
	open   OpenFunc
}{
	{DriverSQLite, func(ctx context.Context, dsn string) (Store, error) { return NewSQLiteStore(ctx, dsn) }},
	{DriverMemory, func(ctx context.Context, _ string) (Store, error) { return NewMemoryStore(ctx) }},
	{DriverGormSQLite, func(_ context.Context, dsn string) (Store, error) { return NewGormStore("sqlite", dsn) }},
	{DriverMySQL, func(_ context.Context, dsn string) (Store, error) { return NewGormStore("mysql", dsn) }},
}

// RegisterBackends records the built-in storage backends in ext under the
// storage category. Already registered backends are left alone.
func RegisterBackends(ext *extension.Registry) error {
	for _, b := range backends {
		id := "storage." + b.driver
		if _, ok := ext.Get(id); ok {
			continue
		}
		err := ext.Register(extension.Extension{
			ID:       id,
			Category: extension.CategoryStorage,
			Type:     b.driver,
			Factory:  b.open,
		}, false)
		if err != nil {
			return fmt.Errorf("failed to register storage backend %s: %w", b.driver, err)
		}
	}
	return nil
}

// Open resolves opts.Driver through the storage extensions of ext and opens
// the store. An empty driver means sqlite.
func Open(ctx context.Context, opts Options, ext *extension.Registry) (Store, error) {
	if err := RegisterBackends(ext); err != nil {
		return nil, err
	}

	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	found, ok := ext.GetByType(extension.CategoryStorage, driver)
	if !ok {
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
	open, ok := found.Factory.(OpenFunc)
	if !ok {
		return nil, fmt.Errorf("storage extension %s has no open function", found.ID)
	}

	store, err := open(ctx, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", driver, err)
	}
	log.Printf("Opened %s store", driver)
	return store, nil
}
