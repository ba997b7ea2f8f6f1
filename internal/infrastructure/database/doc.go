// Package database opens the platform SQLite database and applies its
// schema migrations.
//
// The database holds the fleet: the production orders replayed at boot.
// It is opened with WAL journaling and a busy timeout, and a single
// connection since SQLite has one writer.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are files named VERSION_description.up.sql (and optional
// .down.sql), where VERSION is YYYYMMDD_HHMMSS. Each one runs in its own
// transaction and is recorded in schema_migrations.
package database
