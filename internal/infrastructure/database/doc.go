// Package database provides SQLite connectivity for iotgo core.
//
// It owns the connection lifecycle (WAL mode, busy timeout, single-writer
// pool) and a small versioned migration runner. Schema files live in the
// top-level migrations package and are passed in as an fs.FS:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
