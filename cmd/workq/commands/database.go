package commands

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/coracle/workq/config"
	"github.com/coracle/workq/db"
	"github.com/coracle/workq/errors"
	"github.com/coracle/workq/logger"
	"github.com/coracle/workq/queue"
)

// openStore opens and migrates the queue database, returning a store over
// it. If dbPath is empty the configured path is used.
func openStore(dbPath string) (*queue.Store, *sql.DB, error) {
	if dbPath == "" {
		path, err := config.GetDatabasePath()
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to get database path")
		}
		if path == "" {
			path = "workq.db"
		}
		dbPath = path
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return queue.NewStore(database, logger.Logger), database, nil
}

// printJSON renders a command result for scripting.
func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to format output")
	}
	fmt.Println(string(out))
	return nil
}
