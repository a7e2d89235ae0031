// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package postgres

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // load database driver for postgres

	"github.com/relabs-tech/mosaik/core/logger"
)

// DB encapsulates a standard sql.DB with a schema.
type DB struct {
	*sql.DB
	Schema string
}

// OpenWithSchema opens a postgres database with a schema. The schema
// gets created if it does not exist yet.
func OpenWithSchema(dataSourceName, schema string) (*DB, error) {
	logger.Default().Infoln("connecting to postgres database")
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if len(schema) == 0 {
		schema = "public"
	} else {
		logger.Default().Infoln("selected database schema:", schema)
		if _, err := db.Exec(`CREATE schema IF NOT EXISTS ` + quoteIdent(schema)); err != nil {
			return nil, err
		}
	}
	return &DB{DB: db, Schema: schema}, nil
}

// ClearSchema clears all the data contained in the database's schema.
// Technically this is done by dropping the schema and then recreating it.
func (db *DB) ClearSchema() error {
	if db.Schema == "public" {
		return fmt.Errorf("refuse to drop public schema")
	}
	_, err := db.Exec(`DROP SCHEMA ` + quoteIdent(db.Schema) + ` CASCADE;
	CREATE schema IF NOT EXISTS ` + quoteIdent(db.Schema) + `;`)
	return err
}
