package warehouse

import (
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	"github.com/snowflakedb/gosnowflake"

	"github.com/nosey/viewership-pipeline/internal/config"
)

// NewSnowflake opens a pooled Snowflake handle. It is created once per
// process and shared across invocations.
func NewSnowflake(cfg config.SnowflakeConfig) (*SQLStore, error) {
	dsn, err := gosnowflake.DSN(&gosnowflake.Config{
		Account:   cfg.Account,
		User:      cfg.User,
		Password:  cfg.Password,
		Role:      cfg.Role,
		Warehouse: cfg.Warehouse,
		Database:  cfg.UploaderDatabase,
		Schema:    cfg.Schema,
	})
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: build snowflake dsn")
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: open snowflake")
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return New(db), nil
}
