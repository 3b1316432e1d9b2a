package db

import (
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/key-broker/internal/config"
)

// OpenClickHouse opens the analytics connection used by the usage-event sink
// and the reports endpoint.
func OpenClickHouse(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	d, err := sqlx.Open("clickhouse", cfg.DSN)
	if err != nil {
		return nil, err
	}
	applyPool(d, cfg)

	if err := ping(d, cfg.PingTimeout, 3*time.Second); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}
