package db

import (
	"database/sql"

	"github.com/rs/zerolog/log"
)

type EnhancedRows struct {
	*sql.Rows
}

// Finalize closes the result set, logging instead of returning a close error
func (rs *EnhancedRows) Finalize() {
	if rs == nil || rs.Rows == nil {
		return
	}
	err := rs.Close()
	if err != nil {
		log.Error().Err(err).Msg("Unable to close result set")
	}
}

// CloseQuietly closes a pinned connection and its pool, logging failures
func CloseQuietly(db *sql.DB, conn *sql.Conn) {
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Warn().Err(err).Msg("Unable to close connection")
		}
	}
	if db != nil {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("Unable to close database")
		}
	}
}
