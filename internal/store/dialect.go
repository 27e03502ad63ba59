package store

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"pmwflow/internal/config"
)

// timestampLayout is fixed width so SQLite TEXT comparisons order correctly.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

const (
	sqliteBusyCode = 5

	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// dialect captures the differences between the SQLite and Postgres backends.
// Queries are written with '?' placeholders and rebound per dialect.
type dialect struct {
	name       string
	driverName string
	numbered   bool
	rowLocks   bool
}

var (
	sqliteDialect   = dialect{name: config.DriverSQLite, driverName: "sqlite"}
	postgresDialect = dialect{name: config.DriverPostgres, driverName: "pgx", numbered: true, rowLocks: true}
)

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case config.DriverSQLite:
		return sqliteDialect, nil
	case config.DriverPostgres:
		return postgresDialect, nil
	default:
		return dialect{}, errors.New("unsupported database driver " + strconv.Quote(driver))
	}
}

func (d dialect) rebind(query string) string {
	if !d.numbered || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// timeValue encodes t for the driver. SQLite stores fixed-width text while
// Postgres receives a native timestamptz.
func (d dialect) timeValue(t time.Time) any {
	if d.numbered {
		return t.UTC()
	}
	return t.UTC().Format(timestampLayout)
}

func (d dialect) nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.timeValue(*t)
}

// retryable reports whether err is a lock conflict worth retrying.
func (d dialect) retryable(err error) bool {
	if err == nil {
		return false
	}
	if d.numbered {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
				return true
			}
		}
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
