// Package dialect holds the small SQL differences between the two supported
// drivers so store code can stay on one query text.
package dialect

// Driver names as registered with database/sql.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether driver is the pgx Postgres driver.
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt maps a bool onto the 0/1 integer form both schemas use.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
