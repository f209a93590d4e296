// Package dialect holds the SQL fragments that differ between the two
// supported drivers. The store writes ?-placeholder SQL and consults this
// package wherever sqlite and postgres disagree.
package dialect

// Driver names as registered with database/sql.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// Like returns the case-insensitive pattern operator for the driver.
// SQLite's LIKE already folds ASCII case; postgres needs ILIKE.
func Like(driver string) string {
	if driver == PGX {
		return "ILIKE"
	}
	return "LIKE"
}
