package dialect

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// InsertReturningID runs an INSERT and reports the generated id. Postgres
// needs RETURNING because its drivers do not implement LastInsertId; SQLite
// takes the plain exec path. Works inside a transaction too since both
// *sqlx.DB and *sqlx.Tx satisfy ExtContext.
func InsertReturningID(ctx context.Context, ext sqlx.ExtContext, query string, args ...any) (int64, error) {
	if IsPostgres(ext.DriverName()) {
		var id int64
		err := ext.QueryRowxContext(ctx, ext.Rebind(query+" RETURNING id"), args...).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert returning id: %w", err)
		}
		return id, nil
	}

	result, err := ext.ExecContext(ctx, ext.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}
