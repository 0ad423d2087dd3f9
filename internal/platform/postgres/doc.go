// Package postgres implements the store interfaces on PostgreSQL through the
// pgx database/sql driver.
//
// Every claim, resolution and flag update is a single conditional UPDATE, so
// concurrent callers race on the row and exactly one of them wins. The
// schema lives in the embedded goose migrations under migrations/.
package postgres
