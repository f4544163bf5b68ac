package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	fk := &pgconn.PgError{Code: "23503"}
	check := &pgconn.PgError{Code: "23514"}

	assert.True(t, IsUniqueViolation(unique))
	assert.False(t, IsUniqueViolation(fk))
	assert.True(t, IsForeignKeyViolation(fk))
	assert.True(t, IsCheckViolation(check))
	assert.False(t, IsCheckViolation(errors.New("plain")))
	assert.True(t, IsNoRows(fmt.Errorf("scan: %w", pgx.ErrNoRows)))
}

func TestPoolConfigForComponent(t *testing.T) {
	t.Setenv("POSTGRES_MAX_CONNS", "7")
	cfg := GetPoolConfigForComponent("custodian")
	assert.Equal(t, int32(7), cfg.MaxConns)
	assert.Equal(t, "custodian", cfg.Component)

	assert.Equal(t, int32(4), GetPoolConfigForComponent("ledgerctl").MaxConns)
	assert.Equal(t, int32(20), GetPoolConfigForComponent("other").MaxConns)
}
