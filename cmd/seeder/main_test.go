package main

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func files(m map[string]string) func(string) ([]byte, error) {
	return func(name string) ([]byte, error) {
		s, ok := m[name]
		if !ok {
			return nil, os.ErrNotExist
		}
		return []byte(s), nil
	}
}

func TestApply_RunsFilesInOrder(t *testing.T) {
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("CREATE TABLE a (id int);").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO a VALUES (1);").WillReturnResult(sqlmock.NewResult(1, 1))

	read := files(map[string]string{
		"schema.sql": "CREATE TABLE a (id int);",
		"seed.sql":   "INSERT INTO a VALUES (1);",
	})
	err = apply(context.Background(), conn, read, []string{"schema.sql", "seed.sql"}, zap.NewNop())

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApply_StopsAtFirstFailure(t *testing.T) {
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("CREATE TABLE a (id int);").WillReturnError(errors.New("syntax error"))

	read := files(map[string]string{
		"schema.sql": "CREATE TABLE a (id int);",
		"seed.sql":   "INSERT INTO a VALUES (1);",
	})
	err = apply(context.Background(), conn, read, []string{"schema.sql", "seed.sql"}, zap.NewNop())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "execute schema.sql")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApply_MissingFile(t *testing.T) {
	conn, _, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	err = apply(context.Background(), conn, files(nil), []string{"missing.sql"}, zap.NewNop())

	assert.ErrorIs(t, err, os.ErrNotExist)
}
