package identity

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dserrors "github.com/systmms/dbrotate/internal/errors"
	"github.com/systmms/dbrotate/internal/pool"
	"github.com/systmms/dbrotate/internal/router"
)

func TestResolver_CurrentUser(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		driver string
		query  string
	}{
		{"postgres", "postgres", PostgresQuery},
		{"mysql", "mysql", MySQLQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			p := pool.New("p1", "v-demo-1", db)
			defer func() { _ = p.Close() }()

			mock.ExpectQuery(regexp.QuoteMeta(tt.query)).
				WillReturnRows(sqlmock.NewRows([]string{"current_user"}).AddRow("v-demo-1"))

			r := router.New()
			r.SetTarget(p)

			user, err := NewResolver(r, tt.driver).CurrentUser(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "v-demo-1", user)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMySQLQuery_StripsHost(t *testing.T) {
	t.Parallel()

	// MySQL reports the account as user@host while pools know only the user.
	assert.Contains(t, MySQLQuery, "SUBSTRING_INDEX(CURRENT_USER(), '@', 1)")
	assert.NotEqual(t, "SELECT CURRENT_USER()", MySQLQuery)
}

func TestResolver_NoTarget(t *testing.T) {
	t.Parallel()

	_, err := NewResolver(router.New(), "postgres").CurrentUser(context.Background())
	assert.ErrorIs(t, err, dserrors.ErrNoTargetAvailable)
}

func TestResolver_QueryError(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	p := pool.New("p1", "u1", db)
	defer func() { _ = p.Close() }()
	mock.ExpectQuery(regexp.QuoteMeta(PostgresQuery)).WillReturnError(errors.New("connection reset"))

	r := router.New()
	r.SetTarget(p)

	_, err = NewResolver(r, "postgres").CurrentUser(context.Background())
	assert.ErrorContains(t, err, "identity query failed")
}
