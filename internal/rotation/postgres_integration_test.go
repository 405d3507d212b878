package rotation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/dbrotate/internal/config"
	"github.com/systmms/dbrotate/internal/credentials"
	dserrors "github.com/systmms/dbrotate/internal/errors"
	"github.com/systmms/dbrotate/internal/health"
	"github.com/systmms/dbrotate/internal/identity"
	"github.com/systmms/dbrotate/internal/pool"
	"github.com/systmms/dbrotate/internal/providers"
	"github.com/systmms/dbrotate/internal/router"
	"github.com/systmms/dbrotate/internal/testutil"
)

func TestPostgresRotation(t *testing.T) {
	pg := testutil.PostgresFromEnv(t)

	suffix := time.Now().UnixNano()
	first := fmt.Sprintf("dbrotate_a_%d", suffix)
	second := fmt.Sprintf("dbrotate_b_%d", suffix)
	pg.CreateTestUser(t, first, "pw-a")
	pg.CreateTestUser(t, second, "pw-b")

	src := credentials.NewRoleSource(providers.NewStaticSource(map[string]config.StaticCredential{
		"first":    {Username: first, Password: "pw-a"},
		"second":   {Username: second, Password: "pw-b"},
		"rejected": {Username: second, Password: "wrong"},
	}), "first", 5*time.Second, nil)

	builder, err := pool.NewBuilder(config.DatabaseConfig{URL: pg.URL}, config.PoolConfig{
		MaxOpen:        2,
		ConnectTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	r := router.New()
	o := New(src, builder, health.NewChecker("", 5*time.Second), r)
	t.Cleanup(o.Shutdown)
	users := identity.NewResolver(r, builder.Driver())
	ctx := context.Background()

	require.NoError(t, o.Initialize(ctx))
	user, err := users.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, user)
	initial := o.Current()

	require.NoError(t, o.Rotate(ctx, "second"))
	user, err = users.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, user)
	assert.True(t, initial.Closed())

	err = o.Rotate(ctx, "rejected")
	require.ErrorIs(t, err, dserrors.ErrPoolHealthCheckFailed)
	user, err = users.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, user)
	assert.Equal(t, 1, o.OpenPools())
}
