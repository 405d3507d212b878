package credentials

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dserrors "github.com/systmms/dbrotate/internal/errors"
	"github.com/systmms/dbrotate/internal/testutil"
)

type recordingSource struct {
	roles []string
	fn    func(ctx context.Context, role string) (Credentials, error)
}

func (r *recordingSource) Name() string { return "recording" }

func (r *recordingSource) Fetch(ctx context.Context, role string) (Credentials, error) {
	r.roles = append(r.roles, role)
	return r.fn(ctx, role)
}

func TestRoleSource_DefaultRoleSubstitution(t *testing.T) {
	t.Parallel()

	backend := &recordingSource{fn: func(_ context.Context, role string) (Credentials, error) {
		return Credentials{Username: "u-" + role, Password: "p"}, nil
	}}
	src := NewRoleSource(backend, "demo-role", time.Second, nil)

	for _, role := range []string{"", "   ", "role-a", " role-b "} {
		_, err := src.Fetch(context.Background(), role)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"demo-role", "demo-role", "role-a", "role-b"}, backend.roles)
}

func TestRoleSource_FillsMetadata(t *testing.T) {
	t.Parallel()

	backend := &recordingSource{fn: func(_ context.Context, role string) (Credentials, error) {
		return Credentials{Username: "u1", Password: "p1", LeaseID: "database/creds/demo-role/abc"}, nil
	}}
	src := NewRoleSource(backend, "demo-role", 0, nil)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	src.now = func() time.Time { return fixed }

	creds, err := src.Fetch(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "demo-role", creds.Role)
	assert.Equal(t, "recording", creds.Source)
	assert.Equal(t, fixed, creds.IssuedAt)
	assert.Equal(t, "database/creds/demo-role/abc", creds.LeaseID)
}

func TestRoleSource_WrapsFailures(t *testing.T) {
	t.Parallel()

	cause := errors.New("vault returned status 400: unknown role")
	backend := &recordingSource{fn: func(context.Context, string) (Credentials, error) {
		return Credentials{}, cause
	}}
	logs := testutil.NewTestLogger(false)
	src := NewRoleSource(backend, "demo-role", time.Second, logs.Logger)

	_, err := src.Fetch(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, dserrors.ErrCredentialFetchFailed)
	assert.ErrorIs(t, err, cause)
	logs.AssertContains(t, "role nope")
}

func TestRoleSource_NeverLogsPassword(t *testing.T) {
	t.Parallel()

	backend := &recordingSource{fn: func(context.Context, string) (Credentials, error) {
		return Credentials{Username: "v-demo-1", Password: "s3cr3t-pw", LeaseID: "database/creds/demo-role/1"}, nil
	}}
	logs := testutil.NewTestLogger(true)
	src := NewRoleSource(backend, "demo-role", time.Second, logs.Logger)

	_, err := src.Fetch(context.Background(), "")
	require.NoError(t, err)

	logs.AssertContains(t, "v-demo-1")
	logs.AssertRedacted(t, "s3cr3t-pw")
}

func TestRoleSource_RejectsEmptyUsername(t *testing.T) {
	t.Parallel()

	backend := &recordingSource{fn: func(context.Context, string) (Credentials, error) {
		return Credentials{Password: "p"}, nil
	}}
	src := NewRoleSource(backend, "demo-role", time.Second, nil)

	_, err := src.Fetch(context.Background(), "")
	assert.ErrorIs(t, err, dserrors.ErrCredentialFetchFailed)
	assert.Contains(t, err.Error(), "empty username")
}

func TestRoleSource_NoRoleAtAll(t *testing.T) {
	t.Parallel()

	backend := &recordingSource{fn: func(context.Context, string) (Credentials, error) {
		t.Fatal("backend must not be called")
		return Credentials{}, nil
	}}
	src := NewRoleSource(backend, "", time.Second, nil)

	_, err := src.Fetch(context.Background(), "")
	assert.ErrorIs(t, err, dserrors.ErrCredentialFetchFailed)
}

func TestRoleSource_RejectsMalformedRoles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		role string
	}{
		{"path traversal", "../../secret/data/app"},
		{"query injection", "demo-role?version=1"},
		{"slash", "database/creds"},
		{"double dot", "demo..role"},
		{"percent escape", "demo%2Frole"},
		{"inner space", "demo role"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			backend := &recordingSource{fn: func(context.Context, string) (Credentials, error) {
				return Credentials{Username: "u", Password: "p"}, nil
			}}
			src := NewRoleSource(backend, "demo-role", time.Second, nil)

			_, err := src.Fetch(context.Background(), tt.role)
			assert.ErrorIs(t, err, dserrors.ErrCredentialFetchFailed)
			assert.Contains(t, err.Error(), "invalid role name")
			assert.Empty(t, backend.roles, "backend must not be called")
		})
	}
}

func TestValidRole(t *testing.T) {
	t.Parallel()

	for _, role := range []string{"demo-role", "readonly_v2", "app.reporting", "A1"} {
		assert.True(t, ValidRole(role), role)
	}
	for _, role := range []string{"", "..", "a/b", "a?b", "a#b", "a b", "../x"} {
		assert.False(t, ValidRole(role), role)
	}
}

func TestRoleSource_Timeout(t *testing.T) {
	t.Parallel()

	backend := &recordingSource{fn: func(ctx context.Context, _ string) (Credentials, error) {
		<-ctx.Done()
		return Credentials{}, ctx.Err()
	}}
	src := NewRoleSource(backend, "demo-role", 20*time.Millisecond, nil)

	start := time.Now()
	_, err := src.Fetch(context.Background(), "")
	assert.ErrorIs(t, err, dserrors.ErrCredentialFetchFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCredentials_StringRedactsPassword(t *testing.T) {
	t.Parallel()

	c := Credentials{Username: "u1", Password: "hunter22-secret", LeaseID: "l1"}
	for _, s := range []string{c.String(), fmt.Sprintf("%v", c), fmt.Sprintf("%#v", c), fmt.Sprintf("%+v", c)} {
		assert.NotContains(t, s, "hunter22-secret")
		assert.Contains(t, s, "u1")
	}
}

func TestSourceFunc(t *testing.T) {
	t.Parallel()

	var src Source = SourceFunc(func(_ context.Context, role string) (Credentials, error) {
		return Credentials{Username: role}, nil
	})
	creds, err := src.Fetch(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "x", creds.Username)
	assert.Equal(t, "func", src.Name())
}
