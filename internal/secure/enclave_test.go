package secure

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{name: "password", data: []byte("my-secret-password")},
		{name: "empty", data: []byte{}},
		{name: "binary", data: []byte{0x00, 0xFF, 0x10, 0x20}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			original := bytes.Clone(tt.data)
			sealed := Seal(tt.data)
			defer sealed.Destroy()

			assert.True(t, bytes.Equal(original, tt.data), "input must not be wiped")

			err := sealed.Use(func(pt []byte) error {
				if len(original) == 0 {
					assert.Empty(t, pt)
					return nil
				}
				assert.True(t, bytes.Equal(original, pt))
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestSealed_UseRepeatedly(t *testing.T) {
	t.Parallel()

	sealed := SealString("test-secret")
	defer sealed.Destroy()

	for i := 0; i < 3; i++ {
		err := sealed.Use(func(pt []byte) error {
			assert.Equal(t, "test-secret", string(pt))
			return nil
		})
		require.NoError(t, err, "iteration %d", i)
	}
}

func TestSealed_UsePropagatesError(t *testing.T) {
	t.Parallel()

	sealed := SealString("x-secret")
	defer sealed.Destroy()

	boom := assert.AnError
	err := sealed.Use(func([]byte) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestSealed_Destroy(t *testing.T) {
	t.Parallel()

	sealed := SealString("secret-to-destroy")
	sealed.Destroy()
	sealed.Destroy()

	called := false
	err := sealed.Use(func([]byte) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.False(t, called)
}

func TestSealed_ConcurrentUse(t *testing.T) {
	t.Parallel()

	sealed := SealString("concurrent-secret")
	defer sealed.Destroy()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- sealed.Use(func(pt []byte) error {
				if string(pt) != "concurrent-secret" {
					return assert.AnError
				}
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}
