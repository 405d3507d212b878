package secure

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrDestroyed is returned by Use after Destroy was called.
var ErrDestroyed = errors.New("sealed value destroyed")

// Sealed holds a secret inside a memguard enclave.
type Sealed struct {
	mu        sync.RWMutex
	enclave   *memguard.Enclave
	destroyed bool
}

// Seal copies data into a new enclave. memguard wipes the buffer it is given,
// so data itself is left untouched.
func Seal(data []byte) *Sealed {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Sealed{enclave: memguard.NewEnclave(buf)}
}

// SealString is Seal for string secrets.
func SealString(s string) *Sealed {
	return Seal([]byte(s))
}

// Use opens the enclave, passes the plaintext to fn and wipes it afterwards.
// fn must not retain the slice.
func (s *Sealed) Use(fn func(plaintext []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.destroyed {
		return ErrDestroyed
	}
	// memguard refuses to build an enclave around zero bytes.
	if s.enclave == nil {
		return fn(nil)
	}

	locked, err := s.enclave.Open()
	if err != nil {
		return err
	}
	defer locked.Destroy()

	return fn(locked.Bytes())
}

// Destroy drops the enclave. Safe to call more than once.
func (s *Sealed) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enclave = nil
	s.destroyed = true
}
