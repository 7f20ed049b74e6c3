package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"

	"heartbeatd/internal/store"
)

var (
	// ErrMissingAuth is returned when the Authorization header is absent
	// or cannot be read as a token.
	ErrMissingAuth = errors.New("authorization header is missing")

	// ErrUnknownDevice is returned when no device owns the presented token.
	ErrUnknownDevice = errors.New("no device found with this token")
)

// DeviceLookup resolves a plaintext token to its device, or (nil, nil).
type DeviceLookup interface {
	DeviceByToken(ctx context.Context, token string) (*store.Device, error)
}

// authenticator resolves Authorization headers to devices. Resolved
// devices are cached by token digest; unknown tokens are never cached.
type authenticator struct {
	lookup DeviceLookup
	cache  *cache.Cache
}

func newAuthenticator(lookup DeviceLookup, ttl time.Duration) *authenticator {
	a := &authenticator{lookup: lookup}
	if ttl > 0 {
		// No janitor: only known devices are stored, so the set stays small
		// and expired entries are replaced on the next lookup.
		a.cache = cache.New(ttl, 0)
	}
	return a
}

// authenticate returns the device behind r's Authorization header.
func (a *authenticator) authenticate(r *http.Request) (*store.Device, error) {
	values := r.Header.Values("Authorization")
	if len(values) == 0 {
		return nil, ErrMissingAuth
	}
	token := values[0]
	if token == "" || !visibleASCII(token) {
		return nil, fmt.Errorf("%w: token is not visible ASCII", ErrMissingAuth)
	}

	key := hex.EncodeToString(store.HashToken(token))
	if a.cache != nil {
		if d, ok := a.cache.Get(key); ok {
			return d.(*store.Device), nil
		}
	}

	device, err := a.lookup.DeviceByToken(r.Context(), token)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, ErrUnknownDevice
	}

	if a.cache != nil {
		a.cache.SetDefault(key, device)
	}
	return device, nil
}

func visibleASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
