// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"time"

	"github.com/gorilla/securecookie"
)

// ErrInvalidRef is returned for references that are tampered, expired or
// were issued for another purpose.
var ErrInvalidRef = errors.New("invalid or expired reference")

// RefCodec seals small values into opaque, expiring strings.
type RefCodec struct {
	name  string
	codec *securecookie.SecureCookie
}

// NewRefCodec derives signing and encryption keys for name from the
// session secret. Values older than ttl are rejected.
func (m *Manager) NewRefCodec(name string, ttl time.Duration) *RefCodec {
	codec := securecookie.New(deriveKey(m.secret, "hash:"+name), deriveKey(m.secret, "block:"+name))
	codec.MaxAge(int(ttl.Seconds()))
	codec.SetSerializer(securecookie.JSONEncoder{})
	return &RefCodec{name: name, codec: codec}
}

// Encode seals v.
func (c *RefCodec) Encode(v any) (string, error) {
	return c.codec.Encode(c.name, v)
}

// Decode opens a value sealed by Encode into v.
func (c *RefCodec) Decode(value string, v any) error {
	if value == "" {
		return ErrInvalidRef
	}
	if err := c.codec.Decode(c.name, value, v); err != nil {
		return ErrInvalidRef
	}
	return nil
}

func deriveKey(secret []byte, label string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(label))
	return mac.Sum(nil)
}
