package audit

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

// KeySize is the length of the obfuscation key in bytes.
const KeySize = 32

// ErrCodecClosed is returned after the codec key has been destroyed.
var ErrCodecClosed = errors.New("codec key destroyed")

// Codec obfuscates entries stored in the fallback backend. Entry JSON is
// XORed with a random process-lifetime key and Base64-encoded.
//
// This deters casual inspection only. It is not encryption and provides no
// confidentiality: the transform is reversible by anyone holding the key, and
// the key never leaves process memory, so entries written by an earlier
// process cannot be decoded.
type Codec struct {
	mu  sync.RWMutex
	key *memguard.LockedBuffer
}

// NewCodec creates a codec with a fresh random key held in locked memory.
func NewCodec() *Codec {
	key := memguard.NewBufferRandom(KeySize)
	key.Freeze()
	return &Codec{key: key}
}

// EncodeBytes obfuscates raw bytes.
func (c *Codec) EncodeBytes(plain []byte) (string, error) {
	out, err := c.xor(plain)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecodeBytes reverses EncodeBytes.
func (c *Codec) DecodeBytes(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	return c.xor(raw)
}

// Encode marshals and obfuscates an entry.
func (c *Codec) Encode(e Entry) (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry: %w", err)
	}
	return c.EncodeBytes(raw)
}

// Decode reverses Encode.
func (c *Codec) Decode(encoded string) (Entry, error) {
	raw, err := c.DecodeBytes(encoded)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return e, nil
}

// Close destroys the key. Further calls fail with ErrCodecClosed.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key.Destroy()
}

func (c *Codec) xor(in []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.key.IsAlive() {
		return nil, ErrCodecClosed
	}
	key := c.key.Bytes()

	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ key[i%len(key)]
	}
	return out, nil
}
