package security

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/sentinel/pkg/stores"
)

// DefaultSessionPrefixes are the key namespaces cleared on invalidation.
var DefaultSessionPrefixes = []string{"session_", "auth_", "app_"}

// protectedKeys survive session invalidation.
var protectedKeys = []string{
	stores.KeySecurityIncidents,
	stores.KeyErrorLog,
	stores.KeyPendingLogBuffer,
}

// Session ends the current user session.
type Session interface {
	Invalidate(ctx context.Context) error
}

// Jar is a cookie jar that can be cleared.
type Jar struct {
	mu  sync.RWMutex
	jar *cookiejar.Jar
}

// NewJar creates an empty jar.
func NewJar() *Jar {
	jar, _ := cookiejar.New(nil)
	return &Jar{jar: jar}
}

// SetCookies implements http.CookieJar.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	j.jar.SetCookies(u, cookies)
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.jar.Cookies(u)
}

// Clear drops every cookie.
func (j *Jar) Clear() {
	jar, _ := cookiejar.New(nil)
	j.mu.Lock()
	j.jar = jar
	j.mu.Unlock()
}

var _ http.CookieJar = (*Jar)(nil)

// KVSession invalidates a session stored in the key-value store.
type KVSession struct {
	kv       stores.KeyValueStore
	prefixes []string
	jar      *Jar
	logger   zerolog.Logger
}

// NewKVSession creates a session over kv. Nil prefixes use
// DefaultSessionPrefixes. Prefixes that would match a protected key are
// ignored.
func NewKVSession(kv stores.KeyValueStore, prefixes []string, jar *Jar, logger zerolog.Logger) *KVSession {
	if prefixes == nil {
		prefixes = DefaultSessionPrefixes
	}
	logger = logger.With().Str("component", "session").Logger()

	safe := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p == "" || coversProtected(p) {
			logger.Warn().Str("prefix", p).Msg("ignoring session prefix that covers protected keys")
			continue
		}
		safe = append(safe, p)
	}
	return &KVSession{kv: kv, prefixes: safe, jar: jar, logger: logger}
}

func coversProtected(prefix string) bool {
	for _, k := range protectedKeys {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// Jar returns the session cookie jar, or nil.
func (s *KVSession) Jar() *Jar {
	return s.jar
}

// Invalidate deletes the session keys and clears the cookie jar.
func (s *KVSession) Invalidate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.jar != nil {
		s.jar.Clear()
	}
	if s.kv == nil {
		return errors.New("session store not configured")
	}
	n, err := s.kv.DeletePrefix(s.prefixes...)
	if err != nil {
		return fmt.Errorf("failed to invalidate session: %w", err)
	}
	s.logger.Info().Int("keys", n).Msg("session invalidated")
	return nil
}
