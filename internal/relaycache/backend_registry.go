package relaycache

import (
	"net/url"
	"strings"
	"sync"
)

type KeyValueStoreFactory func(dsn string) (KeyValueStore, error)
type LedgerFactory func(dsn string) (Ledger, error)
type JournalFactory func(dsn string) (Journal, error)

var backendFactoryRegistry = struct {
	mu       sync.RWMutex
	kvStores map[string]KeyValueStoreFactory
	ledgers  map[string]LedgerFactory
	journals map[string]JournalFactory
}{
	kvStores: map[string]KeyValueStoreFactory{},
	ledgers:  map[string]LedgerFactory{},
	journals: map[string]JournalFactory{},
}

// RegisterKeyValueStoreFactory overrides how a DSN scheme is turned into a cache backend.
func RegisterKeyValueStoreFactory(scheme string, factory KeyValueStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.kvStores[scheme] = factory
}

func RegisterLedgerFactory(scheme string, factory LedgerFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.ledgers[scheme] = factory
}

func RegisterJournalFactory(scheme string, factory JournalFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.journals[scheme] = factory
}

func lookupKeyValueStoreFactory(scheme string) (KeyValueStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.kvStores[scheme]
	return factory, ok
}

func lookupLedgerFactory(scheme string) (LedgerFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.ledgers[scheme]
	return factory, ok
}

func lookupJournalFactory(scheme string) (JournalFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.journals[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	p := strings.TrimSpace(parsed.Host) + strings.TrimSpace(parsed.Path)
	if p == "" {
		p = strings.TrimSpace(parsed.Opaque)
	}
	if p == "" {
		return "", invalidInput("dsn has no path", "dsn", raw)
	}
	return p, nil
}

// redactDSN drops the password from a DSN before it reaches logs or errors.
func redactDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.User == nil {
		return dsn
	}
	if _, ok := parsed.User.Password(); ok {
		parsed.User = url.UserPassword(parsed.User.Username(), "xxxxx")
	}
	return parsed.String()
}
