package relaycache

import (
	"net/url"
	"strings"

	"go.trai.ch/zerr"
)

// BuildKeyValueStoreFromDSN picks the cache backend for a DSN. An empty DSN means in-memory.
func BuildKeyValueStoreFromDSN(dsn string) (KeyValueStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, invalidInput("invalid cache dsn: "+err.Error(), "dsn", redactDSN(dsn))
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupKeyValueStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "redis", "rediss":
		return NewRedisStore(dsn)
	case "memcached", "valkey+cluster":
		return nil, zerr.With(zerr.Wrap(ErrNotImplemented, "cache backend"), "scheme", scheme)
	default:
		return nil, invalidInput("unsupported cache scheme", "scheme", scheme)
	}
}
