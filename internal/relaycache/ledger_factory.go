package relaycache

import (
	"net/url"
	"strings"

	"go.trai.ch/zerr"
)

// BuildLedgerFromDSN picks the conflict ledger for a DSN. An empty DSN means in-memory.
func BuildLedgerFromDSN(dsn string) (Ledger, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryLedger(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, invalidInput("invalid ledger dsn: "+err.Error(), "dsn", redactDSN(dsn))
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupLedgerFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryLedger(), nil
	case "postgres", "postgresql":
		return NewPostgresLedger(dsn)
	case "", "sqlite", "sqlite3", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteLedger(path)
	case "mongodb", "dynamodb":
		return nil, zerr.With(zerr.Wrap(ErrNotImplemented, "ledger backend"), "scheme", scheme)
	default:
		return nil, invalidInput("unsupported ledger scheme", "scheme", scheme)
	}
}
