//go:build !sqlite
// +build !sqlite

package content

import "errors"

// Built without the sqlite tag: the catalog driver is unavailable and config
// asking for it is an explicit error rather than a silent memory fallback.
func openSQLite(Config) (Provider, error) {
	return nil, errors.New("content: sqlite driver not built (use -tags sqlite)")
}
