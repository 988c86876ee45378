package db

import "testing"

func TestOpen_BadDSN(t *testing.T) {
	for _, dsn := range []string{
		"",
		"not-a-dsn",
		"postgres://",
		"://missing-scheme/db",
	} {
		pool, err := Open(dsn)
		if err == nil {
			pool.Close()
			t.Errorf("Open(%q) should fail", dsn)
			continue
		}
		if pool != nil {
			t.Errorf("Open(%q) returned non-nil pool with error", dsn)
		}
	}
}
