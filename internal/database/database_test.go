package database

import (
	"context"
	"path/filepath"
	"testing"
)

func TestDriverFor(t *testing.T) {
	cases := []struct {
		url  string
		want Driver
	}{
		{"", DriverMemory},
		{"   ", DriverMemory},
		{"postgres://user@localhost/discomi", DriverPostgres},
		{"postgresql://user@localhost/discomi", DriverPostgres},
		{"sqlite:/var/lib/discomi/sessions.db", DriverSQLite},
		{"file:sessions.db", DriverSQLite},
		{"./data/discomi.sqlite", DriverSQLite},
	}
	for _, tc := range cases {
		if got := DriverFor(tc.url); got != tc.want {
			t.Fatalf("DriverFor(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestSQLitePath(t *testing.T) {
	cases := map[string]string{
		"sqlite:/tmp/a.db":         "/tmp/a.db",
		"sqlite:///tmp/a.db":       "/tmp/a.db",
		"file:a.db?mode=rwc":       "a.db",
		"/var/lib/discomi/x.sqlite": "/var/lib/discomi/x.sqlite",
	}
	for in, want := range cases {
		if got := SQLitePath(in); got != want {
			t.Fatalf("SQLitePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOpenSQLiteCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "discomi.db")
	db, err := OpenSQLite(context.Background(), "sqlite:"+path)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer db.Close()

	var one int
	if err := db.QueryRow(`SELECT 1`).Scan(&one); err != nil {
		t.Fatalf("QueryRow() error = %v", err)
	}
	if one != 1 {
		t.Fatalf("SELECT 1 = %d", one)
	}
}
