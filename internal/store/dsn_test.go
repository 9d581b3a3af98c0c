package store

import "testing"

func TestParseDSN(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		backend  Backend
		location string
		memory   bool
		wantErr  bool
	}{
		{name: "memory", input: "memory://", backend: BackendMemory, location: MemoryLocation, memory: true},
		{name: "sqlite memory", input: "sqlite://:memory:", backend: BackendSQLite, location: MemoryLocation, memory: true},
		{name: "sqlite absolute path", input: "sqlite:///var/lib/timeweave.db", backend: BackendSQLite, location: "/var/lib/timeweave.db"},
		{name: "sqlite relative path", input: "sqlite://./sim.db", backend: BackendSQLite, location: "./sim.db"},
		{name: "sqlite bare relative path", input: "sqlite://sim.db", backend: BackendSQLite, location: "./sim.db"},
		{name: "sqlite escaped path", input: "sqlite://my%20sim.db", backend: BackendSQLite, location: "./my sim.db"},
		{name: "sqlite query string", input: "sqlite://sim.db?cache=shared", backend: BackendSQLite, location: "./sim.db?cache=shared"},
		{name: "postgres", input: "postgres://localhost/sim", backend: BackendPostgres},
		{name: "postgresql alias", input: "postgresql://localhost/sim", backend: BackendPostgres},
		{name: "badger path", input: "badger:///var/lib/timeweave", backend: BackendBadger, location: "/var/lib/timeweave"},
		{name: "badger memory", input: "badger://:memory:", backend: BackendBadger, location: MemoryLocation, memory: true},
		{name: "badger without path", input: "badger://", wantErr: true},
		{name: "sqlite without path", input: "sqlite://", wantErr: true},
		{name: "no scheme", input: "timeweave.db", wantErr: true},
		{name: "unknown scheme", input: "mysql://localhost/db", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDSN(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Backend != tt.backend || got.Location != tt.location || got.Raw != tt.input {
				t.Fatalf("ParseDSN(%q) = %+v, want backend %s location %q", tt.input, got, tt.backend, tt.location)
			}
			if got.InMemory() != tt.memory {
				t.Fatalf("ParseDSN(%q).InMemory() = %v", tt.input, got.InMemory())
			}
		})
	}
}
