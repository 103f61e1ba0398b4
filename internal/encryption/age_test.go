package encryption

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"melissi-go/internal/config"
	"melissi-go/internal/melissi"
)

func newTestAgeStore(t *testing.T) (*AgeCredentialStore, config.CredentialsConfig) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.CredentialsConfig{
		Type:         "age",
		Path:         filepath.Join(dir, "credentials.age"),
		IdentityPath: filepath.Join(dir, "keys", "melissi.key"),
	}
	return NewAgeCredentialStore(cfg), cfg
}

func TestAgeCredentialStore_IsConfigured_BeforeSave(t *testing.T) {
	t.Parallel()
	s, _ := newTestAgeStore(t)
	if s.IsConfigured() {
		t.Error("IsConfigured() = true before Save, want false")
	}
	if _, err := s.Load(); err == nil {
		t.Error("Load() expected error before Save")
	}
}

func TestAgeCredentialStore_SaveLoad(t *testing.T) {
	t.Parallel()
	s, cfg := newTestAgeStore(t)

	want := &melissi.Credentials{Username: "alice", Password: "s3cret"}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !s.IsConfigured() {
		t.Error("IsConfigured() = false after Save, want true")
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if *got != *want {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}

	t.Run("file does not contain the password", func(t *testing.T) {
		data, err := os.ReadFile(cfg.Path)
		if err != nil {
			t.Fatalf("reading credentials: %v", err)
		}
		if bytes.Contains(data, []byte("s3cret")) {
			t.Error("credentials file contains plaintext password")
		}
	})

	t.Run("files are owner-only", func(t *testing.T) {
		for _, p := range []string{cfg.Path, cfg.IdentityPath} {
			info, err := os.Stat(p)
			if err != nil {
				t.Fatalf("stat %s: %v", p, err)
			}
			if perm := info.Mode().Perm(); perm != 0600 {
				t.Errorf("%s permissions = %o, want 600", p, perm)
			}
		}
	})

	t.Run("a second save reuses the identity", func(t *testing.T) {
		before, _ := os.ReadFile(cfg.IdentityPath)
		if err := s.Save(&melissi.Credentials{Username: "bob", Password: "x"}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		after, _ := os.ReadFile(cfg.IdentityPath)
		if !bytes.Equal(before, after) {
			t.Error("identity was regenerated")
		}
		got, err := NewAgeCredentialStore(cfg).Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if got.Username != "bob" {
			t.Errorf("Username = %q, want bob", got.Username)
		}
	})
}

func TestAgeCredentialStore_WrongIdentity(t *testing.T) {
	t.Parallel()
	s, cfg := newTestAgeStore(t)
	if err := s.Save(&melissi.Credentials{Username: "alice"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	other, _ := newTestAgeStore(t)
	if err := other.Save(&melissi.Credentials{Username: "mallory"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Point the second store's identity at the first store's ciphertext.
	mixed := &AgeCredentialStore{path: cfg.Path, identityPath: other.identityPath}
	if _, err := mixed.Load(); err == nil {
		t.Error("Load() with the wrong identity expected error")
	}
}

func TestCredentialStores_RejectEmptyUsername(t *testing.T) {
	t.Parallel()
	s, cfg := newTestAgeStore(t)
	if err := s.Save(&melissi.Credentials{}); err == nil {
		t.Error("AgeCredentialStore.Save() expected error")
	}
	if err := NewPlainCredentialStore(cfg).Save(nil); err == nil {
		t.Error("PlainCredentialStore.Save() expected error")
	}
}

func TestPlainCredentialStore_SaveLoad(t *testing.T) {
	t.Parallel()
	s := NewPlainCredentialStore(config.CredentialsConfig{Path: filepath.Join(t.TempDir(), "creds.json")})
	if s.IsConfigured() {
		t.Error("IsConfigured() = true before Save")
	}
	want := &melissi.Credentials{Username: "alice", Password: "pw"}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if *got != *want {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
}

func TestNewCredentialStoreFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.CredentialsConfig
		wantErr bool
		check   func(melissi.CredentialStore) bool
	}{
		{
			name:  "age",
			cfg:   config.CredentialsConfig{Type: "age", Path: "/tmp/c"},
			check: func(s melissi.CredentialStore) bool { _, ok := s.(*AgeCredentialStore); return ok },
		},
		{
			name:  "empty type defaults to age",
			cfg:   config.CredentialsConfig{Path: "/tmp/c"},
			check: func(s melissi.CredentialStore) bool { _, ok := s.(*AgeCredentialStore); return ok },
		},
		{
			name:  "plain",
			cfg:   config.CredentialsConfig{Type: "plain", Path: "/tmp/c"},
			check: func(s melissi.CredentialStore) bool { _, ok := s.(*PlainCredentialStore); return ok },
		},
		{name: "unknown type", cfg: config.CredentialsConfig{Type: "rot13", Path: "/tmp/c"}, wantErr: true},
		{name: "missing path", cfg: config.CredentialsConfig{Type: "age"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewCredentialStoreFromConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewCredentialStoreFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil && !tt.check(got) {
				t.Errorf("NewCredentialStoreFromConfig() returned %T", got)
			}
		})
	}
}
