package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/voxelnet-project/voxelnet/internal/protocol"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()

	d, err := NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func newTestAccounts(t *testing.T) *AccountStore {
	s := NewAccountStore(openTestDB(t))
	s.cost = bcrypt.MinCost
	return s
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	s := newTestAccounts(t)

	if err := s.Seed(ctx, map[string]string{"alice": "wonderland", "bob": "builder99"}); err != nil {
		t.Fatal(err)
	}

	acc, err := s.Authenticate(ctx, "alice", "wonderland")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Name != "alice" || acc.ID == 0 || acc.LastLogin == nil {
		t.Fatalf("account = %+v", acc)
	}

	tests := []struct{ name, password string }{
		{"alice", "wrong password"},
		{"mallory", "wonderland"},
		{"", ""},
	}
	for _, tt := range tests {
		if _, err := s.Authenticate(ctx, tt.name, tt.password); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("%s/%s: err = %v, want ErrInvalidCredentials", tt.name, tt.password, err)
		}
	}
}

func TestUnknownNameCostsABcryptCompare(t *testing.T) {
	ctx := context.Background()
	s := newTestAccounts(t)
	if err := s.Seed(ctx, map[string]string{"alice": "wonderland"}); err != nil {
		t.Fatal(err)
	}

	var compared [][]byte
	s.compare = func(hash, password []byte) error {
		compared = append(compared, hash)
		return bcrypt.CompareHashAndPassword(hash, password)
	}

	for _, name := range []string{"alice", "mallory"} {
		if _, err := s.Authenticate(ctx, name, "not the password"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: err = %v", name, err)
		}
	}

	if len(compared) != 2 {
		t.Fatalf("bcrypt compares = %d, want one per attempt", len(compared))
	}
	cost, err := bcrypt.Cost(compared[1])
	if err != nil {
		t.Fatalf("unknown name compared against a non-bcrypt hash: %v", err)
	}
	if cost != s.cost {
		t.Fatalf("dummy hash cost = %d, want %d", cost, s.cost)
	}
}

func TestSeedKeepsExistingPasswords(t *testing.T) {
	ctx := context.Background()
	s := newTestAccounts(t)

	s.Seed(ctx, map[string]string{"alice": "first-password"})
	s.Seed(ctx, map[string]string{"alice": "second-password"})

	if _, err := s.Authenticate(ctx, "alice", "first-password"); err != nil {
		t.Fatalf("original password rejected: %v", err)
	}

	accounts, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 1 {
		t.Fatalf("got %d accounts", len(accounts))
	}
}

func TestCreateRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestAccounts(t)

	id, err := s.Create(ctx, "carol", "password1")
	if err != nil || id == 0 {
		t.Fatalf("id = %d, err = %v", id, err)
	}
	if _, err := s.Create(ctx, "carol", "password2"); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("err = %v, want ErrAccountExists", err)
	}
}

func TestChunkStore(t *testing.T) {
	ctx := context.Background()
	s := NewChunkStore(openTestDB(t))

	if _, ok, err := s.LoadChunk(ctx, 0, 0, 0); err != nil || ok {
		t.Fatalf("empty store: ok = %v, err = %v", ok, err)
	}

	var blocks [protocol.ChunkBlocks]uint16
	for i := range blocks {
		blocks[i] = uint16(i) ^ 0xA5A5
	}
	if err := s.SaveChunk(ctx, -1, 2, 3, blocks); err != nil {
		t.Fatal(err)
	}
	blocks[0] = 7
	if err := s.SaveChunk(ctx, -1, 2, 3, blocks); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.LoadChunk(ctx, -1, 2, 3)
	if err != nil || !ok {
		t.Fatalf("ok = %v, err = %v", ok, err)
	}
	if got != blocks {
		t.Fatal("loaded blocks differ from the last save")
	}
}
