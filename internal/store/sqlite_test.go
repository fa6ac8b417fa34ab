package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/yourorg/rerunner/pkg/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "rerunner.db"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCredentialCRUD(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	c := &types.Credential{Team: "checkout", Username: "dana", Token: "aa:bb"}
	if err := s.PutCredential(c); err != nil {
		t.Fatal(err)
	}
	if c.UserID == "" {
		t.Fatalf("expected generated user id")
	}
	got, err := s.GetCredential(c.UserID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Token != "aa:bb" || got.Team != "checkout" || got.Username != "dana" {
		t.Fatalf("unexpected credential %+v", got)
	}

	c.Token = "cc:dd"
	if err := s.PutCredential(c); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetCredential(c.UserID); got.Token != "cc:dd" {
		t.Fatalf("token not replaced: %+v", got)
	}
	all, err := s.ListCredentials()
	if err != nil || len(all) != 1 {
		t.Fatalf("expected a single credential, got %d err=%v", len(all), err)
	}

	if err := s.DeleteCredential(c.UserID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetCredential(c.UserID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteCredential(c.UserID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestPutCredentialRequiresToken(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	if err := s.PutCredential(&types.Credential{UserID: "u1"}); err == nil {
		t.Fatalf("expected error for empty token")
	}
}

func TestConcurrentReadWrite(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.PutCredential(&types.Credential{UserID: fmt.Sprintf("u%d", i), Team: "t", Username: "n", Token: "x:y"})
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.ListCredentials()
		}()
	}
	wg.Wait()

	all, err := s.ListCredentials()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) == 0 {
		t.Fatalf("expected credentials")
	}
}
