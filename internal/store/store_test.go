package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "store.json"))
}

func TestReadMissingFileReturnsEmptyDocument(t *testing.T) {
	st := newTestStore(t)

	doc, err := st.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(doc.Users) != 0 || len(doc.Orders) != 0 || len(doc.Pending) != 0 {
		t.Fatalf("expected empty document, got %+v", doc)
	}
	if _, err := os.Stat(st.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("read must not create the file, stat: %v", err)
	}
}

func TestMutatePersistsAcrossInstances(t *testing.T) {
	st := newTestStore(t)

	err := st.Mutate(func(doc *Document) error {
		u := doc.EnsureUser(42, time.Now())
		u.Wallet = "0x0123456789abcdef0123456789abcdef01234567"
		doc.Balances[42].UnitA = 12.5
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}

	reopened := New(st.Path())
	doc, err := reopened.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	u, ok := doc.Users[42]
	if !ok {
		t.Fatal("user 42 missing after reopen")
	}
	if u.Wallet != "0x0123456789abcdef0123456789abcdef01234567" {
		t.Fatalf("wallet = %q", u.Wallet)
	}
	if got := doc.Balances[42].UnitA; got != 12.5 {
		t.Fatalf("unit_a = %v, want 12.5", got)
	}
}

func TestCorruptFileFailsFast(t *testing.T) {
	st := newTestStore(t)
	if err := os.WriteFile(st.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	if _, err := st.Read(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("read err = %v, want ErrCorrupt", err)
	}

	// Mutations must refuse to run and must not clobber the broken file.
	err := st.Mutate(func(doc *Document) error {
		doc.EnsureUser(1, time.Now())
		return nil
	})
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("mutate err = %v, want ErrCorrupt", err)
	}
	data, err := os.ReadFile(st.Path())
	if err != nil {
		t.Fatalf("reread: %v", err)
	}
	if string(data) != "{not json" {
		t.Fatalf("corrupt file was rewritten: %q", data)
	}
}

func TestMutateErrorLeavesPriorDocument(t *testing.T) {
	st := newTestStore(t)
	if err := st.Mutate(func(doc *Document) error {
		doc.EnsureBalance(7).UnitA = 100
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	boom := errors.New("boom")
	err := st.Mutate(func(doc *Document) error {
		doc.Balances[7].UnitA = -1
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("mutate err = %v, want boom", err)
	}

	doc, err := st.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := doc.Balances[7].UnitA; got != 100 {
		t.Fatalf("unit_a = %v, rollback failed", got)
	}
}

func TestMutateLeavesNoTempFiles(t *testing.T) {
	st := newTestStore(t)
	for i := 0; i < 5; i++ {
		if err := st.Mutate(func(doc *Document) error {
			doc.EnsureUser(int64(i+1), time.Now())
			return nil
		}); err != nil {
			t.Fatalf("mutate %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(filepath.Dir(st.Path()))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("leftover temp file %s", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the store file, got %d entries", len(entries))
	}
}

func TestAbandonedTempFileNeverRead(t *testing.T) {
	st := newTestStore(t)

	if err := st.Mutate(func(doc *Document) error {
		b := doc.EnsureBalance(42)
		b.UnitA = 5
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}

	// Residue of a crash between CreateTemp and Rename: a divergent temp
	// file sitting next to the committed one.
	stray := st.Path() + ".tmp-1234"
	if err := os.WriteFile(stray, []byte(`{"balances":{"42":{"unit_a":999}}}`), 0o644); err != nil {
		t.Fatalf("write stray temp: %v", err)
	}

	doc, err := st.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := doc.Balances[42].UnitA; got != 5 {
		t.Fatalf("unit_a = %v, want the committed 5", got)
	}

	if err := st.Mutate(func(doc *Document) error {
		doc.EnsureBalance(42).UnitB = 1
		return nil
	}); err != nil {
		t.Fatalf("mutate with residue present: %v", err)
	}
	doc, err = st.Read()
	if err != nil {
		t.Fatalf("reread: %v", err)
	}
	if doc.Balances[42].UnitA != 5 || doc.Balances[42].UnitB != 1 {
		t.Fatalf("balance = %+v, want 5/1", doc.Balances[42])
	}
}

func TestReadCachedReturnsIsolatedCopy(t *testing.T) {
	st := newTestStore(t)
	if err := st.Mutate(func(doc *Document) error {
		doc.EnsureBalance(9).UnitA = 50
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	doc, err := st.ReadCached(time.Minute)
	if err != nil {
		t.Fatalf("read cached: %v", err)
	}
	doc.Balances[9].UnitA = 0 // scribble on the copy

	again, err := st.ReadCached(time.Minute)
	if err != nil {
		t.Fatalf("read cached again: %v", err)
	}
	if got := again.Balances[9].UnitA; got != 50 {
		t.Fatalf("cache aliased: unit_a = %v, want 50", got)
	}
}

func TestMutateRefreshesCache(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.ReadCached(time.Hour); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	if err := st.Mutate(func(doc *Document) error {
		doc.EnsureBalance(3).UnitB = 7
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}

	doc, err := st.ReadCached(time.Hour)
	if err != nil {
		t.Fatalf("read cached: %v", err)
	}
	if got := doc.Balances[3].UnitB; got != 7 {
		t.Fatalf("cache stale after mutate: unit_b = %v, want 7", got)
	}
}

func TestDecodedDocumentNormalized(t *testing.T) {
	st := newTestStore(t)
	if err := os.WriteFile(st.Path(), []byte(`{"users":null}`), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	doc, err := st.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if doc.Users == nil || doc.Balances == nil || doc.Orders == nil || doc.Pending == nil {
		t.Fatalf("nil collections survived decode: %+v", doc)
	}
}
