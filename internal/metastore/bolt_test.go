package metastore

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

func newTestBolt(t *testing.T) *BoltStore {
	t.Helper()
	bs, err := NewBoltStore(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { bs.Close() })
	return bs
}

func TestBoltStore(t *testing.T) {
	runMetaStoreTests(t, newTestBolt(t), "")
}

func TestBoltStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	ctx := context.Background()

	bs, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	if err := bs.Upsert(ctx, "abcd", Document{Hash: "abcd", Reference: "kept"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	bs.Close()

	bs, err = NewBoltStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer bs.Close()
	doc, ok, err := bs.Find(ctx, "abcd")
	if err != nil || !ok {
		t.Fatalf("Find after reopen: ok=%v err=%v", ok, err)
	}
	if doc.Reference != "kept" {
		t.Fatalf("reference: want=%q got=%q", "kept", doc.Reference)
	}
}

func TestBoltStoreCancelledContext(t *testing.T) {
	bs := newTestBolt(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bs.Upsert(ctx, "ab", Document{}); err == nil {
		t.Fatalf("Upsert with cancelled context should fail")
	}
}

// runMetaStoreTests общий набор проверок для реализаций MetaStore.
// ns добавляется к ключам, чтобы не пересекаться с чужими данными.
func runMetaStoreTests(t *testing.T, ms MetaStore, ns string) {
	ctx := context.Background()
	url := "https://example.org/lecture.pdf"

	h1 := ns + "aa01"
	h2 := ns + "aa02"
	h3 := ns + "bb01"

	if _, ok, err := ms.Find(ctx, h1); err != nil || ok {
		t.Fatalf("Find on empty store: ok=%v err=%v", ok, err)
	}

	in := Document{
		Hash:       h1,
		Reference:  "Lecture 1",
		URL:        &url,
		Mimetype:   "application/pdf",
		PageFilter: &PageRange{Lower: 2, Upper: 7},
		LocalPath:  "/data/lecture-1.pdf",
		LoadedAt:   1700000000,
	}
	for _, h := range []string{h1, h2, h3} {
		doc := in
		doc.Hash = h
		if err := ms.Upsert(ctx, h, doc); err != nil {
			t.Fatalf("Upsert %s: %v", h, err)
		}
	}

	got, ok, err := ms.Find(ctx, h1)
	if err != nil || !ok {
		t.Fatalf("Find %s: ok=%v err=%v", h1, ok, err)
	}
	if got.Reference != in.Reference || got.Mimetype != in.Mimetype || got.LocalPath != in.LocalPath {
		t.Fatalf("document: want=%+v got=%+v", in, *got)
	}
	if got.URL == nil || *got.URL != url {
		t.Fatalf("url: want=%q got=%v", url, got.URL)
	}
	if got.PageFilter == nil || *got.PageFilter != *in.PageFilter {
		t.Fatalf("page filter: want=%+v got=%+v", in.PageFilter, got.PageFilter)
	}

	// upsert заменяет документ целиком
	in.Reference = "Lecture 1 (v2)"
	in.URL = nil
	if err := ms.Upsert(ctx, h1, in); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	got, _, _ = ms.Find(ctx, h1)
	if got.Reference != "Lecture 1 (v2)" || got.URL != nil {
		t.Fatalf("after replace: %+v", *got)
	}

	keys, err := ms.ListKeysMatching(ctx, ns+"aa")
	if err != nil {
		t.Fatalf("ListKeysMatching: %v", err)
	}
	sort.Strings(keys)
	if strings.Join(keys, ",") != h1+","+h2 {
		t.Fatalf("prefix aa: got %v", keys)
	}

	keys, err = ms.ListKeysMatching(ctx, ns)
	if err != nil {
		t.Fatalf("ListKeysMatching: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("all keys under namespace: want=3 got=%v", keys)
	}

	if err := ms.Delete(ctx, h2); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := ms.Delete(ctx, h2); err != nil {
		t.Fatalf("Delete of missing key: %v", err)
	}
	if _, ok, _ := ms.Find(ctx, h2); ok {
		t.Fatalf("%s still present after delete", h2)
	}
	keys, _ = ms.ListKeysMatching(ctx, ns+"aa")
	if len(keys) != 1 || keys[0] != h1 {
		t.Fatalf("after delete: got %v", keys)
	}

	if ns == "" {
		all, err := ms.ListKeys(ctx)
		if err != nil {
			t.Fatalf("ListKeys: %v", err)
		}
		sort.Strings(all)
		if strings.Join(all, ",") != h1+","+h3 {
			t.Fatalf("ListKeys: got %v", all)
		}
	}

	for _, h := range []string{h1, h3} {
		ms.Delete(ctx, h)
	}
}
