package material

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/Gammanik/material-store/internal/utils"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestNewRecordHashesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.md")
	writeFile(t, path, []byte("abc"))

	rec, err := NewRecord(path, Metadata{Reference: "notes", Hash: "ignored"})
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	if want := utils.CalculateHash([]byte("abc")); rec.Hash != want {
		t.Fatalf("hash: want=%q got=%q", want, rec.Hash)
	}
	if rec.Mimetype != "text/markdown" {
		t.Fatalf("mimetype: want=%q got=%q", "text/markdown", rec.Mimetype)
	}
	if rec.LocalPath != path {
		t.Fatalf("path: want=%q got=%q", path, rec.LocalPath)
	}
}

func TestNewRecordMimetypeIntake(t *testing.T) {
	dir := t.TempDir()
	md := filepath.Join(dir, "notes.md")
	writeFile(t, md, []byte("# notes"))

	// синоним допустим
	if _, err := NewRecord(md, Metadata{Mimetype: "text/x-markdown"}); err != nil {
		t.Fatalf("alias mimetype rejected: %v", err)
	}

	_, err := NewRecord(md, Metadata{Mimetype: "application/pdf"})
	if !errors.Is(err, ErrMimetypeMismatch) {
		t.Fatalf("want ErrMimetypeMismatch, got %v", err)
	}

	noext := filepath.Join(dir, "README")
	writeFile(t, noext, []byte("x"))
	_, err = NewRecord(noext, Metadata{Mimetype: "text/plain"})
	if !errors.Is(err, ErrMimetypeNotDetected) {
		t.Fatalf("want ErrMimetypeNotDetected, got %v", err)
	}
}

func TestNewRecordMissingFile(t *testing.T) {
	_, err := NewRecord(filepath.Join(t.TempDir(), "missing.pdf"), Metadata{})
	if !IsStorageError(err) {
		t.Fatalf("want storage error, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("storage error should unwrap to os.ErrNotExist, got %v", err)
	}
}

func TestDeriveHashAfterAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slides.pptx")
	writeFile(t, path, []byte("part one"))

	rec, err := NewRecord(path, Metadata{Reference: "slides"})
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	changed, err := rec.DeriveHash(false)
	if err != nil || changed {
		t.Fatalf("unchanged file: changed=%v err=%v", changed, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.Write([]byte(" and two"))
	f.Close()

	old := rec.Hash
	changed, err = rec.DeriveHash(true)
	if err != nil || !changed {
		t.Fatalf("appended file: changed=%v err=%v", changed, err)
	}
	if want := utils.CalculateHash([]byte("part one and two")); rec.Hash != want || rec.Hash == old {
		t.Fatalf("hash: want=%q got=%q", want, rec.Hash)
	}
	if want := filepath.Join(filepath.Dir(path), rec.Hash+".pptx"); rec.LocalPath != want {
		t.Fatalf("renamed path: want=%q got=%q", want, rec.LocalPath)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("old path should be gone, stat err=%v", err)
	}
}

func TestDeriveHashRenameFailureKeepsPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	writeFile(t, path, []byte("v1"))
	rec, err := NewRecord(path, Metadata{})
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	writeFile(t, path, []byte("v2"))

	// каталог на месте целевого имени не дает переименовать
	target := filepath.Join(dir, utils.CalculateHash([]byte("v2"))+".txt")
	if err := os.MkdirAll(filepath.Join(target, "sub"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	changed, err := rec.DeriveHash(true)
	if err != nil || !changed {
		t.Fatalf("DeriveHash: changed=%v err=%v", changed, err)
	}
	if rec.LocalPath != path {
		t.Fatalf("path should stay %q, got %q", path, rec.LocalPath)
	}
	if ok, err := rec.VerifyHash(""); err != nil || !ok {
		t.Fatalf("record should still verify: ok=%v err=%v", ok, err)
	}
}

func TestVerifyHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	writeFile(t, path, []byte("abc"))
	rec, err := NewRecord(path, Metadata{})
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}

	if ok, _ := rec.VerifyHash(""); !ok {
		t.Fatalf("own hash should verify")
	}
	if ok, _ := rec.VerifyHash(utils.CalculateHash([]byte("abd"))); ok {
		t.Fatalf("foreign hash should not verify")
	}

	writeFile(t, path, []byte("abd"))
	if ok, _ := rec.VerifyHash(""); ok {
		t.Fatalf("drift should be detected")
	}
}

func TestToPortableIsDetached(t *testing.T) {
	url := "https://example.org/x.pdf"
	rec := &Record{
		Metadata: Metadata{
			Reference:  "x",
			URL:        &url,
			PageFilter: &PageFilter{LowerBound: 1, UpperBound: 3},
		},
		LocalPath: "/data/x.pdf",
	}
	p := rec.ToPortable()
	*p.URL = "changed"
	p.PageFilter.UpperBound = 99

	if *rec.URL != url || rec.PageFilter.UpperBound != 3 {
		t.Fatalf("portable copy shares state with record: %+v", rec.Metadata)
	}
}

func TestSameDeclaration(t *testing.T) {
	u1, u2 := "https://a", "https://b"
	base := Metadata{Reference: "r", URL: &u1, Mimetype: "text/markdown", PageFilter: &PageFilter{1, 2}}

	same := base.Clone()
	same.Mimetype = "text/x-markdown"
	same.Hash = "whatever"
	if !base.SameDeclaration(same) {
		t.Fatalf("alias mimetype and hash must not matter")
	}

	for name, mutate := range map[string]func(*Metadata){
		"reference": func(m *Metadata) { m.Reference = "other" },
		"url":       func(m *Metadata) { m.URL = &u2 },
		"url nil":   func(m *Metadata) { m.URL = nil },
		"pages":     func(m *Metadata) { m.PageFilter = &PageFilter{1, 5} },
		"pages nil": func(m *Metadata) { m.PageFilter = nil },
		"mimetype":  func(m *Metadata) { m.Mimetype = "text/plain" },
	} {
		other := base.Clone()
		mutate(&other)
		if base.SameDeclaration(other) {
			t.Fatalf("%s: declarations should differ", name)
		}
	}
}

func TestDocumentConversion(t *testing.T) {
	url := "https://example.org"
	rec := &Record{
		Metadata: Metadata{
			Reference:  "ref",
			URL:        &url,
			Hash:       "aa",
			Mimetype:   "application/pdf",
			PageFilter: &PageFilter{LowerBound: 4, UpperBound: 8},
		},
		LocalPath: "/data/a.pdf",
	}
	doc := toDocument(rec, 42)
	if doc.LoadedAt != 42 || doc.LocalPath != rec.LocalPath || doc.Hash != "aa" {
		t.Fatalf("document: %+v", doc)
	}
	back := recordFromDocument(&doc)
	if back.LocalPath != rec.LocalPath || !back.SameDeclaration(rec.Metadata) || back.Hash != rec.Hash {
		t.Fatalf("round trip: want=%+v got=%+v", *rec, *back)
	}
}
