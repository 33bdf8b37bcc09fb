package input

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHandler_ReadYAML(t *testing.T) {
	doc := `
candidates:
  - id: com.example.notes
    name: Notes
    fingerprint: ABCDEF
    capabilities: [INTERNET]
  - id: com.example.flash
    fingerprint: "123"
    privileged: true
`
	h := NewHandler()
	cands, err := h.Read(strings.NewReader(doc), FormatYAML)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}
	if cands[0].Fingerprint != "abcdef" {
		t.Errorf("expected lower-cased fingerprint, got %q", cands[0].Fingerprint)
	}
	if !cands[1].Privileged {
		t.Error("expected second candidate privileged")
	}
}

func TestHandler_ReadBareJSONList(t *testing.T) {
	doc := `[{"id":"a","fingerprint":"f1"},{"id":"b","fingerprint":"f2","markers":["api.telegram.org/bot"]}]`
	cands, err := NewHandler().Read(strings.NewReader(doc), FormatJSON)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 2 || cands[1].Markers[0] != "api.telegram.org/bot" {
		t.Fatalf("unexpected candidates: %+v", cands)
	}
}

func TestHandler_ReadEmpty(t *testing.T) {
	cands, err := NewHandler().Read(strings.NewReader("  \n"), FormatYAML)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 0 {
		t.Errorf("expected no candidates, got %d", len(cands))
	}
}

func TestHandler_ReadInvalid(t *testing.T) {
	if _, err := NewHandler().Read(strings.NewReader(`{"candidates": [`), FormatJSON); err == nil {
		t.Error("expected decode error")
	}
}

func TestHandler_FingerprintFromPath(t *testing.T) {
	dir := t.TempDir()
	pkg := filepath.Join(dir, "app.apk")
	content := []byte("not really an apk")
	if err := os.WriteFile(pkg, content, 0o644); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(content)
	want := hex.EncodeToString(sum[:])

	doc := "- id: com.example.app\n  path: " + pkg + "\n- id: com.example.gone\n  path: " + filepath.Join(dir, "missing.apk") + "\n"
	cands, err := NewHandler().Read(strings.NewReader(doc), FormatYAML)
	if err != nil {
		t.Fatal(err)
	}
	if cands[0].Fingerprint != want {
		t.Errorf("expected fingerprint %s, got %s", want, cands[0].Fingerprint)
	}
	if cands[1].Fingerprint != "" {
		t.Errorf("expected unreadable package to stay unfingerprinted, got %q", cands[1].Fingerprint)
	}
}

func TestHandler_ReadFilesDeduplicates(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.json")
	b := filepath.Join(dir, "b.yaml")
	os.WriteFile(a, []byte(`{"candidates":[{"id":"x","fingerprint":"1"}]}`), 0o644)
	os.WriteFile(b, []byte("candidates:\n  - id: x\n    fingerprint: \"2\"\n  - id: y\n    fingerprint: \"3\"\n"), 0o644)

	cands, err := NewHandler().ReadFiles([]string{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}
	if cands[0].Fingerprint != "1" {
		t.Errorf("expected first occurrence to win, got %q", cands[0].Fingerprint)
	}
}

func TestHandler_ReadDirectory(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, ".hidden"), 0o755)
	os.WriteFile(filepath.Join(dir, "inv.yml"), []byte("- id: a\n  fingerprint: f\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644)
	os.WriteFile(filepath.Join(dir, ".hidden", "inv.json"), []byte(`[{"id":"b","fingerprint":"g"}]`), 0o644)

	cands, err := NewHandler().ReadDirectory(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].ID != "a" {
		t.Fatalf("expected only the visible inventory, got %+v", cands)
	}
}

func TestHandler_ReadFilesMissing(t *testing.T) {
	if _, err := NewHandler().ReadFiles([]string{filepath.Join(t.TempDir(), "nope.json")}); err == nil {
		t.Error("expected error for missing file")
	}
}
