package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeGo(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("package q\n\n"+body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLintFindsMissingAndDuplicateMarkers(t *testing.T) {
	dir := t.TempDir()
	writeGo(t, dir, "a.go", "const QOk = `--sql 14183447-e7df-45c8-a47f-8ec572ea2709\nselect 1;\n`\n\nconst QBare = `select 2;`\n")
	writeGo(t, dir, "b.go", "const QDup = `--sql 14183447-e7df-45c8-a47f-8ec572ea2709\nupdate t set a = 1;\n`\n\nconst Greeting = \"please update your profile\"\n")

	l := newLinter()
	if err := l.lintPath(dir); err != nil {
		t.Fatalf("lint: %v", err)
	}
	if len(l.violations) != 2 {
		t.Fatalf("expected 2 violations, got %+v", l.violations)
	}
	var out bytes.Buffer
	if !l.report(&out) {
		t.Fatalf("report should flag violations")
	}
	text := out.String()
	if !strings.Contains(text, "QBare") || !strings.Contains(text, "QDup") || !strings.Contains(text, "already used") {
		t.Fatalf("unexpected report:\n%s", text)
	}
}

func TestLintRepositoryQueriesAreClean(t *testing.T) {
	l := newLinter()
	if err := l.lintPath("../../sqlinline"); err != nil {
		t.Fatalf("lint: %v", err)
	}
	var out bytes.Buffer
	if l.report(&out) {
		t.Fatalf("sqlinline has violations:\n%s", out.String())
	}
	if len(l.seen) == 0 {
		t.Fatalf("expected markers to be collected")
	}
}
