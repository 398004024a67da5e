package supervisor

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseDutiesWithFrontMatter(t *testing.T) {
	content := `---
name: housekeeping
description: background maintenance
focus:
  - memory
  - logs
---

Review open tasks and tidy the memory index.
`
	d, err := ParseDuties(content)
	if err != nil {
		t.Fatal(err)
	}
	if d.Meta.Name != "housekeeping" || d.Meta.Description != "background maintenance" {
		t.Errorf("meta: %+v", d.Meta)
	}
	if len(d.Meta.Focus) != 2 || d.Meta.Focus[0] != "memory" {
		t.Errorf("focus: %v", d.Meta.Focus)
	}
	if d.Prompt != "Review open tasks and tidy the memory index." {
		t.Errorf("prompt: %q", d.Prompt)
	}
}

func TestParseDutiesWithoutFrontMatter(t *testing.T) {
	d, err := ParseDuties("Just do the rounds.\n")
	if err != nil {
		t.Fatal(err)
	}
	if d.Meta.Name != "" {
		t.Errorf("meta: %+v", d.Meta)
	}
	if d.Prompt != "Just do the rounds." {
		t.Errorf("prompt: %q", d.Prompt)
	}
}

func TestParseDutiesUnclosedFrontMatter(t *testing.T) {
	if _, err := ParseDuties("---\nname: broken\n"); err == nil {
		t.Error("unclosed front matter accepted")
	}
}

func TestParseDutiesEmptyBody(t *testing.T) {
	if _, err := ParseDuties("---\nname: empty\n---\n"); err == nil {
		t.Error("empty prompt accepted")
	}
}

func TestLoadDutiesMissingFile(t *testing.T) {
	d, err := LoadDuties(filepath.Join(t.TempDir(), "AGENT_DUTIES.md"))
	if err != nil {
		t.Fatal(err)
	}
	if d != nil {
		t.Errorf("duties from nowhere: %+v", d)
	}
}

func TestLoadDutiesFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "AGENT_DUTIES.md")
	if err := os.WriteFile(path, []byte("Check provider health.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := LoadDuties(path)
	if err != nil {
		t.Fatal(err)
	}
	if d.Prompt != "Check provider health." {
		t.Errorf("prompt: %q", d.Prompt)
	}
}
