package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureGeneratesAllFields(t *testing.T) {
	root := t.TempDir()
	id, err := Ensure(root)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !id.Complete() {
		t.Fatalf("Ensure returned incomplete identity: %+v", id)
	}
	if id.Ephemeral {
		t.Fatal("identity should have been persisted on a writable fs")
	}
	if len(id.NodeID) != 16 {
		t.Fatalf("node id %q: got len %d, want 16", id.NodeID, len(id.NodeID))
	}
	if _, err := os.Stat(Path(root)); err != nil {
		t.Fatalf("identity file not written: %v", err)
	}
}

func TestEnsureIsStableAcrossCalls(t *testing.T) {
	root := t.TempDir()
	a, err := Ensure(root)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Ensure(root)
	if err != nil {
		t.Fatal(err)
	}
	if a.ProjectUUID != b.ProjectUUID || a.NodeID != b.NodeID || a.ProjectSlug != b.ProjectSlug {
		t.Fatalf("identity changed between calls:\n  first  %+v\n  second %+v", a, b)
	}
}

func TestEnsureBackfillsOnlyMissingFields(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, Dir), 0o755); err != nil {
		t.Fatal(err)
	}
	partial := "uuid = \"11111111-2222-3333-4444-555555555555\"\nslug = \"myproject\"\n"
	if err := os.WriteFile(Path(root), []byte(partial), 0o644); err != nil {
		t.Fatal(err)
	}

	id, err := Ensure(root)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if id.ProjectUUID != "11111111-2222-3333-4444-555555555555" {
		t.Fatalf("uuid regenerated: %q", id.ProjectUUID)
	}
	if id.ProjectSlug != "myproject" {
		t.Fatalf("slug regenerated: %q", id.ProjectSlug)
	}
	if id.NodeID == "" {
		t.Fatal("node id not backfilled")
	}
}

func TestEnsureReadOnlyFilesystemFallsBackToMemory(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	root := t.TempDir()
	if err := os.Chmod(root, 0o555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(root, 0o755) })

	id, err := Ensure(root)
	if err != nil {
		t.Fatalf("Ensure on read-only root should not fail: %v", err)
	}
	if !id.Complete() {
		t.Fatalf("in-memory identity incomplete: %+v", id)
	}
	if !id.Ephemeral {
		t.Fatal("identity on read-only fs should be marked ephemeral")
	}
}

func TestSlugFromRemoteURL(t *testing.T) {
	cases := map[string]string{
		"git@github.com:acme/widgets.git":  "widgets",
		"https://github.com/acme/widgets":  "widgets",
		"https://github.com/acme/widgets/": "widgets",
		"ssh://git@host/team/deep/repo.git": "repo",
	}
	for url, want := range cases {
		if got := slugFromRemoteURL(url); got != want {
			t.Fatalf("slugFromRemoteURL(%q) = %q, want %q", url, got, want)
		}
	}
}

func TestDeriveSlugFromGitConfig(t *testing.T) {
	root := t.TempDir()
	gitDir := filepath.Join(root, ".git")
	if err := os.MkdirAll(gitDir, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := "[core]\n\tbare = false\n[remote \"origin\"]\n\turl = git@github.com:acme/widgets.git\n\tfetch = +refs/heads/*:refs/remotes/origin/*\n"
	if err := os.WriteFile(filepath.Join(gitDir, "config"), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := deriveSlug(root); got != "widgets" {
		t.Fatalf("deriveSlug = %q, want widgets", got)
	}
}
