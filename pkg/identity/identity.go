// Package identity resolves and persists the stable project and node
// identifiers stamped onto every event.
//
// Identity lives in .relay/identity.toml next to the project it
// describes. It is read-mostly: fields are generated once and reused
// across restarts, and Ensure only backfills fields that are missing,
// never regenerates existing ones. A read-only filesystem is a valid
// outcome — the process falls back to an in-memory identity for its
// lifetime instead of failing.
package identity

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Dir is the per-project state directory, relative to the project root.
const Dir = ".relay"

// FileName is the identity file inside Dir.
const FileName = "identity.toml"

// Identity identifies a project and the machine operating on it.
type Identity struct {
	// ProjectUUID attributes events to a project. Mandatory for network
	// delivery; when empty, events are routed to queue-only mode.
	ProjectUUID string `toml:"uuid" json:"uuid"`

	// ProjectSlug is the human-facing project name, derived from the git
	// remote URL or the directory name. Display only.
	ProjectSlug string `toml:"slug" json:"slug"`

	// NodeID is the stable per-machine identifier. Generated once and
	// shared with the clock persistence row so the two never disagree.
	NodeID string `toml:"node_id" json:"node_id"`

	// Ephemeral is true when the identity could not be persisted (e.g.
	// read-only filesystem) and is held in memory only.
	Ephemeral bool `toml:"-" json:"-"`
}

// Complete reports whether all persisted fields are present.
func (id Identity) Complete() bool {
	return id.ProjectUUID != "" && id.ProjectSlug != "" && id.NodeID != ""
}

// Path returns the identity file path for a project root.
func Path(root string) string {
	return filepath.Join(root, Dir, FileName)
}

// Load reads the identity file for a project root. A missing file is
// not an error; it returns a zero Identity for Ensure to backfill.
func Load(root string) (Identity, error) {
	var id Identity
	if _, err := toml.DecodeFile(Path(root), &id); err != nil {
		if os.IsNotExist(err) {
			return Identity{}, nil
		}
		return Identity{}, fmt.Errorf("read identity: %w", err)
	}
	return id, nil
}

// Ensure loads the identity for a project root and backfills any
// missing fields: a fresh UUID4, a slug derived from the git remote or
// the directory name, and a random node id. If anything was backfilled
// the file is rewritten atomically (temp-then-rename). When the write
// fails, the generated identity is still returned with Ephemeral set —
// callers surface a warning, not an error.
func Ensure(root string) (Identity, error) {
	id, err := Load(root)
	if err != nil {
		return Identity{}, err
	}

	changed := false
	if id.ProjectUUID == "" {
		id.ProjectUUID = uuid.NewString()
		changed = true
	}
	if id.ProjectSlug == "" {
		id.ProjectSlug = deriveSlug(root)
		changed = true
	}
	if id.NodeID == "" {
		id.NodeID = NewNodeID()
		changed = true
	}
	if !changed {
		return id, nil
	}

	if err := save(root, id); err != nil {
		id.Ephemeral = true
	}
	return id, nil
}

// NewNodeID mints a stable 16-hex-character machine identifier.
func NewNodeID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the platform is broken; there is no
		// weaker generator worth falling back to.
		panic(fmt.Sprintf("identity: crypto/rand: %v", err))
	}
	return hex.EncodeToString(b[:])
}

func save(root string, id Identity) error {
	dir := filepath.Join(root, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, FileName+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(id); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), Path(root))
}

// deriveSlug prefers the repository name from the origin remote URL,
// falling back to the project directory name.
func deriveSlug(root string) string {
	if url := originURL(root); url != "" {
		if s := slugFromRemoteURL(url); s != "" {
			return s
		}
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return filepath.Base(root)
	}
	return filepath.Base(abs)
}

// originURL extracts the origin remote URL from .git/config without
// shelling out to git.
func originURL(root string) string {
	f, err := os.Open(filepath.Join(root, ".git", "config"))
	if err != nil {
		return ""
	}
	defer f.Close()

	inOrigin := false
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "[") {
			inOrigin = line == `[remote "origin"]`
			continue
		}
		if inOrigin && strings.HasPrefix(line, "url") {
			if _, after, ok := strings.Cut(line, "="); ok {
				return strings.TrimSpace(after)
			}
		}
	}
	return ""
}

// slugFromRemoteURL turns "git@host:org/name.git" or
// "https://host/org/name.git" into "name".
func slugFromRemoteURL(url string) string {
	url = strings.TrimSuffix(url, "/")
	url = strings.TrimSuffix(url, ".git")
	if i := strings.LastIndexAny(url, "/:"); i >= 0 {
		url = url[i+1:]
	}
	return url
}
