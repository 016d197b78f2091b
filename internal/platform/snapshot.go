package platform

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/autopr/autopr/internal/errkind"
)

const (
	maxContentBytes = 128 << 10
	maxContentFiles = 400
)

var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true,
	"dist": true, "build": true, ".next": true, "__pycache__": true,
}

// SnapshotFromDir walks a repo checkout and assembles the detector input:
// relative file and folder paths, declared dependencies and the contents of
// small text files. Commit messages come from the caller when available.
func SnapshotFromDir(root string, commits []string) (*Snapshot, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, errkind.New(errkind.InvalidInput, "not a directory: %s", root)
	}

	snap := &Snapshot{Commits: commits, Content: map[string]string{}}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return fs.SkipDir
			}
			snap.Folders = append(snap.Folders, rel)
			return nil
		}
		snap.Files = append(snap.Files, rel)
		if len(snap.Content) < maxContentFiles {
			if fi, err := d.Info(); err == nil && fi.Size() <= maxContentBytes && looksTextual(rel) {
				if b, err := os.ReadFile(path); err == nil {
					snap.Content[rel] = string(b)
				}
			}
		}
		switch d.Name() {
		case "package.json":
			snap.Deps = append(snap.Deps, packageJSONDeps(path)...)
		case "requirements.txt":
			snap.Deps = append(snap.Deps, requirementsDeps(path)...)
		case "go.mod":
			snap.Deps = append(snap.Deps, goModDeps(path)...)
		}
		return nil
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "walk %s", root)
	}
	return snap, nil
}

var textualExt = map[string]bool{
	".js": true, ".jsx": true, ".ts": true, ".tsx": true, ".vue": true,
	".py": true, ".go": true, ".json": true, ".yaml": true, ".yml": true,
	".toml": true, ".md": true, ".html": true, ".css": true, ".txt": true,
	".nix": true,
}

func looksTextual(rel string) bool {
	ext := strings.ToLower(filepath.Ext(rel))
	if ext == "" {
		// Dotfiles like .replit.
		return strings.HasPrefix(filepath.Base(rel), ".")
	}
	return textualExt[ext]
}

func packageJSONDeps(path string) []string {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var doc struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil
	}
	var deps []string
	for name := range doc.Dependencies {
		deps = append(deps, name)
	}
	for name := range doc.DevDependencies {
		deps = append(deps, name)
	}
	return deps
}

func requirementsDeps(path string) []string {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var deps []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		name := line
		for _, sep := range []string{"==", ">=", "<=", "~=", ">", "<", "[", ";", " "} {
			if i := strings.Index(name, sep); i >= 0 {
				name = name[:i]
			}
		}
		if name != "" {
			deps = append(deps, name)
		}
	}
	return deps
}

func goModDeps(path string) []string {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var deps []string
	inBlock := false
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "require ("):
			inBlock = true
		case inBlock && line == ")":
			inBlock = false
		case inBlock || strings.HasPrefix(line, "require "):
			fields := strings.Fields(strings.TrimPrefix(line, "require "))
			if len(fields) >= 1 && strings.Contains(fields[0], ".") {
				deps = append(deps, fields[0])
			}
		}
	}
	return deps
}
