package platform

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/autopr/autopr/internal/errkind"
)

// Registry holds the process-wide signature set. Reloads swap the whole
// slice atomically, so a reader sees either the old set or the new one,
// never a mix.
type Registry struct {
	log  *zap.Logger
	path string
	sigs atomic.Pointer[[]Signature]
}

// NewRegistry starts from the builtin library. path optionally names a yaml
// signature file that extends or replaces the builtins on Load and Watch.
func NewRegistry(path string, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{log: log, path: path}
	builtins := Builtins()
	r.sigs.Store(&builtins)
	return r
}

// Signatures returns the current set. The slice is shared; callers must not
// mutate it.
func (r *Registry) Signatures() []Signature {
	return *r.sigs.Load()
}

// Detect scores the snapshot against the current set.
func (r *Registry) Detect(snap *Snapshot) Result {
	return Detect(r.Signatures(), snap)
}

type signatureFile struct {
	ReplaceBuiltins bool        `yaml:"replace_builtins"`
	Signatures      []Signature `yaml:"signatures"`
}

// Load reads and compiles the signature file, then swaps the active set. A
// bad file leaves the current set untouched.
func (r *Registry) Load() error {
	if strings.TrimSpace(r.path) == "" {
		return nil
	}
	b, err := os.ReadFile(r.path)
	if err != nil {
		return errkind.Wrap(errkind.InvalidInput, err, "read signatures %s", r.path)
	}
	var doc signatureFile
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return errkind.Wrap(errkind.InvalidInput, err, "parse signatures %s", r.path)
	}

	next := []Signature{}
	if !doc.ReplaceBuiltins {
		next = Builtins()
	}
	seen := map[string]bool{}
	for i := range next {
		seen[next[i].PlatformID] = true
	}
	for i := range doc.Signatures {
		sig := doc.Signatures[i]
		if err := sig.Compile(); err != nil {
			return err
		}
		if seen[sig.PlatformID] {
			// A file signature shadows the builtin of the same id.
			for j := range next {
				if next[j].PlatformID == sig.PlatformID {
					next[j] = sig
				}
			}
			continue
		}
		seen[sig.PlatformID] = true
		next = append(next, sig)
	}
	r.sigs.Store(&next)
	r.log.Info("platform signatures loaded", zap.Int("count", len(next)), zap.String("path", r.path))
	return nil
}

// Watch reloads the signature file whenever it changes, until ctx is done.
// Editors and atomic renames produce Create/Rename events, so the watch is
// on the directory.
func (r *Registry) Watch(ctx context.Context) error {
	if strings.TrimSpace(r.path) == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "start signature watcher")
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		_ = watcher.Close()
		return errkind.Wrap(errkind.Internal, err, "watch %s", filepath.Dir(r.path))
	}
	go func() {
		defer func() { _ = watcher.Close() }()
		target := filepath.Base(r.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.Load(); err != nil {
					r.log.Warn("signature reload failed", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log.Warn("signature watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
