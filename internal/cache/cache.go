// Package cache is a namespaced read-through cache for expensive action
// outputs. Keys are content hashes of canonicalized inputs plus the schema
// version, values are msgpack documents persisted under
// <state>/cache/<namespace>/<shard>/<key> and mirrored in a per-namespace
// in-memory LRU with a byte budget.
package cache

import (
	"container/list"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/autopr/autopr/internal/errkind"
	"github.com/autopr/autopr/internal/state"
)

// Options configures one namespace.
type Options struct {
	TTL      time.Duration
	MaxBytes int64
}

// DefaultOptions bounds a namespace that was never configured explicitly.
var DefaultOptions = Options{TTL: 15 * time.Minute, MaxBytes: 64 << 20}

// Key hashes the canonical form of inputs together with the namespace and
// schema version. Canonicalization goes through encoding/json, which emits
// map keys in sorted order, so logically equal inputs collide.
func Key(namespace string, schemaVersion int, inputs any) (string, error) {
	canonical, err := json.Marshal(inputs)
	if err != nil {
		return "", errkind.Wrap(errkind.InvalidInput, err, "canonicalize cache inputs")
	}
	h := blake3.New()
	_, _ = h.Write([]byte(namespace))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.Itoa(schemaVersion)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)[:16]), nil
}

// envelope is the on-disk value framing.
type envelope struct {
	WrittenAt     time.Time `msgpack:"written_at"`
	SchemaVersion int       `msgpack:"schema_version"`
	TTLSeconds    int64     `msgpack:"ttl_seconds"`
	Value         []byte    `msgpack:"value"`
}

type entry struct {
	key       string
	data      []byte
	writtenAt time.Time
	ttl       time.Duration
	elem      *list.Element
}

type namespace struct {
	opts    Options
	entries map[string]*entry
	lru     *list.List // front = most recently read
	bytes   int64
}

// Cache coalesces concurrent identical lookups and bounds memory per
// namespace. The zero value is not usable; call New.
type Cache struct {
	dir   string
	log   *zap.Logger
	clock func() time.Time

	mu       sync.Mutex
	spaces   map[string]*namespace
	opts     map[string]Options
	inflight map[string]bool

	group singleflight.Group
}

// New roots the cache at dir (empty disables the disk tier). Namespace
// options fall back to DefaultOptions.
func New(dir string, opts map[string]Options, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	if opts == nil {
		opts = map[string]Options{}
	}
	return &Cache{
		dir:      dir,
		log:      log,
		clock:    func() time.Time { return time.Now().UTC() },
		spaces:   map[string]*namespace{},
		opts:     opts,
		inflight: map[string]bool{},
	}
}

func (c *Cache) space(ns string) *namespace {
	sp, ok := c.spaces[ns]
	if !ok {
		opts, found := c.opts[ns]
		if !found {
			opts = DefaultOptions
		}
		if opts.TTL <= 0 {
			opts.TTL = DefaultOptions.TTL
		}
		if opts.MaxBytes <= 0 {
			opts.MaxBytes = DefaultOptions.MaxBytes
		}
		sp = &namespace{opts: opts, entries: map[string]*entry{}, lru: list.New()}
		c.spaces[ns] = sp
	}
	return sp
}

// GetOrCompute returns the cached value for (ns, key) or runs compute once
// for all concurrent callers of the same key. The second return reports a
// cache hit. Cache writes are best-effort; compute errors pass through
// unwrapped.
func (c *Cache) GetOrCompute(ctx context.Context, ns, key string, schemaVersion int, compute func(context.Context) (map[string]any, error)) (map[string]any, bool, error) {
	if v, ok := c.lookup(ns, key); ok {
		return v, true, nil
	}

	flightKey := ns + "/" + key
	type flightResult struct {
		value map[string]any
		hit   bool
	}
	v, err, _ := c.group.Do(flightKey, func() (any, error) {
		// A waiter that lost the initial lookup race may find the value
		// written by the flight that just completed.
		if v, ok := c.lookup(ns, key); ok {
			return flightResult{value: v, hit: true}, nil
		}
		c.setInflight(flightKey, true)
		defer c.setInflight(flightKey, false)

		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.store(ns, key, schemaVersion, value)
		return flightResult{value: value}, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(flightResult)
	return res.value, res.hit, nil
}

func (c *Cache) setInflight(flightKey string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.inflight[flightKey] = true
	} else {
		delete(c.inflight, flightKey)
	}
}

// Get reads without computing. The bool reports a live hit.
func (c *Cache) Get(ns, key string) (map[string]any, bool) {
	return c.lookup(ns, key)
}

func (c *Cache) lookup(ns, key string) (map[string]any, bool) {
	c.mu.Lock()
	sp := c.space(ns)
	now := c.clock()
	if e, ok := sp.entries[key]; ok {
		if now.Sub(e.writtenAt) >= e.ttl {
			sp.remove(e)
			c.mu.Unlock()
			c.removeFile(ns, key)
			return nil, false
		}
		sp.lru.MoveToFront(e.elem)
		data := e.data
		c.mu.Unlock()
		return decodeValue(data)
	}
	c.mu.Unlock()

	// Disk tier.
	if c.dir == "" {
		return nil, false
	}
	b, err := os.ReadFile(c.path(ns, key))
	if err != nil {
		return nil, false
	}
	var env envelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		c.removeFile(ns, key)
		return nil, false
	}
	ttl := time.Duration(env.TTLSeconds) * time.Second
	if c.clock().Sub(env.WrittenAt) >= ttl {
		c.removeFile(ns, key)
		return nil, false
	}
	c.mu.Lock()
	c.insert(ns, key, env.Value, env.WrittenAt, ttl)
	c.mu.Unlock()
	return decodeValue(env.Value)
}

// Put writes an entry directly; used for warm-up and by callers that compute
// out of band.
func (c *Cache) Put(ns, key string, schemaVersion int, value map[string]any) {
	c.store(ns, key, schemaVersion, value)
}

func (c *Cache) store(ns, key string, schemaVersion int, value map[string]any) {
	data, err := msgpack.Marshal(value)
	if err != nil {
		c.log.Warn("cache encode failed", zap.String("namespace", ns), zap.Error(err))
		return
	}
	now := c.clock()

	c.mu.Lock()
	ttl := c.space(ns).opts.TTL
	c.insert(ns, key, data, now, ttl)
	c.mu.Unlock()

	if c.dir == "" {
		return
	}
	env := envelope{WrittenAt: now, SchemaVersion: schemaVersion, TTLSeconds: int64(ttl / time.Second), Value: data}
	b, err := msgpack.Marshal(&env)
	if err != nil {
		return
	}
	path := c.path(ns, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		c.log.Warn("cache mkdir failed", zap.String("namespace", ns), zap.Error(err))
		return
	}
	if err := state.WriteFileAtomic(path, b); err != nil {
		c.log.Warn("cache write failed", zap.String("namespace", ns), zap.Error(err))
	}
}

// insert adds or replaces an entry and evicts from the LRU tail until the
// namespace fits its byte budget. The caller holds c.mu. Keys with a live
// single-flight execution are never evicted.
func (c *Cache) insert(ns, key string, data []byte, writtenAt time.Time, ttl time.Duration) {
	sp := c.space(ns)
	if old, ok := sp.entries[key]; ok {
		sp.remove(old)
	}
	e := &entry{key: key, data: data, writtenAt: writtenAt, ttl: ttl}
	e.elem = sp.lru.PushFront(e)
	sp.entries[key] = e
	sp.bytes += int64(len(data))

	for elem := sp.lru.Back(); elem != nil && sp.bytes > sp.opts.MaxBytes; {
		victim := elem.Value.(*entry)
		elem = elem.Prev()
		if victim == e || c.inflight[ns+"/"+victim.key] {
			continue
		}
		sp.remove(victim)
	}
}

func (sp *namespace) remove(e *entry) {
	sp.lru.Remove(e.elem)
	delete(sp.entries, e.key)
	sp.bytes -= int64(len(e.data))
}

// Purge drops every entry in ns whose key starts with prefix, memory and
// disk. An empty prefix clears the namespace.
func (c *Cache) Purge(ns, prefix string) int {
	c.mu.Lock()
	sp := c.space(ns)
	var victims []*entry
	for key, e := range sp.entries {
		if strings.HasPrefix(key, prefix) {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		sp.remove(e)
	}
	removed := len(victims)
	c.mu.Unlock()

	if c.dir != "" {
		nsDir := filepath.Join(c.dir, ns)
		_ = filepath.WalkDir(nsDir, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if strings.HasPrefix(d.Name(), prefix) {
				_ = os.Remove(path)
			}
			return nil
		})
	}
	return removed
}

// Bytes reports the in-memory footprint of a namespace.
func (c *Cache) Bytes(ns string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.space(ns).bytes
}

// Len reports the entry count of a namespace.
func (c *Cache) Len(ns string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.space(ns).entries)
}

func (c *Cache) path(ns, key string) string {
	shard := "00"
	if len(key) >= 2 {
		shard = key[:2]
	}
	return filepath.Join(c.dir, ns, shard, key)
}

func (c *Cache) removeFile(ns, key string) {
	if c.dir == "" {
		return
	}
	if err := os.Remove(c.path(ns, key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Debug("cache remove failed", zap.String("namespace", ns), zap.Error(err))
	}
}

func decodeValue(data []byte) (map[string]any, bool) {
	var v map[string]any
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, false
	}
	return v, true
}
