package failmem

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/planforge/planforge/types"
)

// redisKeyPrefix namespaces fingerprints in the shared index.
const redisKeyPrefix = "planforge:failmem:"

// Options configures a Memory.
type Options struct {
	// Redis, when set, is used as a shared existence index so multiple
	// engine instances can exchange negative lookups. Optional.
	Redis *redis.Client
	// RedisTTL bounds how long a fingerprint stays in the shared index.
	// Zero means no expiry.
	RedisTTL time.Duration
	Logger   *zap.Logger
}

// Memory is the durable failure memory. The on-disk form is an
// append-only newline-delimited JSON log; a full index is rebuilt in
// memory on open.
type Memory struct {
	path   string
	file   *os.File
	logger *zap.Logger

	redis    *redis.Client
	redisTTL time.Duration

	mu      sync.RWMutex
	byPrint map[string]*types.BugRecord
	byFile  map[string][]*types.BugRecord
	closed  bool
}

// Open loads the log at path, creating it if absent. Corrupt lines are
// skipped with a warning rather than failing the open: the memory is
// best-effort by contract.
func Open(path string, opts Options) (*Memory, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create failure memory directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open failure memory log: %w", err)
	}

	m := &Memory{
		path:     path,
		file:     f,
		logger:   opts.Logger.With(zap.String("component", "failmem")),
		redis:    opts.Redis,
		redisTTL: opts.RedisTTL,
		byPrint:  make(map[string]*types.BugRecord),
		byFile:   make(map[string][]*types.BugRecord),
	}

	if err := m.loadFromDisk(); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

// loadFromDisk rebuilds the in-memory index from the log.
func (m *Memory) loadFromDisk() error {
	if _, err := m.file.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(m.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec types.BugRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			m.logger.Warn("skipping corrupt failure memory line",
				zap.Int("line", lineNo),
				zap.Error(err),
			)
			continue
		}
		m.index(&rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read failure memory log: %w", err)
	}
	// Subsequent writes append past what was read.
	_, err := m.file.Seek(0, 2)
	return err
}

func (m *Memory) index(rec *types.BugRecord) {
	if _, ok := m.byPrint[rec.Fingerprint]; ok {
		return
	}
	m.byPrint[rec.Fingerprint] = rec
	m.byFile[rec.File] = append(m.byFile[rec.File], rec)
}

// Record appends a failure to the memory. Re-recording an existing
// fingerprint is a successful no-op, preserving the idempotent-insert
// contract.
func (m *Memory) Record(ctx context.Context, file, testName, message string, line int) (*types.BugRecord, error) {
	fp := Fingerprint(file, line, message)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, types.NewError(types.ErrCodeStoreUnavailable, "failure memory closed")
	}
	if existing, ok := m.byPrint[fp]; ok {
		return existing, nil
	}

	rec := &types.BugRecord{
		Fingerprint: fp,
		File:        file,
		Line:        line,
		Message:     NormalizeMessage(message),
		TestName:    testName,
		Timestamp:   time.Now().UTC(),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if _, err := m.file.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("failed to append failure record: %w", err)
	}

	m.index(rec)
	m.shareFingerprint(ctx, fp)

	m.logger.Debug("failure recorded",
		zap.String("fingerprint", fp),
		zap.String("file", file),
		zap.Int("line", line),
	)
	return rec, nil
}

// shareFingerprint publishes the fingerprint to the shared redis index.
// Redis errors are logged and swallowed.
func (m *Memory) shareFingerprint(ctx context.Context, fp string) {
	if m.redis == nil {
		return
	}
	if err := m.redis.SetNX(ctx, redisKeyPrefix+fp, 1, m.redisTTL).Err(); err != nil {
		m.logger.Warn("failed to share fingerprint", zap.Error(err))
	}
}

// Exists reports whether the fingerprint has been seen before, locally
// or by any peer sharing the redis index. Lookup errors read as misses.
func (m *Memory) Exists(ctx context.Context, fingerprint string) bool {
	m.mu.RLock()
	_, ok := m.byPrint[fingerprint]
	m.mu.RUnlock()
	if ok {
		return true
	}

	if m.redis != nil {
		n, err := m.redis.Exists(ctx, redisKeyPrefix+fingerprint).Result()
		if err != nil {
			m.logger.Warn("fingerprint index lookup failed, treating as miss", zap.Error(err))
			return false
		}
		return n > 0
	}
	return false
}

// Lookup returns the stored record for a fingerprint, if any.
func (m *Memory) Lookup(fingerprint string) (*types.BugRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byPrint[fingerprint]
	return rec, ok
}

// FindSimilar returns the family of known failures from the same file
// as the given fingerprint, the given record first. An unknown
// fingerprint yields nil.
func (m *Memory) FindSimilar(fingerprint string) []types.BugRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.byPrint[fingerprint]
	if !ok {
		return nil
	}

	family := m.byFile[rec.File]
	out := make([]types.BugRecord, 0, len(family))
	out = append(out, *rec)
	for _, r := range family {
		if r.Fingerprint != fingerprint {
			out = append(out, *r)
		}
	}
	return out
}

// StatsByFile returns the number of distinct failures per file,
// reflecting every record present at call time.
func (m *Memory) StatsByFile() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]int, len(m.byFile))
	for file, recs := range m.byFile {
		stats[file] = len(recs)
	}
	return stats
}

// Len returns the number of distinct fingerprints stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byPrint)
}

// Close flushes and closes the underlying log.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.file.Close()
}
