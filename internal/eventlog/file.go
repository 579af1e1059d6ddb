package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/arenaguard/internal/threat"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

const (
	filePrefix   = "events-"
	activeSuffix = ".jsonl"
	rotatedExt   = ".jsonl.gz"
	dayLayout    = "2006-01-02"

	maxLineBytes = 1024 * 1024
)

// FileConfig controls where a FileStore writes and how much it keeps.
type FileConfig struct {
	Dir string `mapstructure:"dir"`

	// MaxBytes is the size at which the active day file is compressed into a
	// numbered segment.
	MaxBytes int64 `mapstructure:"max_bytes"`

	// MaxAge is how long any partition is kept, measured from the end of its
	// day.
	MaxAge time.Duration `mapstructure:"max_age"`

	// MaxFiles caps the number of rotated segments across all days.
	MaxFiles int `mapstructure:"max_files"`
}

// DefaultFileConfig returns a 10 MiB / 30 day / 100 segment configuration.
func DefaultFileConfig(dir string) FileConfig {
	return FileConfig{
		Dir:      dir,
		MaxBytes: 10 << 20,
		MaxAge:   30 * 24 * time.Hour,
		MaxFiles: 100,
	}
}

// FileStore appends events as JSON Lines to one file per UTC day
// (events-YYYY-MM-DD.jsonl). When that file reaches MaxBytes it is gzipped to
// events-YYYY-MM-DD.<seq>.jsonl.gz and a fresh file is started.
type FileStore struct {
	mu     sync.Mutex
	cfg    FileConfig
	logger *zap.Logger
	now    func() time.Time

	day    string
	active *os.File
	size   int64
	closed bool
}

// NewFileStore opens (creating if needed) the event directory and applies
// retention once.
func NewFileStore(cfg FileConfig, logger *zap.Logger) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("event log directory is required")
	}
	d := DefaultFileConfig(cfg.Dir)
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = d.MaxBytes
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = d.MaxAge
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = d.MaxFiles
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}
	s := &FileStore{cfg: cfg, logger: logger, now: time.Now}
	s.mu.Lock()
	s.cleanup()
	s.mu.Unlock()
	return s, nil
}

// SetClock overrides the time source used for retention.
func (s *FileStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Record implements Store.
func (s *FileStore) Record(_ context.Context, ev threat.Event) (string, error) {
	if err := prepare(&ev); err != nil {
		return "", err
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	if err := s.openDay(ev.Timestamp.UTC().Format(dayLayout)); err != nil {
		return "", err
	}
	n, err := s.active.Write(line)
	s.size += int64(n)
	if err != nil {
		return "", fmt.Errorf("write event: %w", err)
	}

	if s.size >= s.cfg.MaxBytes {
		if err := s.rotate(); err != nil {
			s.logger.Warn("event log rotation failed", zap.String("day", s.day), zap.Error(err))
		}
		s.cleanup()
	}
	return ev.ID, nil
}

// openDay makes day's file the active one. Callers hold s.mu.
func (s *FileStore) openDay(day string) error {
	if s.active != nil && s.day == day {
		return nil
	}
	if s.active != nil {
		_ = s.active.Close()
		s.active = nil
	}
	path := filepath.Join(s.cfg.Dir, filePrefix+day+activeSuffix)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat event log: %w", err)
	}
	s.day, s.active, s.size = day, f, info.Size()
	return nil
}

// rotate compresses the active file into the day's next segment. On failure
// the active file is left in place and will be reopened by the next write.
func (s *FileStore) rotate() error {
	src := s.active.Name()
	if err := s.active.Close(); err != nil {
		s.logger.Warn("close event log", zap.Error(err))
	}
	s.active, s.size = nil, 0

	segs, err := s.segments()
	if err != nil {
		return err
	}
	seq := 1
	for _, sg := range segs {
		if sg.rotated && sg.name == s.day && sg.seq >= seq {
			seq = sg.seq + 1
		}
	}
	dst := filepath.Join(s.cfg.Dir, filePrefix+s.day+"."+strconv.Itoa(seq)+rotatedExt)
	if err := compressFile(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove rotated source: %w", err)
	}
	s.logger.Info("event log rotated", zap.String("segment", filepath.Base(dst)))
	return nil
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open for rotation: %w", err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		_ = zw.Close()
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("compress segment: %w", err)
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("finish segment: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close segment: %w", err)
	}
	return os.Rename(tmp, dst)
}

// cleanup applies MaxAge and MaxFiles. Errors are logged. Callers hold s.mu.
func (s *FileStore) cleanup() {
	n, err := s.prune(s.now().Add(-s.cfg.MaxAge))
	if err != nil {
		s.logger.Warn("event log retention failed", zap.Error(err))
	}

	segs, err := s.segments()
	if err != nil {
		s.logger.Warn("event log retention failed", zap.Error(err))
		return
	}
	var rotated []segment
	for _, sg := range segs {
		if sg.rotated {
			rotated = append(rotated, sg)
		}
	}
	for i := 0; i < len(rotated)-s.cfg.MaxFiles; i++ {
		if err := os.Remove(rotated[i].path); err != nil {
			s.logger.Warn("remove event segment", zap.String("path", rotated[i].path), zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		s.logger.Info("event log retention applied", zap.Int("removed", n))
	}
}

// Prune implements Pruner. Whole partitions whose day ended before the
// cutoff are removed.
func (s *FileStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prune(before)
}

func (s *FileStore) prune(before time.Time) (int, error) {
	segs, err := s.segments()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sg := range segs {
		if !sg.day.Add(24 * time.Hour).Before(before) {
			continue
		}
		if !sg.rotated && s.active != nil && sg.name == s.day {
			_ = s.active.Close()
			s.active, s.size = nil, 0
		}
		if err := os.Remove(sg.path); err != nil {
			return n, fmt.Errorf("remove %s: %w", sg.path, err)
		}
		n++
	}
	return n, nil
}

// Query implements Store. Partitions outside [Since, Until] are not read.
func (s *FileStore) Query(ctx context.Context, f Filter) ([]threat.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	segs, err := s.segments()
	if err != nil {
		return nil, err
	}
	var out []threat.Event
	for _, sg := range segs {
		if !f.Since.IsZero() && !sg.day.Add(24*time.Hour).After(f.Since) {
			continue
		}
		if !f.Until.IsZero() && sg.day.After(f.Until) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if out, err = s.readSegment(sg, f, out); err != nil {
			return nil, err
		}
	}
	return finish(out, f), nil
}

func (s *FileStore) readSegment(sg segment, f Filter, out []threat.Event) ([]threat.Event, error) {
	file, err := os.Open(sg.path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return out, fmt.Errorf("open %s: %w", sg.path, err)
	}
	defer file.Close()

	var r io.Reader = file
	if sg.rotated {
		zr, err := gzip.NewReader(file)
		if err != nil {
			return out, fmt.Errorf("open segment %s: %w", sg.path, err)
		}
		defer zr.Close()
		r = zr
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev threat.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			s.logger.Debug("skipping malformed event line", zap.String("path", sg.path), zap.Error(err))
			continue
		}
		if f.Match(&ev) {
			out = append(out, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("read %s: %w", sg.path, err)
	}
	return out, nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.active == nil {
		return nil
	}
	err := s.active.Close()
	s.active = nil
	return err
}

// ── Segments ─────────────────────────────────────────────────────────────────

type segment struct {
	path    string
	name    string // the YYYY-MM-DD partition
	day     time.Time
	seq     int
	rotated bool
}

// segments lists partition files ordered by day, then rotated segments by
// sequence, then the day's active file.
func (s *FileStore) segments() ([]segment, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("list event log: %w", err)
	}
	var segs []segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if sg, ok := parseSegment(e.Name()); ok {
			sg.path = filepath.Join(s.cfg.Dir, e.Name())
			segs = append(segs, sg)
		}
	}
	sort.Slice(segs, func(i, j int) bool {
		a, b := segs[i], segs[j]
		if !a.day.Equal(b.day) {
			return a.day.Before(b.day)
		}
		if a.rotated != b.rotated {
			return a.rotated
		}
		return a.seq < b.seq
	})
	return segs, nil
}

func parseSegment(name string) (segment, bool) {
	if !strings.HasPrefix(name, filePrefix) {
		return segment{}, false
	}
	rest := strings.TrimPrefix(name, filePrefix)

	var sg segment
	switch {
	case strings.HasSuffix(rest, rotatedExt):
		day, seq, ok := strings.Cut(strings.TrimSuffix(rest, rotatedExt), ".")
		if !ok {
			return segment{}, false
		}
		n, err := strconv.Atoi(seq)
		if err != nil || n < 1 {
			return segment{}, false
		}
		sg.name, sg.seq, sg.rotated = day, n, true
	case strings.HasSuffix(rest, activeSuffix):
		sg.name = strings.TrimSuffix(rest, activeSuffix)
	default:
		return segment{}, false
	}

	day, err := time.Parse(dayLayout, sg.name)
	if err != nil {
		return segment{}, false
	}
	sg.day = day
	return sg, true
}
