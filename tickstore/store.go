// Copyright (c) 2023 BVK Chaitanya

// Package tickstore archives ticker events in the key-value store under
// per-market keyspaces and answers latest/range/summary queries over them.
//
// Events are buffered and written in batches. Rows are keyed by
// (code, fixed-width unix-millisecond timestamp) so a later event for the
// same millisecond overwrites the earlier one and range scans come back in
// time order.
package tickstore

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bvk/papertrade/cache"
	"github.com/bvk/papertrade/ctxutil"
	"github.com/bvk/papertrade/gobs"
	"github.com/bvk/papertrade/kvutil"
	"github.com/bvk/papertrade/syncmap"
	"github.com/bvkgo/kv"
	"golang.org/x/time/rate"
)

const (
	// Keyspace holds one row per archived ticker event.
	Keyspace = "/tickers"

	// LatestKeyspace holds the most recent event per market code.
	LatestKeyspace = "/tickers-latest"
)

func tickerKey(code string, at time.Time) string {
	return path.Join(Keyspace, code, fmt.Sprintf("%020d", at.UnixMilli()))
}

func latestKey(code string) string {
	return path.Join(LatestKeyspace, code)
}

type Options struct {
	// BatchSize is the buffered event count that forces a flush.
	BatchSize int

	// FlushInterval is the cadence of time-based flushes.
	FlushInterval time.Duration

	// LatestTTL bounds the age of cached latest-ticker answers.
	LatestTTL time.Duration
}

func (v *Options) setDefaults() {
	if v.BatchSize == 0 {
		v.BatchSize = 100
	}
	if v.FlushInterval == 0 {
		v.FlushInterval = time.Second
	}
	if v.LatestTTL == 0 {
		v.LatestTTL = time.Second
	}
}

func (v *Options) Check() error {
	if v.BatchSize < 0 {
		return fmt.Errorf("batch size cannot be negative: %w", os.ErrInvalid)
	}
	return nil
}

type latestEntry struct {
	at     time.Time
	ticker *gobs.Ticker
}

// CodeInfo summarizes the archived rows for one market code.
type CodeInfo struct {
	Code       string
	Count      int64
	LastUpdate time.Time
}

type Store struct {
	closeGroup ctxutil.CloseGroup

	opts Options

	db    kv.Database
	cache *cache.Cache

	mu    sync.Mutex
	batch []*gobs.Ticker

	latestMap syncmap.Map[string, *latestEntry]

	numRows    atomic.Int64
	numFlushes atomic.Int64
	numDropped atomic.Int64

	flushErrLimit *rate.Limiter
}

// New creates a ticker archive over db. The redis cache is optional and only
// serves the latest-ticker fast path. A background loop flushes the write
// buffer every FlushInterval.
func New(db kv.Database, c *cache.Cache, opts *Options) (*Store, error) {
	if opts == nil {
		opts = new(Options)
	}
	opts.setDefaults()
	if err := opts.Check(); err != nil {
		return nil, err
	}

	s := &Store{
		opts:          *opts,
		db:            db,
		cache:         c,
		flushErrLimit: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	s.closeGroup.Go(s.goFlushLoop)
	return s, nil
}

// Close stops the flush loop and writes out any buffered events.
func (s *Store) Close() error {
	s.closeGroup.Close()
	return s.Flush(context.Background())
}

// NumWritten returns the count of rows written since start.
func (s *Store) NumWritten() int64 {
	return s.numRows.Load()
}

// NumDropped returns how many buffered events were discarded by failed
// flushes.
func (s *Store) NumDropped() int64 {
	return s.numDropped.Load()
}

// Add buffers one event. The write buffer is flushed inline when it reaches
// the batch size.
func (s *Store) Add(ctx context.Context, v *gobs.Ticker) error {
	s.mu.Lock()
	s.batch = append(s.batch, v)
	full := len(s.batch) >= s.opts.BatchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes all buffered events and the per-code latest rows in a single
// transaction, then refreshes the latest-ticker caches.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.batch
	s.batch = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	latest := make(map[string]*gobs.Ticker)
	for _, v := range batch {
		if p, ok := latest[v.Code]; !ok || v.Timestamp.After(p.Timestamp) {
			latest[v.Code] = v
		}
	}

	write := func(ctx context.Context, rw kv.ReadWriter) error {
		for _, v := range batch {
			if err := kvutil.Set(ctx, rw, tickerKey(v.Code, v.Timestamp), v); err != nil {
				return err
			}
		}
		for code, v := range latest {
			if err := kvutil.Set(ctx, rw, latestKey(code), v); err != nil {
				return err
			}
		}
		return nil
	}
	if err := kv.WithReadWriter(ctx, s.db, write); err != nil {
		// The ingest path must never back up behind a broken archive, so
		// the batch is counted and dropped rather than requeued.
		s.numDropped.Add(int64(len(batch)))
		return fmt.Errorf("could not flush ticker batch: %w", err)
	}

	s.numRows.Add(int64(len(batch)))
	s.numFlushes.Add(1)

	now := time.Now()
	for code, v := range latest {
		s.latestMap.Store(code, &latestEntry{at: now, ticker: v})
		s.cache.SetJSON(ctx, "ticker:latest:"+code, v, s.opts.LatestTTL)
	}
	return nil
}

func (s *Store) goFlushLoop(ctx context.Context) {
	for ctx.Err() == nil {
		ctxutil.Sleep(ctx, s.opts.FlushInterval)
		if ctx.Err() != nil {
			return
		}
		if err := s.Flush(ctx); err != nil {
			if s.flushErrLimit.Allow() {
				slog.ErrorContext(ctx, "ticker batch flush has failed", "error", err)
			}
		}
	}
}

// Latest returns the most recent event for code. Answers come from the
// in-process cache, then redis, then the store. Returns os.ErrNotExist when
// no event was ever archived for the code.
func (s *Store) Latest(ctx context.Context, code string) (*gobs.Ticker, error) {
	if e, ok := s.latestMap.Load(code); ok && time.Since(e.at) < s.opts.LatestTTL {
		return e.ticker, nil
	}

	v := new(gobs.Ticker)
	if ok, err := s.cache.GetJSON(ctx, "ticker:latest:"+code, v); err == nil && ok {
		s.latestMap.Store(code, &latestEntry{at: time.Now(), ticker: v})
		return v, nil
	}

	v, err := kvutil.GetDB[gobs.Ticker](ctx, s.db, latestKey(code))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("could not load latest ticker for %q: %w", code, err)
	}
	s.latestMap.Store(code, &latestEntry{at: time.Now(), ticker: v})
	s.cache.SetJSON(ctx, "ticker:latest:"+code, v, s.opts.LatestTTL)
	return v, nil
}

// Range returns up to limit events for code within [start, end], newest
// first. Zero start/end leave the corresponding bound open.
func (s *Store) Range(ctx context.Context, code string, start, end time.Time, limit int) ([]*gobs.Ticker, error) {
	begin, stop := kvutil.PathRange(path.Join(Keyspace, code))
	if !start.IsZero() {
		begin = tickerKey(code, start)
	}
	if !end.IsZero() {
		stop = tickerKey(code, end.Add(time.Millisecond))
	}

	var result []*gobs.Ticker
	read := func(ctx context.Context, r kv.Reader) error {
		it, err := r.Descend(ctx, begin, stop)
		if err != nil {
			return err
		}
		defer kv.Close(it)

		for k, v, err := it.Fetch(ctx, false); err == nil; k, v, err = it.Fetch(ctx, true) {
			if limit > 0 && len(result) >= limit {
				return nil
			}
			gv := new(gobs.Ticker)
			if err := gob.NewDecoder(v).Decode(gv); err != nil {
				return fmt.Errorf("could not decode ticker at key %q: %w", k, err)
			}
			result = append(result, gv)
		}
		if _, _, err := it.Fetch(ctx, false); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("could not complete descend: %w", err)
		}
		return nil
	}
	if err := kv.WithReader(ctx, s.db, read); err != nil {
		return nil, err
	}
	return result, nil
}

// Codes returns per-code row counts and last-update times, sorted by count
// in descending order.
func (s *Store) Codes(ctx context.Context) ([]*CodeInfo, error) {
	infoMap := make(map[string]*CodeInfo)

	begin, end := kvutil.PathRange(Keyspace)
	read := func(ctx context.Context, r kv.Reader) error {
		it, err := r.Ascend(ctx, begin, end)
		if err != nil {
			return err
		}
		defer kv.Close(it)

		for k, _, err := it.Fetch(ctx, false); err == nil; k, _, err = it.Fetch(ctx, true) {
			code, at, err := parseTickerKey(k)
			if err != nil {
				return err
			}
			info, ok := infoMap[code]
			if !ok {
				info = &CodeInfo{Code: code}
				infoMap[code] = info
			}
			info.Count++
			if at.After(info.LastUpdate) {
				info.LastUpdate = at
			}
		}
		if _, _, err := it.Fetch(ctx, false); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("could not complete ascend: %w", err)
		}
		return nil
	}
	if err := kv.WithReader(ctx, s.db, read); err != nil {
		return nil, err
	}

	result := make([]*CodeInfo, 0, len(infoMap))
	for _, info := range infoMap {
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Code < result[j].Code
	})
	return result, nil
}

// TotalRows counts all archived rows.
func (s *Store) TotalRows(ctx context.Context) (int64, error) {
	infos, err := s.Codes(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, info := range infos {
		total += info.Count
	}
	return total, nil
}

func parseTickerKey(k string) (string, time.Time, error) {
	rest, ok := strings.CutPrefix(k, Keyspace+"/")
	if !ok {
		return "", time.Time{}, fmt.Errorf("unexpected key %q outside the ticker keyspace: %w", k, os.ErrInvalid)
	}
	code, ms, ok := strings.Cut(rest, "/")
	if !ok {
		return "", time.Time{}, fmt.Errorf("could not split ticker key %q: %w", k, os.ErrInvalid)
	}
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("could not parse timestamp in key %q: %w", k, err)
	}
	return code, time.UnixMilli(v).UTC(), nil
}
