package access

import (
	"fmt"
	"iter"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
)

// Stage names one level of the access cascade.
type Stage string

const (
	StageRecent Stage = "recent"
	StageMonth  Stage = "month"
	StageYear   Stage = "year"
)

// Entry is one aggregated row of a stage.
type Entry struct {
	Stage  Stage
	Key    string    // block id, "YYYY-M" or "YYYY"
	Bucket time.Time // start of the month or year bucket; zero for recent blocks
	BlobID int64
	UserID string      // empty in the year stage
	Count  int64       // number of accesses
	Times  []time.Time // exact access times, recent stage only
}

// dirtySet tracks keys that need writing and keys whose files need deleting.
type dirtySet[K comparable] struct {
	written map[K]struct{}
	removed map[K]struct{}
}

func newDirtySet[K comparable]() dirtySet[K] {
	return dirtySet[K]{written: make(map[K]struct{}), removed: make(map[K]struct{})}
}

func (d *dirtySet[K]) touch(k K) {
	d.written[k] = struct{}{}
	delete(d.removed, k)
}

func (d *dirtySet[K]) remove(k K) {
	delete(d.written, k)
	d.removed[k] = struct{}{}
}

// recentBlock holds raw events as unix milliseconds per blob and user.
type recentBlock struct {
	events map[int64]map[string][]int64
	count  int
	newest int64
}

func newRecentBlock() *recentBlock {
	return &recentBlock{events: make(map[int64]map[string][]int64)}
}

func (b *recentBlock) add(userID string, blobID, ms int64) {
	users := b.events[blobID]
	if users == nil {
		users = make(map[string][]int64)
		b.events[blobID] = users
	}
	users[userID] = append(users[userID], ms)
	b.count++
	b.newest = max(b.newest, ms)
}

// recentStage is a sequence of fixed-capacity blocks of raw events.
type recentStage struct {
	dir      string
	perBlock int
	blocks   map[string]*recentBlock
	latest   string
	dirty    dirtySet[string]
}

func newRecentStage(dir string, perBlock int) *recentStage {
	return &recentStage{dir: dir, perBlock: perBlock, blocks: make(map[string]*recentBlock), dirty: newDirtySet[string]()}
}

func (s *recentStage) add(userID string, blobID int64, at time.Time) {
	b := s.blocks[s.latest]
	if b == nil || b.count >= s.perBlock {
		s.latest = uuid.NewString()
		b = newRecentBlock()
		s.blocks[s.latest] = b
	}
	b.add(userID, blobID, at.UnixMilli())
	s.dirty.touch(s.latest)
}

func (s *recentStage) counts(blobID int64) int64 {
	var n int64
	for _, b := range s.blocks {
		for _, ts := range b.events[blobID] {
			n += int64(len(ts))
		}
	}
	return n
}

func (s *recentStage) lastAccess(blobID int64) time.Time {
	var newest int64
	for _, b := range s.blocks {
		for _, ts := range b.events[blobID] {
			newest = max(newest, slices.Max(ts))
		}
	}
	if newest == 0 {
		return time.Time{}
	}
	return time.UnixMilli(newest).UTC()
}

// migratable returns full blocks whose newest event is before cutoff.
func (s *recentStage) migratable(cutoff time.Time) []string {
	var keys []string
	for _, key := range slices.Sorted(maps.Keys(s.blocks)) {
		b := s.blocks[key]
		if b.count >= s.perBlock && b.newest < cutoff.UnixMilli() {
			keys = append(keys, key)
		}
	}
	return keys
}

func (s *recentStage) remove(key string) {
	delete(s.blocks, key)
	if s.latest == key {
		s.latest = ""
	}
	s.dirty.remove(key)
}

func (s *recentStage) entriesOf(key string) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		b := s.blocks[key]
		if b == nil {
			return
		}
		for _, blobID := range slices.Sorted(maps.Keys(b.events)) {
			users := b.events[blobID]
			for _, userID := range slices.Sorted(maps.Keys(users)) {
				ms := users[userID]
				times := make([]time.Time, len(ms))
				for i, m := range ms {
					times[i] = time.UnixMilli(m).UTC()
				}
				e := Entry{Stage: StageRecent, Key: key, BlobID: blobID, UserID: userID, Count: int64(len(ms)), Times: times}
				if !yield(e) {
					return
				}
			}
		}
	}
}

func (s *recentStage) entries() iter.Seq[Entry] {
	return concatEntries(slices.Sorted(maps.Keys(s.blocks)), s.entriesOf)
}

func (s *recentStage) load(fs billy.Filesystem) error {
	keys, err := listKeys(fs, s.dir)
	if err != nil {
		return err
	}
	for _, key := range keys {
		var events map[int64]map[string][]int64
		if err := readGzipJSON(fs, keyPath(s.dir, key), &events); err != nil {
			return err
		}
		b := newRecentBlock()
		for blobID, users := range events {
			for userID, ms := range users {
				for _, m := range ms {
					b.add(userID, blobID, m)
				}
			}
		}
		s.blocks[key] = b
		if b.count < s.perBlock {
			if cur := s.blocks[s.latest]; cur == nil || b.newest > cur.newest {
				s.latest = key
			}
		}
	}
	return nil
}

func (s *recentStage) write(fs billy.Filesystem) error {
	for _, key := range slices.Sorted(maps.Keys(s.dirty.written)) {
		if err := writeGzipJSON(fs, keyPath(s.dir, key), s.blocks[key].events); err != nil {
			return err
		}
		delete(s.dirty.written, key)
	}
	return nil
}

func (s *recentStage) deleteRemoved(fs billy.Filesystem) error {
	return deleteRemoved(fs, s.dir, &s.dirty)
}

// monthBucket counts accesses per blob and user.
type monthBucket map[int64]map[string]int64

// monthStage holds current-year buckets keyed "YYYY-M".
type monthStage struct {
	dir     string
	buckets map[string]monthBucket
	dirty   dirtySet[string]
}

func newMonthStage(dir string) *monthStage {
	return &monthStage{dir: dir, buckets: make(map[string]monthBucket), dirty: newDirtySet[string]()}
}

func monthKey(t time.Time) string {
	return fmt.Sprintf("%d-%d", t.Year(), int(t.Month()))
}

func parseMonthKey(key string) (time.Time, error) {
	y, m, ok := strings.Cut(key, "-")
	if !ok {
		return time.Time{}, fmt.Errorf("month bucket key %q", key)
	}
	year, err := strconv.Atoi(y)
	if err != nil {
		return time.Time{}, fmt.Errorf("month bucket key %q: %w", key, err)
	}
	month, err := strconv.Atoi(m)
	if err != nil || month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("month bucket key %q: bad month", key)
	}
	return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC), nil
}

func (s *monthStage) add(userID string, blobID int64, at time.Time, n int64) {
	key := monthKey(at)
	bucket := s.buckets[key]
	if bucket == nil {
		bucket = make(monthBucket)
		s.buckets[key] = bucket
	}
	users := bucket[blobID]
	if users == nil {
		users = make(map[string]int64)
		bucket[blobID] = users
	}
	users[userID] += n
	s.dirty.touch(key)
}

func (s *monthStage) counts(blobID int64) int64 {
	var n int64
	for _, bucket := range s.buckets {
		for _, c := range bucket[blobID] {
			n += c
		}
	}
	return n
}

func (s *monthStage) lastAccess(blobID int64) time.Time {
	var newest time.Time
	for key, bucket := range s.buckets {
		if _, ok := bucket[blobID]; !ok {
			continue
		}
		if start, err := parseMonthKey(key); err == nil && start.After(newest) {
			newest = start
		}
	}
	return newest
}

// migratable returns buckets of years before currentYear.
func (s *monthStage) migratable(currentYear int) []string {
	var keys []string
	for _, key := range slices.Sorted(maps.Keys(s.buckets)) {
		if start, err := parseMonthKey(key); err == nil && start.Year() < currentYear {
			keys = append(keys, key)
		}
	}
	return keys
}

func (s *monthStage) remove(key string) {
	delete(s.buckets, key)
	s.dirty.remove(key)
}

func (s *monthStage) entriesOf(key string) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		bucket := s.buckets[key]
		start, _ := parseMonthKey(key)
		for _, blobID := range slices.Sorted(maps.Keys(bucket)) {
			users := bucket[blobID]
			for _, userID := range slices.Sorted(maps.Keys(users)) {
				e := Entry{Stage: StageMonth, Key: key, Bucket: start, BlobID: blobID, UserID: userID, Count: users[userID]}
				if !yield(e) {
					return
				}
			}
		}
	}
}

func (s *monthStage) entries() iter.Seq[Entry] {
	return concatEntries(slices.Sorted(maps.Keys(s.buckets)), s.entriesOf)
}

func (s *monthStage) load(fs billy.Filesystem) error {
	keys, err := listKeys(fs, s.dir)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := parseMonthKey(key); err != nil {
			return err
		}
		bucket := make(monthBucket)
		if err := readGzipJSON(fs, keyPath(s.dir, key), &bucket); err != nil {
			return err
		}
		s.buckets[key] = bucket
	}
	return nil
}

func (s *monthStage) write(fs billy.Filesystem) error {
	for _, key := range slices.Sorted(maps.Keys(s.dirty.written)) {
		if err := writeGzipJSON(fs, keyPath(s.dir, key), s.buckets[key]); err != nil {
			return err
		}
		delete(s.dirty.written, key)
	}
	return nil
}

func (s *monthStage) deleteRemoved(fs billy.Filesystem) error {
	return deleteRemoved(fs, s.dir, &s.dirty)
}

// yearBucket counts accesses per blob.
type yearBucket map[int64]int64

// yearStage holds closed years; it never expires.
type yearStage struct {
	dir     string
	buckets map[int]yearBucket
	dirty   dirtySet[int]
}

func newYearStage(dir string) *yearStage {
	return &yearStage{dir: dir, buckets: make(map[int]yearBucket), dirty: newDirtySet[int]()}
}

func yearStart(year int) time.Time {
	return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
}

func (s *yearStage) add(blobID int64, year int, n int64) {
	bucket := s.buckets[year]
	if bucket == nil {
		bucket = make(yearBucket)
		s.buckets[year] = bucket
	}
	bucket[blobID] += n
	s.dirty.touch(year)
}

func (s *yearStage) counts(blobID int64) int64 {
	var n int64
	for _, bucket := range s.buckets {
		n += bucket[blobID]
	}
	return n
}

func (s *yearStage) lastAccess(blobID int64) time.Time {
	var newest time.Time
	for year, bucket := range s.buckets {
		if _, ok := bucket[blobID]; ok && yearStart(year).After(newest) {
			newest = yearStart(year)
		}
	}
	return newest
}

func (s *yearStage) entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, year := range slices.Sorted(maps.Keys(s.buckets)) {
			bucket := s.buckets[year]
			for _, blobID := range slices.Sorted(maps.Keys(bucket)) {
				e := Entry{Stage: StageYear, Key: strconv.Itoa(year), Bucket: yearStart(year), BlobID: blobID, Count: bucket[blobID]}
				if !yield(e) {
					return
				}
			}
		}
	}
}

func (s *yearStage) load(fs billy.Filesystem) error {
	keys, err := listKeys(fs, s.dir)
	if err != nil {
		return err
	}
	for _, key := range keys {
		year, err := strconv.Atoi(key)
		if err != nil {
			return fmt.Errorf("year bucket key %q: %w", key, err)
		}
		bucket := make(yearBucket)
		if err := readGzipJSON(fs, keyPath(s.dir, key), &bucket); err != nil {
			return err
		}
		s.buckets[year] = bucket
	}
	return nil
}

func (s *yearStage) write(fs billy.Filesystem) error {
	for _, year := range slices.Sorted(maps.Keys(s.dirty.written)) {
		if err := writeGzipJSON(fs, keyPath(s.dir, strconv.Itoa(year)), s.buckets[year]); err != nil {
			return err
		}
		delete(s.dirty.written, year)
	}
	return nil
}

func deleteRemoved(fs billy.Filesystem, dir string, d *dirtySet[string]) error {
	for k := range d.removed {
		if err := removeFile(fs, keyPath(dir, k)); err != nil {
			return err
		}
		delete(d.removed, k)
	}
	return nil
}

func concatEntries(keys []string, of func(string) iter.Seq[Entry]) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, key := range keys {
			for e := range of(key) {
				if !yield(e) {
					return
				}
			}
		}
	}
}
