package persister

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thegridelectric/gwproactor/internal/problems"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func newRolling(t *testing.T, dir string, maxBytes int64, clock *fakeClock) *TimedRollingFilePersister {
	t.Helper()
	r, err := NewTimedRollingFilePersister(dir, maxBytes, WithClock(clock.Now))
	require.NoError(t, err)
	return r
}

func payload(i, size int) []byte {
	b := bytes.Repeat([]byte{'x'}, size)
	copy(b, fmt.Sprintf("%d:", i))
	return b
}

func dirSize(t *testing.T, dir string) int64 {
	t.Helper()
	var total int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	require.NoError(t, err)
	return total
}

func TestPersistRetrieveClear(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	r := newRolling(t, dir, 10_000, clock)

	require.NoError(t, r.Persist("a", []byte("alpha")))
	require.NoError(t, r.Persist("b", []byte("beta")))
	assert.Equal(t, []string{"a", "b"}, r.Pending())
	assert.True(t, r.Contains("a"))
	assert.Equal(t, int64(9), r.CurrBytes())

	got, err := r.Retrieve("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), got)

	require.NoError(t, r.Clear("a"))
	assert.False(t, r.Contains("a"))
	_, err = r.Retrieve("a")
	assert.ErrorIs(t, err, ErrFileMissing)

	err = r.Clear("a")
	require.Error(t, err)
	assert.True(t, problems.IsWarningOnly(err))

	require.NoError(t, r.Clear("b"))
	_, statErr := os.Stat(filepath.Join(dir, "2026-10-19"))
	assert.True(t, os.IsNotExist(statErr), "empty day dir removed")

	require.NoError(t, r.Persist("c", []byte("gamma")))
	assert.Equal(t, []string{"c"}, r.Pending())
}

func TestPersistDuplicateIsWarning(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	r := newRolling(t, t.TempDir(), 1000, clock)
	require.NoError(t, r.Persist("a", []byte("one")))
	err := r.Persist("a", []byte("three"))
	require.Error(t, err)
	assert.True(t, problems.IsWarningOnly(err))
	assert.ErrorIs(t, err, ErrFileExists)
	got, err := r.Retrieve("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("three"), got)
	assert.Equal(t, 1, r.NumPending())
	assert.Equal(t, int64(5), r.CurrBytes())
}

func TestPersistTooLarge(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	r := newRolling(t, t.TempDir(), 10, clock)
	err := r.Persist("big", payload(0, 11))
	require.Error(t, err)
	assert.True(t, problems.HasErrors(err))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Equal(t, 0, r.NumPending())
}

func TestRollAndTrimAcrossDays(t *testing.T) {
	dir := t.TempDir()
	d1 := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: d1}
	r := newRolling(t, dir, 10_000, clock)

	n := 0
	write := func(day int, count int) {
		clock.t = d1.AddDate(0, 0, day-1)
		for i := 0; i < count; i++ {
			require.NoError(t, r.Persist(fmt.Sprintf("uid-%02d", n), payload(n, 1000)))
			n++
		}
	}
	write(1, 10)
	write(2, 2)
	write(3, 3)
	write(4, 2)

	assert.Equal(t, 10, r.NumPending())
	assert.Equal(t, int64(10_000), r.CurrBytes())
	assert.Equal(t, int64(10_000), dirSize(t, dir))
	assert.Equal(t, "uid-07", r.Pending()[0], "oldest seven trimmed")
	assert.DirExists(t, filepath.Join(dir, "2026-10-01"))

	write(5, 2)
	assert.Equal(t, 10, r.NumPending())
	assert.Equal(t, "uid-09", r.Pending()[0])
	assert.DirExists(t, filepath.Join(dir, "2026-10-01"))

	write(5, 1)
	assert.Equal(t, "uid-10", r.Pending()[0])
	assert.NoDirExists(t, filepath.Join(dir, "2026-10-01"))
	assert.Equal(t, 10, r.NumPending())
	assert.Equal(t, int64(10_000), dirSize(t, dir))

	// a fresh persister over the same directory sees the same order
	again := newRolling(t, dir, 10_000, clock)
	assert.Equal(t, r.Pending(), again.Pending())
	assert.Equal(t, r.CurrBytes(), again.CurrBytes())
	for _, uid := range again.Pending() {
		want, err := r.Retrieve(uid)
		require.NoError(t, err)
		got, err := again.Retrieve(uid)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestReindexSkipsUnrecognized(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	r := newRolling(t, dir, 10_000, clock)
	require.NoError(t, r.Persist("a", []byte("alpha")))

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "not-a-date"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2026-10-19", "junk.txt"), []byte("j"), 0o644))

	err := r.Reindex()
	require.Error(t, err)
	assert.True(t, problems.IsWarningOnly(err))
	assert.Equal(t, []string{"a"}, r.Pending())
	assert.Equal(t, int64(5), r.CurrBytes())
}

func TestReindexMissingBase(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	dir := filepath.Join(t.TempDir(), "events")
	r := newRolling(t, dir, 100, clock)
	require.NoError(t, os.RemoveAll(dir))
	err := r.Reindex()
	assert.ErrorIs(t, err, ErrReindex)
	assert.Equal(t, 0, r.NumPending())
}

func TestOrderStableWithFrozenClock(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	r := newRolling(t, dir, 100_000, clock)
	var want []string
	for i := 0; i < 25; i++ {
		uid := fmt.Sprintf("u%d", 24-i)
		want = append(want, uid)
		require.NoError(t, r.Persist(uid, payload(i, 10)))
	}
	require.NoError(t, r.Reindex())
	assert.Equal(t, want, r.Pending())
}

// Random persist/clear sequences never exceed the cap, and the index always
// matches what a reindex reconstructs.
func TestRandomOpsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	dir := t.TempDir()
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: start}
	const maxBytes = 5_000
	r := newRolling(t, dir, maxBytes, clock)

	for i := 0; i < 300; i++ {
		clock.t = clock.t.Add(time.Duration(rng.Intn(4)) * time.Hour)
		if rng.Intn(3) == 0 && r.NumPending() > 0 {
			pending := r.Pending()
			require.NoError(t, r.Clear(pending[rng.Intn(len(pending))]))
		} else {
			require.NoError(t, r.Persist(fmt.Sprintf("op-%d", i), payload(i, 1+rng.Intn(900))))
		}
		require.LessOrEqual(t, dirSize(t, dir), int64(maxBytes))
		require.Equal(t, r.CurrBytes(), dirSize(t, dir))

		if i%50 == 0 {
			before := r.Pending()
			require.NoError(t, r.Reindex())
			require.Equal(t, before, r.Pending())
		}
	}
}

func TestStubPersister(t *testing.T) {
	s := NewStubPersister()
	require.NoError(t, s.Persist("a", []byte("1")))
	require.NoError(t, s.Persist("b", []byte("2")))
	assert.True(t, problems.IsWarningOnly(s.Persist("a", []byte("3"))))
	assert.Equal(t, []string{"a", "b"}, s.Pending())
	got, err := s.Retrieve("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), got)
	require.NoError(t, s.Clear("a"))
	assert.True(t, problems.IsWarningOnly(s.Clear("a")))
	assert.Equal(t, 1, s.NumPending())
	_, err = s.Retrieve("a")
	assert.ErrorIs(t, err, ErrFileMissing)
}
