package vmetrics

import (
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FunwayHQ/project-aegis-sub001/internal/identity"
)

type fakeSource struct{ c Counters }

func (f fakeSource) Snapshot() Counters { return f.c }

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return identity.FromKeypair(pub, priv)
}

func TestCacheHitRate(t *testing.T) {
	c := Counters{CacheHits: 3, CacheMisses: 1}
	require.InDelta(t, 75.0, c.CacheHitRate(), 0.001)
}

func TestExporterCollectPopulatesRuntimeFields(t *testing.T) {
	exp := NewExporter(fakeSource{Counters{RequestCount: 42}}, nil)
	c := exp.Collect()
	require.Equal(t, uint64(42), c.RequestCount)
	require.Greater(t, c.Goroutines, 0)
}

func TestRecorderAppendsSignedReportsWithIncreasingSequence(t *testing.T) {
	id := newTestIdentity(t)
	exp := NewExporter(fakeSource{Counters{RequestCount: 1}}, nil)
	path := filepath.Join(t.TempDir(), "metrics.log")

	rec, err := NewRecorder(path, id, exp)
	require.NoError(t, err)
	defer rec.Close()

	r1, err := rec.RecordOnce()
	require.NoError(t, err)
	require.EqualValues(t, 1, r1.Sequence)

	r2, err := rec.RecordOnce()
	require.NoError(t, err)
	require.EqualValues(t, 2, r2.Sequence)

	ok, err := r2.Verify()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRecorderResumesSequenceAcrossRestart(t *testing.T) {
	id := newTestIdentity(t)
	exp := NewExporter(fakeSource{Counters{}}, nil)
	path := filepath.Join(t.TempDir(), "metrics.log")

	rec1, err := NewRecorder(path, id, exp)
	require.NoError(t, err)
	_, err = rec1.RecordOnce()
	require.NoError(t, err)
	_, err = rec1.RecordOnce()
	require.NoError(t, err)
	require.NoError(t, rec1.Close())

	rec2, err := NewRecorder(path, id, exp)
	require.NoError(t, err)
	defer rec2.Close()
	r3, err := rec2.RecordOnce()
	require.NoError(t, err)
	require.EqualValues(t, 3, r3.Sequence)
}

func TestReaderDetectsSequenceGap(t *testing.T) {
	id := newTestIdentity(t)
	exp := NewExporter(fakeSource{Counters{}}, nil)
	path := filepath.Join(t.TempDir(), "metrics.log")

	rec, err := NewRecorder(path, id, exp)
	require.NoError(t, err)
	_, err = rec.RecordOnce()
	require.NoError(t, err)
	rec.nextSeq = 5 // simulate a gap (e.g. a crash between writes)
	_, err = rec.RecordOnce()
	require.NoError(t, err)
	require.NoError(t, rec.Close())

	reader := NewReader(path)
	reports, gaps, err := reader.All()
	require.NoError(t, err)
	require.Len(t, reports, 2)
	require.Len(t, gaps, 1)
	require.EqualValues(t, 1, gaps[0].AfterSequence)
	require.EqualValues(t, 5, gaps[0].BeforeSequence)
}

func TestReaderLatestAndRange(t *testing.T) {
	id := newTestIdentity(t)
	exp := NewExporter(fakeSource{Counters{}}, nil)
	path := filepath.Join(t.TempDir(), "metrics.log")

	rec, err := NewRecorder(path, id, exp)
	require.NoError(t, err)
	_, err = rec.RecordOnce()
	require.NoError(t, err)
	_, err = rec.RecordOnce()
	require.NoError(t, err)
	require.NoError(t, rec.Close())

	reader := NewReader(path)
	latest, ok, err := reader.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, latest.Sequence)

	ranged, err := reader.Range(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, ranged, 2)
}

func TestReaderOnMissingFileReturnsEmpty(t *testing.T) {
	reader := NewReader(filepath.Join(t.TempDir(), "does-not-exist.log"))
	reports, gaps, err := reader.All()
	require.NoError(t, err)
	require.Empty(t, reports)
	require.Empty(t, gaps)
}
