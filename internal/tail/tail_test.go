package tail

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zbell/afk/internal/paths"
)

func testTailer(t *testing.T) (*Tailer, paths.Layout) {
	t.Helper()

	layout := paths.At(t.TempDir())
	require.NoError(t, layout.EnsureBase())

	return New(Config{Paths: layout, Poll: 10 * time.Millisecond}), layout
}

func writeLog(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, paths.Ensure(filepath.Dir(path)))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCandidatesOrder(t *testing.T) {
	tailer, layout := testTailer(t)

	require.Equal(t, []string{
		layout.PrefixedSessionLog("abc"),
		layout.SessionLog("abc"),
		layout.WorkerLog("abc"),
		layout.MonitorLog("abc"),
		layout.AuxLog("abc"),
	}, tailer.Candidates("abc"))
}

func TestResolvePrefersPriorityOrder(t *testing.T) {
	tailer, layout := testTailer(t)

	writeLog(t, layout.SessionLog("abc"), "session\n")
	writeLog(t, layout.WorkerLog("abc"), "worker\n")

	path, err := tailer.Resolve(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, layout.SessionLog("abc"), path)
}

func TestResolveSkipsEmptyCandidates(t *testing.T) {
	tailer, layout := testTailer(t)

	writeLog(t, layout.PrefixedSessionLog("abc"), "")
	writeLog(t, layout.WorkerLog("abc"), "worker\n")

	path, err := tailer.Resolve(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, layout.WorkerLog("abc"), path)
}

func TestResolveSettlesForEmptyFileWhenNothingHasContent(t *testing.T) {
	tailer, layout := testTailer(t)

	writeLog(t, layout.SessionLog("abc"), "")

	path, err := tailer.Resolve(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, layout.SessionLog("abc"), path)

	data, offset, err := tailer.Read(context.Background(), "abc", 0)
	require.NoError(t, err)
	require.Empty(t, data)
	require.Zero(t, offset)
}

func TestResolveReportsMissingLog(t *testing.T) {
	tailer, _ := testTailer(t)

	_, err := tailer.Resolve(context.Background(), "abc")
	require.ErrorIs(t, err, ErrNoLog)
	require.ErrorContains(t, err, "abc")
}

func TestResolveCachesWinner(t *testing.T) {
	tailer, layout := testTailer(t)

	writeLog(t, layout.SessionLog("abc"), "session\n")

	path, err := tailer.Resolve(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, layout.SessionLog("abc"), path)

	// A higher-priority file appearing later does not steal a cached mapping.
	writeLog(t, layout.PrefixedSessionLog("abc"), "prefixed\n")

	path, err = tailer.Resolve(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, layout.SessionLog("abc"), path)
}

func TestResolveWithNoCacheAlwaysRescans(t *testing.T) {
	layout := paths.At(t.TempDir())
	require.NoError(t, layout.EnsureBase())
	tailer := New(Config{Paths: layout, NoCache: true})

	writeLog(t, layout.SessionLog("abc"), "session\n")

	path, err := tailer.Resolve(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, layout.SessionLog("abc"), path)

	writeLog(t, layout.PrefixedSessionLog("abc"), "prefixed\n")

	path, err = tailer.Resolve(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, layout.PrefixedSessionLog("abc"), path)
}

func TestReadIncremental(t *testing.T) {
	tailer, layout := testTailer(t)

	writeLog(t, layout.SessionLog("abc"), "one\n")

	data, offset, err := tailer.Read(context.Background(), "abc", 0)
	require.NoError(t, err)
	require.Equal(t, "one\n", string(data))
	require.Equal(t, int64(4), offset)

	f, err := os.OpenFile(layout.SessionLog("abc"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("two\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, offset, err = tailer.Read(context.Background(), "abc", offset)
	require.NoError(t, err)
	require.Equal(t, "two\n", string(data))
	require.Equal(t, int64(8), offset)

	data, offset, err = tailer.Read(context.Background(), "abc", offset)
	require.NoError(t, err)
	require.Empty(t, data)
	require.Equal(t, int64(8), offset)
}

func TestReadRestartsAfterTruncation(t *testing.T) {
	tailer, layout := testTailer(t)

	writeLog(t, layout.SessionLog("abc"), "a long first run\n")

	_, offset, err := tailer.Read(context.Background(), "abc", 0)
	require.NoError(t, err)

	writeLog(t, layout.SessionLog("abc"), "new\n")

	data, offset, err := tailer.Read(context.Background(), "abc", offset)
	require.NoError(t, err)
	require.Equal(t, "new\n", string(data))
	require.Equal(t, int64(4), offset)
}

func TestReadReResolvesWhenLogVanishes(t *testing.T) {
	tailer, layout := testTailer(t)

	writeLog(t, layout.WorkerLog("abc"), "worker output\n")

	_, offset, err := tailer.Read(context.Background(), "abc", 0)
	require.NoError(t, err)
	require.Equal(t, int64(14), offset)

	require.NoError(t, os.Remove(layout.WorkerLog("abc")))
	writeLog(t, layout.SessionLog("abc"), "session output\n")

	data, offset, err := tailer.Read(context.Background(), "abc", offset)
	require.NoError(t, err)
	require.Equal(t, "session output\n", string(data))
	require.Equal(t, int64(15), offset)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFollowStreamsAppends(t *testing.T) {
	tailer, layout := testTailer(t)

	writeLog(t, layout.SessionLog("abc"), "first\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- tailer.Follow(ctx, "abc", 0, sink)
	}()

	require.Eventually(t, func() bool {
		return sink.String() == "first\n"
	}, 5*time.Second, 10*time.Millisecond)

	f, err := os.OpenFile(layout.SessionLog("abc"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("second\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool {
		return sink.String() == "first\nsecond\n"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("follow did not stop on cancel")
	}
}

func TestFollowMovesToReplacementLog(t *testing.T) {
	tailer, layout := testTailer(t)

	writeLog(t, layout.WorkerLog("abc"), "from worker\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- tailer.Follow(ctx, "abc", 0, sink)
	}()

	require.Eventually(t, func() bool {
		return sink.String() == "from worker\n"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(layout.WorkerLog("abc")))
	writeLog(t, layout.SessionLog("abc"), "from session\n")

	require.Eventually(t, func() bool {
		return sink.String() == "from worker\nfrom session\n"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestAggregateOrdersByModTime(t *testing.T) {
	tailer, layout := testTailer(t)

	writeLog(t, layout.SessionLog("abc"), "newer\n")
	writeLog(t, layout.WorkerLog("abc"), "older\n")

	older := time.Now().Add(-1 * time.Hour)
	require.NoError(t, os.Chtimes(layout.WorkerLog("abc"), older, older))

	out, err := tailer.Aggregate(context.Background(), "abc")
	require.NoError(t, err)

	expected := "==> " + layout.WorkerLog("abc") + " <==\n" +
		"older\n" +
		"\n" +
		"==> " + layout.SessionLog("abc") + " <==\n" +
		"newer\n"
	require.Equal(t, expected, string(out))
}

func TestAggregateSkipsEmptyCandidates(t *testing.T) {
	tailer, layout := testTailer(t)

	writeLog(t, layout.SessionLog("abc"), "")
	writeLog(t, layout.WorkerLog("abc"), "only content\n")

	out, err := tailer.Aggregate(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, "==> "+layout.WorkerLog("abc")+" <==\nonly content\n", string(out))
}

func TestAggregateReportsMissingLog(t *testing.T) {
	tailer, _ := testTailer(t)

	_, err := tailer.Aggregate(context.Background(), "abc")
	require.ErrorIs(t, err, ErrNoLog)
}

func TestLastLines(t *testing.T) {
	data := []byte("one\ntwo\nthree\n")

	require.Equal(t, []string{"two", "three"}, LastLines(data, 2))
	require.Equal(t, []string{"one", "two", "three"}, LastLines(data, 10))
	require.Nil(t, LastLines(data, 0))
	require.Nil(t, LastLines(nil, 3))
	require.Equal(t, []string{"no newline"}, LastLines([]byte("no newline"), 5))
	require.Equal(t, []string{"a", "", "b"}, LastLines([]byte("a\n\nb\n"), 3))
}
