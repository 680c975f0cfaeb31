package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rickgao/realtime-mux/internal/realtime"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeDB captures batches instead of sending them.
type fakeDB struct {
	mu      sync.Mutex
	batches [][]*pgx.QueuedQuery
	execs   []string
	err     error
}

func (f *fakeDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b.QueuedQueries)
	return &fakeResults{err: f.err}
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), f.err
}

func (f *fakeDB) rows() []*pgx.QueuedQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*pgx.QueuedQuery
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

type fakeResults struct {
	err error
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error             { return nil }

func stopWriter(t *testing.T, w *Writer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
}

func TestWriter_RecordsLifecycle(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{InstanceID: "rt-1", BatchSize: 100, FlushInterval: time.Hour}, db, nil)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	w.now = func() time.Time { return fixed }
	require.NoError(t, w.Start(context.Background()))

	var obs realtime.Observer = w
	obs.ConnectionStateChanged(realtime.Disconnected, realtime.Connecting)
	obs.ChannelAdded("chat:1")
	obs.ChannelStateChanged("chat:1", realtime.ChannelIdle, realtime.ChannelJoining)
	obs.RetryScheduled("chat:1", 2, 4*time.Second)
	obs.CallbackFailed("chat:1", "sub-a")
	obs.EventDelivered("chat:1")
	obs.ChannelRemoved("chat:1")

	stopWriter(t, w)

	rows := db.rows()
	require.Len(t, rows, 6, "EventDelivered must not be audited")

	kinds := make([]string, len(rows))
	for i, q := range rows {
		kinds[i] = q.Arguments[2].(string)
		assert.Equal(t, fixed, q.Arguments[0])
		assert.Equal(t, "rt-1", q.Arguments[1])
		assert.True(t, strings.Contains(q.SQL, Table))
	}
	assert.Equal(t, []string{
		KindConnection, KindChannelAdded, KindChannelState, KindRetry, KindCallbackFailed, KindChannelRemoved,
	}, kinds)

	conn := rows[0].Arguments
	assert.Equal(t, "disconnected", conn[4])
	assert.Equal(t, "connecting", conn[5])

	retry := rows[3].Arguments
	assert.Equal(t, 2, retry[7])
	assert.Equal(t, int64(4000), retry[8])

	assert.Equal(t, "sub-a", rows[4].Arguments[6])

	stats := w.Stats()
	assert.Equal(t, int64(6), stats.Inserts)
	assert.Equal(t, int64(1), stats.Flushes)
}

func TestWriter_FlushesOnBatchSize(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 2, FlushInterval: time.Hour}, db, nil)
	require.NoError(t, w.Start(context.Background()))
	defer stopWriter(t, w)

	w.ChannelAdded("a")
	w.ChannelAdded("b")

	require.Eventually(t, func() bool { return len(db.rows()) == 2 }, 2*time.Second, time.Millisecond)
}

func TestWriter_DrainsBacklogInBatches(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 2, FlushInterval: time.Hour}, db, nil)

	// Queued before Start, so the consumer finds a backlog.
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		w.ChannelAdded(name)
	}
	require.NoError(t, w.Start(context.Background()))
	stopWriter(t, w)

	db.mu.Lock()
	sizes := make([]int, len(db.batches))
	for i, b := range db.batches {
		sizes[i] = len(b)
	}
	db.mu.Unlock()
	assert.Equal(t, []int{2, 2, 1}, sizes)

	var channels []string
	for _, q := range db.rows() {
		channels = append(channels, q.Arguments[3].(string))
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, channels)
}

func TestWriter_FlushesOnInterval(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, db, nil)
	require.NoError(t, w.Start(context.Background()))
	defer stopWriter(t, w)

	w.ChannelAdded("a")

	require.Eventually(t, func() bool { return len(db.rows()) == 1 }, 2*time.Second, time.Millisecond)
}

func TestWriter_InsertErrorCounted(t *testing.T) {
	db := &fakeDB{err: errors.New("connection refused")}
	w := NewWriter(Config{BatchSize: 1, FlushInterval: time.Hour}, db, nil)
	require.NoError(t, w.Start(context.Background()))

	w.ChannelAdded("a")
	require.Eventually(t, func() bool { return w.Stats().Errors == 1 }, 2*time.Second, time.Millisecond)

	stopWriter(t, w)
	assert.Zero(t, w.Stats().Inserts)
}

func TestWriter_DropsWhenFull(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 100, FlushInterval: time.Hour, BufferSize: 3}, db, nil)

	// Not started: nothing drains the queue.
	for i := 0; i < 5; i++ {
		w.ChannelAdded("a")
	}

	assert.Equal(t, int64(2), w.Stats().Dropped)
	require.NoError(t, w.Stop(context.Background()))
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, EnsureSchema(context.Background(), db))
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0], "CREATE TABLE IF NOT EXISTS "+Table)

	db.err = errors.New("permission denied")
	err := EnsureSchema(context.Background(), db)
	assert.ErrorContains(t, err, "permission denied")
}
