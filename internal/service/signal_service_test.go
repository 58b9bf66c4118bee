package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/signal-sync/internal/domain"
	"github.com/notifyhub/signal-sync/internal/repository"
	"github.com/notifyhub/signal-sync/internal/service"
	"github.com/notifyhub/signal-sync/internal/stream"
)

var start = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

type fakeView struct {
	halted  bool
	running bool
	spec    domain.ScheduleSpec
	next    time.Time
}

func (v *fakeView) Halted() bool                  { return v.halted }
func (v *fakeView) Running() bool                 { return v.running }
func (v *fakeView) Schedule() domain.ScheduleSpec { return v.spec }
func (v *fakeView) NextWake() (time.Time, bool)   { return v.next, !v.next.IsZero() }

func newService() (*service.SignalService, *repository.MockQueueRepository, *fakeView) {
	clk := clockwork.NewFakeClockAt(start)
	repo := repository.NewMockQueueRepository(repository.Options{Now: clk.Now})
	view := &fakeView{spec: domain.ScheduleSpec{Expression: "*/5 * * * *", Interval: 5 * time.Minute}}
	svc := service.NewSignalService(repo, stream.DefaultRegistry(), view, clk, zap.NewNop())
	return svc, repo, view
}

func TestSignalService_Enqueue(t *testing.T) {
	svc, repo, _ := newService()
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, domain.StreamLocation, []byte{0xa0})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, repo.CountByStatus(domain.StatusPending))

	_, err = svc.Enqueue(ctx, "", []byte{0xa0})
	assert.ErrorIs(t, err, domain.ErrInvalidStream)

	_, err = svc.Enqueue(ctx, domain.StreamLocation, nil)
	assert.ErrorIs(t, err, domain.ErrEmptyPayload)
}

func TestSignalService_EnqueueSurfacesStorageErrors(t *testing.T) {
	svc, repo, _ := newService()
	repo.EnqueueErr = errors.New("disk full")

	_, err := svc.Enqueue(context.Background(), domain.StreamHealth, []byte{0xa0})
	assert.ErrorIs(t, err, domain.ErrStorage)
}

func TestSignalService_EnqueueJSON(t *testing.T) {
	svc, repo, _ := newService()
	ctx := context.Background()

	id, err := svc.EnqueueJSON(ctx, domain.StreamLocation,
		[]byte(`{"timestamp":"2026-03-02T09:00:00Z","latitude":52.52,"longitude":13.40}`))
	require.NoError(t, err)

	item, err := repo.Get(ctx, id)
	require.NoError(t, err)

	codec, _ := stream.DefaultRegistry().Lookup(domain.StreamLocation)
	rec, err := codec.Decode(item.Payload)
	require.NoError(t, err)
	assert.InDelta(t, 52.52, rec.(stream.LocationSample).Latitude, 1e-9)
}

func TestSignalService_EnqueueJSONRejects(t *testing.T) {
	svc, repo, _ := newService()
	ctx := context.Background()

	_, err := svc.EnqueueJSON(ctx, "video", []byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrUnsupportedStream)

	_, err = svc.EnqueueJSON(ctx, " ", []byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrInvalidStream)

	_, err = svc.EnqueueJSON(ctx, domain.StreamLocation, []byte(`{"latitude":200}`))
	assert.ErrorIs(t, err, domain.ErrInvalidRecord)

	_, err = svc.EnqueueJSON(ctx, domain.StreamLocation, []byte(`{"timestamp":"2026-03-02T09:00:00Z","bogus":1}`))
	assert.ErrorIs(t, err, domain.ErrInvalidRecord)

	assert.Empty(t, repo.Snapshot())
}

func TestSignalService_RecordTerminalEvent(t *testing.T) {
	svc, repo, _ := newService()
	svc.RecordTerminalEvent(context.Background(), "terminated")

	items := repo.Snapshot()
	require.Len(t, items, 1)
	assert.Equal(t, domain.StreamSystem, items[0].Stream)

	codec, _ := stream.DefaultRegistry().Lookup(domain.StreamSystem)
	rec, err := codec.Decode(items[0].Payload)
	require.NoError(t, err)
	ev := rec.(stream.SystemEvent)
	assert.Equal(t, "shutdown", ev.Kind)
	assert.Equal(t, "terminated", ev.Detail)
	assert.True(t, ev.Timestamp.Equal(start))
}

func TestSignalService_RecordTerminalEventIsBestEffort(t *testing.T) {
	svc, repo, _ := newService()
	repo.EnqueueErr = errors.New("read-only filesystem")

	assert.NotPanics(t, func() { svc.RecordTerminalEvent(context.Background(), "interrupt") })
	assert.Empty(t, repo.Snapshot())
}

func TestSignalService_Status(t *testing.T) {
	svc, repo, view := newService()
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, domain.StreamHealth, []byte{0xa0, 0xa0})
	require.NoError(t, err)
	require.NoError(t, repo.RecordAttempt(ctx, start, false))

	view.halted = true
	view.next = start.Add(5 * time.Minute)

	st, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Queue.Pending)
	assert.Equal(t, int64(2), st.Queue.TotalBytes)
	require.NotNil(t, st.LastAttemptAt)
	assert.Nil(t, st.LastSuccessAt)
	assert.True(t, st.NeedsReconfiguration)
	assert.Equal(t, "*/5 * * * *", st.Schedule.Expression)
	require.NotNil(t, st.NextSyncAt)
	assert.True(t, st.NextSyncAt.Equal(start.Add(5*time.Minute)))
}

func TestSignalService_StatusWithoutView(t *testing.T) {
	clk := clockwork.NewFakeClockAt(start)
	repo := repository.NewMockQueueRepository(repository.Options{Now: clk.Now})
	svc := service.NewSignalService(repo, stream.DefaultRegistry(), nil, clk, zap.NewNop())

	st, err := svc.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.NeedsReconfiguration)
	assert.Nil(t, st.NextSyncAt)
}
