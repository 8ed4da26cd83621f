// README: Publisher unit tests driving the state machine with a manual ticker and scripted samples.
package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"proptrack/internal/logging"
	"proptrack/internal/modules/location"
	"proptrack/internal/types"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type manualTicker struct {
	ch chan time.Time

	mu      sync.Mutex
	stopped bool
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }

func (m *manualTicker) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *manualTicker) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

type tickerFactory struct {
	mu      sync.Mutex
	tickers []*manualTicker
}

func (f *tickerFactory) New(time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &manualTicker{ch: make(chan time.Time)}
	f.tickers = append(f.tickers, t)
	return t
}

func (f *tickerFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tickers)
}

func (f *tickerFactory) last() *manualTicker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tickers[len(f.tickers)-1]
}

type sample struct {
	c   location.Coordinate
	err error
	// gate, when set, holds the sample until closed.
	gate chan struct{}
}

type scriptedSource struct {
	mu       sync.Mutex
	script   []sample
	calls    int
	returned int
	entered  chan int
}

func newScriptedSource(script ...sample) *scriptedSource {
	return &scriptedSource{script: script, entered: make(chan int, 16)}
}

func (s *scriptedSource) CurrentPosition(ctx context.Context, _ location.Options) (location.Coordinate, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	var step sample
	if idx < len(s.script) {
		step = s.script[idx]
	} else {
		step = sample{err: location.ErrUnavailable}
	}
	s.mu.Unlock()

	s.entered <- idx + 1
	if step.gate != nil {
		<-step.gate
	}

	s.mu.Lock()
	s.returned++
	s.mu.Unlock()
	return step.c, step.err
}

func (s *scriptedSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedSource) returnedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.returned
}

type recordingStore struct {
	*MemoryStore

	mu     sync.Mutex
	writes []Record
	fail   error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: NewMemoryStore()}
}

func (s *recordingStore) Upsert(ctx context.Context, r Record) error {
	s.mu.Lock()
	if s.fail != nil {
		err := s.fail
		s.mu.Unlock()
		return err
	}
	s.writes = append(s.writes, r)
	s.mu.Unlock()
	return s.MemoryStore.Upsert(ctx, r)
}

func (s *recordingStore) setFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *recordingStore) snapshotWrites() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.writes))
	copy(out, s.writes)
	return out
}

func (s *recordingStore) offlineWrites() int {
	n := 0
	for _, w := range s.snapshotWrites() {
		if w.WorkStatus == WorkOffline {
			n++
		}
	}
	return n
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func coord(lat, lng float64) location.Coordinate {
	return location.Coordinate{Latitude: lat, Longitude: lng, AccuracyMeters: 5, SampledAt: t0}
}

func ok(lat, lng float64) sample { return sample{c: coord(lat, lng)} }

func fail(err error) sample { return sample{err: err} }

func newTestPublisher(src location.Source, store Store) (*Publisher, *tickerFactory, *stepClock) {
	tf := &tickerFactory{}
	clock := &stepClock{t: t0}
	p := NewPublisher("agent-1", src, store, PublisherOptions{
		Interval: time.Minute,
		Logger:   logging.Discard(),
	})
	p.newTicker = tf.New
	p.now = clock.Now
	return p, tf, clock
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// fire delivers one tick and waits until the sample it triggers has returned.
func fire(t *testing.T, tk *manualTicker, src *scriptedSource) {
	t.Helper()
	want := src.returnedCount() + 1
	select {
	case tk.ch <- time.Now():
	case <-time.After(2 * time.Second):
		t.Fatal("ticker not being read")
	}
	waitFor(t, func() bool { return src.returnedCount() >= want })
}

func storedRecord(t *testing.T, s Store) Record {
	t.Helper()
	r, err := s.Get(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("get presence: %v", err)
	}
	return *r
}

// ---------------------------------------------------------------------------
// Start
// ---------------------------------------------------------------------------

func TestPublisher_StartPublishesFirstSample(t *testing.T) {
	src := newScriptedSource(ok(-17.8, 31.05))
	store := newRecordingStore()
	p, tf, _ := newTestPublisher(src, store)

	if err := p.Start(context.Background(), WorkAvailable); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(context.Background())

	rec := storedRecord(t, store)
	if rec.WorkStatus != WorkAvailable {
		t.Errorf("work status = %s, want available", rec.WorkStatus)
	}
	if !rec.LastSeen.Equal(t0) {
		t.Errorf("last seen = %s, want %s", rec.LastSeen, t0)
	}
	if rec.Location == nil || rec.Location.Latitude != -17.8 {
		t.Errorf("location = %+v", rec.Location)
	}
	st := p.Status()
	if !st.Tracking || st.LastError != nil {
		t.Errorf("status = %+v", st)
	}
	if tf.count() != 1 {
		t.Errorf("tickers = %d, want 1", tf.count())
	}
}

func TestPublisher_StartTwiceHasOneTimer(t *testing.T) {
	src := newScriptedSource(ok(1, 1), ok(1, 1))
	store := newRecordingStore()
	p, tf, _ := newTestPublisher(src, store)

	ctx := context.Background()
	if err := p.Start(ctx, WorkAvailable); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := p.Start(ctx, WorkAvailable); err != nil {
		t.Fatalf("second start should be a no-op, got %v", err)
	}
	defer p.Stop(ctx)

	if tf.count() != 1 {
		t.Fatalf("tickers = %d, want exactly 1", tf.count())
	}
	if src.callCount() != 1 {
		t.Fatalf("samples = %d, want 1", src.callCount())
	}
}

func TestPublisher_StartRejectsOffline(t *testing.T) {
	p, _, _ := newTestPublisher(newScriptedSource(), newRecordingStore())
	for _, ws := range []WorkStatus{WorkOffline, "sleeping", ""} {
		if err := p.Start(context.Background(), ws); !errors.Is(err, ErrInvalidWorkStatus) {
			t.Errorf("start(%q): expected ErrInvalidWorkStatus, got %v", ws, err)
		}
	}
}

func TestPublisher_StartSampleFailureStaysStopped(t *testing.T) {
	src := newScriptedSource(fail(location.ErrPermissionDenied))
	store := newRecordingStore()
	p, tf, _ := newTestPublisher(src, store)

	err := p.Start(context.Background(), WorkAvailable)
	if !errors.Is(err, location.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	st := p.Status()
	if st.Tracking {
		t.Error("publisher must not enter tracking without a location")
	}
	if !errors.Is(st.LastError, location.ErrPermissionDenied) {
		t.Errorf("last error = %v", st.LastError)
	}
	if tf.count() != 0 {
		t.Errorf("tickers = %d, want 0", tf.count())
	}
	if n := len(store.snapshotWrites()); n != 0 {
		t.Errorf("writes = %d, want 0", n)
	}
}

func TestPublisher_StartStoreFailureStaysStopped(t *testing.T) {
	src := newScriptedSource(ok(1, 1))
	store := newRecordingStore()
	store.setFail(errors.New("deadline exceeded"))
	p, tf, _ := newTestPublisher(src, store)

	err := p.Start(context.Background(), WorkAvailable)
	if !errors.Is(err, types.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if p.Status().Tracking {
		t.Error("expected stopped")
	}
	if tf.count() != 0 {
		t.Errorf("tickers = %d, want 0", tf.count())
	}
}

func TestPublisher_StopDuringStartWritesStatusOnly(t *testing.T) {
	gate := make(chan struct{})
	src := newScriptedSource(sample{c: coord(1, 1), gate: gate})
	store := newRecordingStore()
	p, tf, _ := newTestPublisher(src, store)

	done := make(chan error, 1)
	go func() { done <- p.Start(context.Background(), WorkAvailable) }()
	<-src.entered

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	close(gate)

	if err := <-done; !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	writes := store.snapshotWrites()
	if len(writes) != 1 || writes[0].WorkStatus != WorkOffline || writes[0].Location != nil {
		t.Fatalf("writes = %+v, want a single status-only offline write", writes)
	}
	if p.Status().Tracking {
		t.Error("late first sample resurrected tracking")
	}
	if tf.count() != 0 {
		t.Errorf("tickers = %d, want 0", tf.count())
	}
}

// ---------------------------------------------------------------------------
// Ticks
// ---------------------------------------------------------------------------

func TestPublisher_TimeoutOnThirdSampleKeepsTicking(t *testing.T) {
	src := newScriptedSource(
		ok(-17.8, 31.05),
		ok(-17.801, 31.05),
		fail(location.ErrTimeout),
		ok(-17.802, 31.05),
	)
	store := newRecordingStore()
	p, tf, clock := newTestPublisher(src, store)
	ctx := context.Background()

	if err := p.Start(ctx, WorkAvailable); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(ctx)
	tk := tf.last()

	clock.Advance(time.Minute)
	fire(t, tk, src)
	waitFor(t, func() bool { return len(store.snapshotWrites()) == 2 })
	second := storedRecord(t, store).LastSeen

	clock.Advance(time.Minute)
	fire(t, tk, src)
	waitFor(t, func() bool { return errors.Is(p.Status().LastError, location.ErrTimeout) })

	if got := storedRecord(t, store).LastSeen; !got.Equal(second) {
		t.Fatalf("last seen advanced on failed sample: %s, want %s", got, second)
	}
	if !p.Status().Tracking {
		t.Fatal("a failed sample must not stop tracking")
	}

	clock.Advance(time.Minute)
	fire(t, tk, src)
	waitFor(t, func() bool { return len(store.snapshotWrites()) == 3 })

	rec := storedRecord(t, store)
	if !rec.LastSeen.After(second) {
		t.Errorf("sample #4 did not advance last seen: %s", rec.LastSeen)
	}
	if rec.Location.Latitude != -17.802 {
		t.Errorf("location = %+v", rec.Location)
	}
	waitFor(t, func() bool { return p.Status().LastError == nil })
}

func TestPublisher_StoreFailureDuringTickKeepsTracking(t *testing.T) {
	src := newScriptedSource(ok(1, 1), ok(1.001, 1), ok(1.002, 1))
	store := newRecordingStore()
	p, tf, _ := newTestPublisher(src, store)
	ctx := context.Background()

	if err := p.Start(ctx, WorkAvailable); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(ctx)
	tk := tf.last()

	store.setFail(errors.New("unavailable"))
	fire(t, tk, src)
	waitFor(t, func() bool { return errors.Is(p.Status().LastError, types.ErrStoreUnavailable) })
	if !p.Status().Tracking {
		t.Fatal("a store failure must not stop tracking")
	}

	store.setFail(nil)
	fire(t, tk, src)
	waitFor(t, func() bool { return p.Status().LastError == nil })
}

func TestPublisher_LastSeenNeverGoesBackwards(t *testing.T) {
	src := newScriptedSource(ok(1, 1), ok(1, 1))
	store := newRecordingStore()
	p, tf, clock := newTestPublisher(src, store)
	ctx := context.Background()

	if err := p.Start(ctx, WorkAvailable); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(ctx)

	clock.Set(t0.Add(-time.Hour))
	fire(t, tf.last(), src)
	waitFor(t, func() bool { return len(store.snapshotWrites()) == 2 })

	if got := storedRecord(t, store).LastSeen; got.Before(t0) {
		t.Fatalf("last seen went backwards: %s < %s", got, t0)
	}
}

func TestPublisher_SetWorkStatus(t *testing.T) {
	src := newScriptedSource(ok(1, 1))
	store := newRecordingStore()
	p, _, _ := newTestPublisher(src, store)
	ctx := context.Background()

	if err := p.Start(ctx, WorkAvailable); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(ctx)

	if err := p.SetWorkStatus(ctx, WorkBusy); err != nil {
		t.Fatalf("set busy: %v", err)
	}
	rec := storedRecord(t, store)
	if rec.WorkStatus != WorkBusy {
		t.Errorf("work status = %s, want busy", rec.WorkStatus)
	}
	if rec.Location == nil {
		t.Error("status change dropped the location")
	}
	if err := p.SetWorkStatus(ctx, WorkOffline); !errors.Is(err, ErrInvalidWorkStatus) {
		t.Errorf("offline via SetWorkStatus: expected ErrInvalidWorkStatus, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Stop
// ---------------------------------------------------------------------------

func TestPublisher_StopTwiceWritesOfflineOnce(t *testing.T) {
	src := newScriptedSource(ok(-17.8, 31.05))
	store := newRecordingStore()
	p, tf, _ := newTestPublisher(src, store)
	ctx := context.Background()

	if err := p.Start(ctx, WorkAvailable); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	if n := store.offlineWrites(); n != 1 {
		t.Fatalf("offline writes = %d, want 1", n)
	}
	if !tf.last().isStopped() {
		t.Error("ticker not stopped")
	}
	rec := storedRecord(t, store)
	if rec.WorkStatus != WorkOffline {
		t.Errorf("work status = %s, want offline", rec.WorkStatus)
	}
	if rec.Location == nil || rec.Location.Latitude != -17.8 {
		t.Errorf("offline write lost the cached location: %+v", rec.Location)
	}
}

func TestPublisher_StopBeforeStartIsNoop(t *testing.T) {
	store := newRecordingStore()
	p, _, _ := newTestPublisher(newScriptedSource(), store)
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if n := len(store.snapshotWrites()); n != 0 {
		t.Fatalf("writes = %d, want 0", n)
	}
}

func TestPublisher_LateSampleAfterStopIsDiscarded(t *testing.T) {
	gate := make(chan struct{})
	src := newScriptedSource(ok(1, 1), sample{c: coord(2, 2), gate: gate})
	store := newRecordingStore()
	p, tf, _ := newTestPublisher(src, store)
	ctx := context.Background()

	if err := p.Start(ctx, WorkAvailable); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-src.entered

	tf.last().ch <- time.Now()
	<-src.entered

	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	close(gate)
	waitFor(t, func() bool { return src.returnedCount() == 2 })
	time.Sleep(20 * time.Millisecond)

	writes := store.snapshotWrites()
	lastWrite := writes[len(writes)-1]
	if lastWrite.WorkStatus != WorkOffline {
		t.Fatalf("last write = %+v, want offline", lastWrite)
	}
	if lastWrite.Location.Latitude != 1 {
		t.Errorf("offline write used a fresh sample: %+v", lastWrite.Location)
	}
	if len(writes) != 2 {
		t.Errorf("writes = %d, want 2 (start + offline)", len(writes))
	}
	if p.Status().Tracking {
		t.Error("late sample resurrected tracking")
	}
}

func TestPublisher_OnChangeAndHistory(t *testing.T) {
	src := newScriptedSource(ok(1, 1))
	store := newRecordingStore()
	hist := &memHistory{}

	var mu sync.Mutex
	var changes []PublisherStatus
	p := NewPublisher("agent-1", src, store, PublisherOptions{
		Logger:  logging.Discard(),
		History: hist,
		OnChange: func(st PublisherStatus) {
			mu.Lock()
			changes = append(changes, st)
			mu.Unlock()
		},
	})
	p.newTicker = (&tickerFactory{}).New

	ctx := context.Background()
	if err := p.Start(ctx, WorkAvailable); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) < 2 || !changes[0].Tracking || changes[len(changes)-1].Tracking {
		t.Fatalf("unexpected change sequence: %+v", changes)
	}
	if n := hist.count(); n != 1 {
		t.Errorf("history snapshots = %d, want 1", n)
	}
}

type memHistory struct {
	mu    sync.Mutex
	snaps []location.Snapshot
}

func (h *memHistory) AppendSnapshot(_ context.Context, snap location.Snapshot) error {
	h.mu.Lock()
	h.snaps = append(h.snaps, snap)
	h.mu.Unlock()
	return nil
}

func (h *memHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.snaps)
}

func TestPublisher_SetWorkStatusWhileStoppedIsRemembered(t *testing.T) {
	src := newScriptedSource(ok(1, 1), ok(2, 2))
	store := newRecordingStore()
	p, _, _ := newTestPublisher(src, store)
	ctx := context.Background()

	if err := p.SetWorkStatus(ctx, WorkBusy); err != nil {
		t.Fatalf("set status while stopped: %v", err)
	}
	if n := len(store.snapshotWrites()); n != 0 {
		t.Fatalf("writes while stopped = %d, want 0", n)
	}
	if st := p.Status(); st.WorkStatus != WorkOffline {
		t.Fatalf("status while stopped = %s, want offline", st.WorkStatus)
	}

	if err := p.Start(ctx, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec := storedRecord(t, store); rec.WorkStatus != WorkBusy {
		t.Fatalf("start without status published %s, want remembered busy", rec.WorkStatus)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st := p.Status(); st.WorkStatus != WorkOffline {
		t.Fatalf("status after stop = %s, want offline", st.WorkStatus)
	}
}

func TestPublisher_FailedStartReportsOffline(t *testing.T) {
	src := newScriptedSource(fail(location.ErrUnavailable))
	p, _, _ := newTestPublisher(src, newRecordingStore())

	if err := p.Start(context.Background(), WorkBusy); !errors.Is(err, location.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if st := p.Status(); st.Tracking || st.WorkStatus != WorkOffline {
		t.Fatalf("status after failed start = %+v", st)
	}
}
