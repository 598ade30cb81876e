package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brianly1003/mstream/internal/domain"
	"github.com/brianly1003/mstream/internal/domain/events"
	"github.com/brianly1003/mstream/internal/stream"
	"github.com/brianly1003/mstream/internal/testutil"
)

const testToken = "secret-token"

func newTestMultiplexer(t *testing.T, srv *testutil.StreamServer, endpoint domain.Endpoint) *Multiplexer {
	t.Helper()
	m := New(Options{
		Key:    domain.NewConnectionKey(srv.URL, testToken, endpoint),
		Policy: stream.ThrottlePolicy{MinInterval: 20 * time.Millisecond},
	})
	t.Cleanup(func() {
		_ = m.Close()
		m.Wait(2 * time.Second)
	})
	return m
}

func TestMultiplexer_ConcurrentSubscribeOpensOneConnection(t *testing.T) {
	srv := testutil.NewStreamServer(t, testToken)
	m := newTestMultiplexer(t, srv, domain.LocalTimeline())

	const n = 20
	var wg sync.WaitGroup
	subs := make([]*Subscription, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			subs[i], errs[i] = m.Subscribe()
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Subscribe #%d: %v", i, err)
		}
	}

	srv.WaitForActive(t, 1)
	time.Sleep(50 * time.Millisecond)

	if got := srv.Connections(); got != 1 {
		t.Errorf("server saw %d connections, want 1", got)
	}
	if got := m.Stats().Connections; got != 1 {
		t.Errorf("Stats().Connections = %d, want 1", got)
	}
	if got := m.SubscriberCount(); got != n {
		t.Errorf("SubscriberCount() = %d, want %d", got, n)
	}
}

func TestMultiplexer_BroadcastOrder(t *testing.T) {
	srv := testutil.NewStreamServer(t, testToken)
	m := newTestMultiplexer(t, srv, domain.LocalTimeline())

	a, err := m.Subscribe()
	testutil.AssertNoError(t, err, "subscribe a")
	b, err := m.Subscribe()
	testutil.AssertNoError(t, err, "subscribe b")

	srv.WaitForActive(t, 1)
	srv.Send("update", testutil.StatusJSON("101"))
	srv.Send("delete", "101")
	srv.Send("update", testutil.StatusJSON("102"))
	srv.Send("status.update", testutil.StatusJSON("102"))

	gotA := testutil.Collect(t, a.Events(), 5, 2*time.Second)
	gotB := testutil.Collect(t, b.Events(), 5, 2*time.Second)

	if gotA[0].Type() != events.EventTypeOpened {
		t.Fatalf("first event = %s, want opened", gotA[0].Type())
	}
	for i := range gotA {
		if gotA[i] != gotB[i] {
			t.Errorf("event %d differs: %s vs %s", i, gotA[i].Type(), gotB[i].Type())
		}
	}

	wantTypes := []events.EventType{
		events.EventTypeOpened,
		events.EventTypeStatusUpdated,
		events.EventTypeStatusDeleted,
		events.EventTypeStatusUpdated,
		events.EventTypeStatusUpdated,
	}
	for i, want := range wantTypes {
		if gotA[i].Type() != want {
			t.Errorf("event %d type = %s, want %s", i, gotA[i].Type(), want)
		}
	}
	if id, _ := events.AsDeletedID(gotA[2]); id != "101" {
		t.Errorf("deleted id = %q, want 101", id)
	}
}

func TestMultiplexer_TeardownOnLastDetach(t *testing.T) {
	srv := testutil.NewStreamServer(t, testToken)
	m := newTestMultiplexer(t, srv, domain.UserTimeline())

	var mu sync.Mutex
	closedCount := 0
	stop := m.Watch(func(s stream.State) {
		if s == stream.StateClosed {
			mu.Lock()
			closedCount++
			mu.Unlock()
		}
	})
	defer stop()

	a, err := m.Subscribe()
	testutil.AssertNoError(t, err, "subscribe a")
	b, err := m.Subscribe()
	testutil.AssertNoError(t, err, "subscribe b")
	srv.WaitForActive(t, 1)

	a.Cancel()
	if m.State() == stream.StateClosed {
		t.Fatal("connection closed while a subscriber remains")
	}
	b.Cancel()

	if !m.Wait(2 * time.Second) {
		t.Fatal("connection did not wind down")
	}
	srv.WaitForActive(t, 0)

	testutil.AssertEqual(t, stream.StateClosed, m.State(), "state after last detach")
	mu.Lock()
	testutil.AssertEqual(t, 1, closedCount, "closed transitions")
	mu.Unlock()

	c, err := m.Subscribe()
	testutil.AssertNoError(t, err, "resubscribe")
	defer c.Cancel()

	srv.WaitForActive(t, 1)
	testutil.AssertEqual(t, 2, srv.Connections(), "server connections")
	testutil.AssertEqual(t, 2, m.Stats().Connections, "connections created")

	srv.Send("update", testutil.StatusJSON("7"))
	got := testutil.Collect(t, c.Events(), 2, 2*time.Second)
	if opened, ok := events.AsOpened(got[0]); !ok || opened.Reconnect {
		t.Errorf("fresh connection opened event = %+v, %v", opened, ok)
	}
}

// countingDialer tracks how many physical connections are open at once.
type countingDialer struct {
	inner stream.Dialer

	mu     sync.Mutex
	active int
	peak   int
}

func (d *countingDialer) Dial(ctx context.Context, key domain.ConnectionKey) (stream.EventReader, error) {
	d.mu.Lock()
	d.active++
	if d.active > d.peak {
		d.peak = d.active
	}
	d.mu.Unlock()

	r, err := d.inner.Dial(ctx, key)
	if err != nil {
		d.release()
		return nil, err
	}
	return &countedReader{EventReader: r, release: d.release}, nil
}

func (d *countingDialer) release() {
	d.mu.Lock()
	d.active--
	d.mu.Unlock()
}

func (d *countingDialer) counts() (active, peak int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active, d.peak
}

type countedReader struct {
	stream.EventReader
	once    sync.Once
	release func()
}

func (r *countedReader) Close() error {
	err := r.EventReader.Close()
	r.once.Do(r.release)
	return err
}

func TestMultiplexer_ResubscribeRacingLastCancel(t *testing.T) {
	srv := testutil.NewStreamServer(t, testToken)
	dialer := &countingDialer{inner: stream.NewSSEDialer("")}
	m := New(Options{
		Key:    domain.NewConnectionKey(srv.URL, testToken, domain.LocalTimeline()),
		Dialer: dialer,
		Policy: stream.ThrottlePolicy{MinInterval: 20 * time.Millisecond},
	})
	t.Cleanup(func() {
		_ = m.Close()
		m.Wait(2 * time.Second)
	})

	sub, err := m.Subscribe()
	testutil.AssertNoError(t, err, "subscribe")
	srv.WaitForActive(t, 1)

	// Cancel the only subscription and subscribe again immediately.
	for i := 0; i < 20; i++ {
		sub.Cancel()
		sub, err = m.Subscribe()
		if err != nil {
			t.Fatalf("resubscribe %d: %v", i, err)
		}
	}
	sub.Cancel()
	testutil.AssertEqual(t, 21, m.Stats().Connections, "connections created")

	// Same race from many goroutines, none holding a lasting subscription.
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				s, err := m.Subscribe()
				if err != nil {
					t.Errorf("Subscribe: %v", err)
					return
				}
				s.Cancel()
			}
		}()
	}
	wg.Wait()

	if !m.Wait(2 * time.Second) {
		t.Fatal("connection did not wind down")
	}
	srv.WaitForActive(t, 0)

	active, peak := dialer.counts()
	testutil.AssertEqual(t, 0, active, "physical connections left open")
	if peak != 1 {
		t.Errorf("peak simultaneous physical connections = %d, want 1", peak)
	}

	// The multiplexer still works after the churn.
	last, err := m.Subscribe()
	testutil.AssertNoError(t, err, "final subscribe")
	defer last.Cancel()
	srv.WaitForActive(t, 1)
	srv.Send("delete", "1")
	got := testutil.Collect(t, last.Events(), 2, 2*time.Second)
	if id, _ := events.AsDeletedID(got[1]); id != "1" {
		t.Errorf("second event = %s, want the deletion", got[1].Type())
	}
}

func TestMultiplexer_OverflowEndsSubscription(t *testing.T) {
	m := New(Options{
		Key:        domain.NewConnectionKey("example.social", testToken, domain.LocalTimeline()),
		BufferSize: 1,
	})
	sub := NewSubscription("overflow", 1)
	sub.detach = m.Detach
	m.addSubscriber(sub)

	// Hold mu so only broadcast itself can take the subscriber out.
	m.mu.Lock()
	m.broadcast(events.NewStatusDeletedEvent("public:local", "1"))
	m.broadcast(events.NewStatusDeletedEvent("public:local", "2"))
	testutil.AssertEqual(t, 0, m.SubscriberCount(), "subscribers after overflow")

	first, ok := <-sub.Events()
	m.broadcast(events.NewStatusDeletedEvent("public:local", "3"))
	m.mu.Unlock()

	if !ok {
		t.Fatal("buffered event was lost")
	}
	if id, _ := events.AsDeletedID(first); id != "1" {
		t.Errorf("first event id = %q, want 1", id)
	}
	if ev, open := <-sub.Events(); open {
		id, _ := events.AsDeletedID(ev)
		t.Fatalf("received %q after overflow, want a closed channel", id)
	}
	select {
	case <-sub.Done():
	default:
		t.Error("overflowed subscription not done")
	}
}

func TestMultiplexer_CancelStopsDelivery(t *testing.T) {
	srv := testutil.NewStreamServer(t, testToken)
	m := newTestMultiplexer(t, srv, domain.LocalTimeline())

	a, _ := m.Subscribe()
	b, _ := m.Subscribe()
	srv.WaitForActive(t, 1)

	srv.Send("update", testutil.StatusJSON("1"))
	testutil.Collect(t, a.Events(), 2, 2*time.Second)
	testutil.Collect(t, b.Events(), 2, 2*time.Second)

	a.Cancel()
	a.Cancel()
	testutil.ExpectClosed(t, a.Events(), time.Second)

	srv.Send("update", testutil.StatusJSON("2"))
	got := testutil.Collect(t, b.Events(), 1, 2*time.Second)
	if s, _ := events.AsStatus(got[0]); s == nil || s.ID != "2" {
		t.Errorf("b got %+v, want status 2", got[0])
	}
	testutil.AssertEqual(t, 1, m.SubscriberCount(), "subscriber count")
}

func TestMultiplexer_MalformedPayloadKeepsStream(t *testing.T) {
	srv := testutil.NewStreamServer(t, testToken)
	m := newTestMultiplexer(t, srv, domain.UserTimeline())

	sub, _ := m.Subscribe()
	srv.WaitForActive(t, 1)

	srv.Send("update", `{"id": 12`)
	srv.Send("notification", `[]`)
	srv.Send("update", testutil.StatusJSON("3"))

	got := testutil.Collect(t, sub.Events(), 2, 2*time.Second)
	testutil.AssertEqual(t, events.EventTypeOpened, got[0].Type(), "first event")
	if s, _ := events.AsStatus(got[1]); s == nil || s.ID != "3" {
		t.Errorf("second event = %+v, want status 3", got[1])
	}

	stats := m.Stats().Router
	testutil.AssertEqual(t, int64(2), stats.Dropped, "dropped")
	testutil.AssertEqual(t, 1, srv.Connections(), "stream was not restarted")
}

func TestMultiplexer_SubscribeFiltered(t *testing.T) {
	srv := testutil.NewStreamServer(t, testToken)

	local := newTestMultiplexer(t, srv, domain.LocalTimeline())
	if _, err := local.SubscribeFiltered(events.EventTypeNotification); !errors.Is(err, domain.ErrUnsupportedEvent) {
		t.Errorf("notifications on local timeline: err = %v, want ErrUnsupportedEvent", err)
	}
	testutil.AssertEqual(t, 0, local.SubscriberCount(), "no subscriber attached")

	user := newTestMultiplexer(t, srv, domain.UserTimeline())
	sub, err := user.SubscribeFiltered(events.EventTypeNotification)
	testutil.AssertNoError(t, err, "filtered subscribe")
	srv.WaitForActive(t, 1)

	srv.Send("update", testutil.StatusJSON("5"))
	srv.Send("notification", testutil.NotificationJSON("n1", "5"))

	got := testutil.Collect(t, sub.Events(), 2, 2*time.Second)
	testutil.AssertEqual(t, events.EventTypeOpened, got[0].Type(), "opened passes filter")
	n, ok := events.AsNotification(got[1])
	if !ok || n.ID != "n1" || n.Status == nil || n.Status.ID != "5" {
		t.Errorf("notification = %+v", got[1])
	}
	testutil.ExpectNoEvent(t, sub.Events(), 50*time.Millisecond)
}

func TestMultiplexer_GiveUpCompletesSubscriptions(t *testing.T) {
	srv := testutil.NewStreamServer(t, testToken)
	srv.RejectWith(503)

	m := New(Options{
		Key:    domain.NewConnectionKey(srv.URL, testToken, domain.LocalTimeline()),
		Policy: stream.ThrottlePolicy{MinInterval: 10 * time.Millisecond, MaxAttempts: 2},
	})
	defer m.Close()

	sub, err := m.Subscribe()
	testutil.AssertNoError(t, err, "subscribe")

	testutil.ExpectClosed(t, sub.Events(), 2*time.Second)
	testutil.WaitFor(t, time.Second, "subscribers drained", func() bool {
		return m.SubscriberCount() == 0
	})
	testutil.AssertEqual(t, 2, srv.Connections(), "attempts before giving up")

	srv.RejectWith(0)
	again, err := m.Subscribe()
	testutil.AssertNoError(t, err, "subscribe after give up")
	srv.WaitForActive(t, 1)
	again.Cancel()
}

func TestMultiplexer_SlowSubscriberDropped(t *testing.T) {
	srv := testutil.NewStreamServer(t, testToken)
	m := newTestMultiplexer(t, srv, domain.LocalTimeline())

	fast, _ := m.Subscribe()
	slow := testutil.NewMockSubscriber("slow")
	slow.SetSendError(domain.ErrSubscriberTooSlow)
	testutil.AssertNoError(t, m.Attach(slow), "attach slow")
	srv.WaitForActive(t, 1)

	srv.Send("update", testutil.StatusJSON("1"))
	testutil.Collect(t, fast.Events(), 2, 2*time.Second)

	testutil.WaitFor(t, time.Second, "slow subscriber detached", slow.IsClosed)
	testutil.AssertEqual(t, 1, m.SubscriberCount(), "remaining subscribers")
}

func TestMultiplexer_Close(t *testing.T) {
	srv := testutil.NewStreamServer(t, testToken)
	m := New(Options{Key: domain.NewConnectionKey(srv.URL, testToken, domain.LocalTimeline())})

	sub, _ := m.Subscribe()
	srv.WaitForActive(t, 1)

	testutil.AssertNoError(t, m.Close(), "first close")
	testutil.ExpectClosed(t, sub.Events(), time.Second)
	if err := m.Close(); !errors.Is(err, domain.ErrMultiplexerClosed) {
		t.Errorf("second Close() = %v, want ErrMultiplexerClosed", err)
	}
	if _, err := m.Subscribe(); !errors.Is(err, domain.ErrMultiplexerClosed) {
		t.Errorf("Subscribe after Close = %v, want ErrMultiplexerClosed", err)
	}
	srv.WaitForActive(t, 0)
}

func TestMultiplexer_DetachUnknown(t *testing.T) {
	m := New(Options{Key: domain.NewConnectionKey("example.social", testToken, domain.LocalTimeline())})
	m.Detach("nope")
	testutil.AssertEqual(t, stream.StateIdle, m.State(), "state")
	testutil.AssertEqual(t, 0, m.Stats().Connections, "connections")
}
