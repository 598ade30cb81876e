package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brianly1003/mstream/internal/domain"
	"github.com/brianly1003/mstream/internal/domain/events"
	"github.com/brianly1003/mstream/internal/hub"
	"github.com/brianly1003/mstream/internal/stream"
	"github.com/brianly1003/mstream/internal/testutil"
)

func TestRegistry_ConcurrentFirstAccess(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	key := domain.NewConnectionKey("mastodon.social", "tok", domain.UserTimeline())

	const n = 32
	var wg sync.WaitGroup
	got := make([]*hub.Multiplexer, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := r.Connection(key)
			if err != nil {
				t.Errorf("Connection: %v", err)
				return
			}
			got[i] = m
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("caller %d got a different multiplexer", i)
		}
	}
	testutil.AssertEqual(t, 1, r.Len(), "registered multiplexers")
}

func TestRegistry_KeyIdentity(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	base, _ := r.Connection(domain.NewConnectionKey("mastodon.social", "tok", domain.UserTimeline()))
	same, _ := r.Connection(domain.NewConnectionKey("https://Mastodon.Social/", "tok", domain.UserTimeline()))
	otherToken, _ := r.Connection(domain.NewConnectionKey("mastodon.social", "other", domain.UserTimeline()))
	otherEndpoint, _ := r.Connection(domain.NewConnectionKey("mastodon.social", "tok", domain.LocalTimeline()))

	if base != same {
		t.Error("normalized server should map to the same multiplexer")
	}
	if base == otherToken {
		t.Error("different credentials must not share a multiplexer")
	}
	if base == otherEndpoint {
		t.Error("different endpoints must not share a multiplexer")
	}
	testutil.AssertEqual(t, 3, r.Len(), "registered multiplexers")

	if m, ok := r.Lookup(base.Key()); !ok || m != base {
		t.Error("Lookup should find the registered multiplexer")
	}
	if _, ok := r.Lookup(domain.NewConnectionKey("nowhere.example", "tok", domain.UserTimeline())); ok {
		t.Error("Lookup should not create entries")
	}
}

func TestRegistry_NormalizesLiteralKeys(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	literal, err := r.Connection(domain.ConnectionKey{Server: "https://Mastodon.Social/", Token: "tok", Endpoint: domain.UserTimeline()})
	testutil.AssertNoError(t, err, "literal key")
	bare, err := r.Connection(domain.ConnectionKey{Server: "mastodon.social", Token: "tok", Endpoint: domain.UserTimeline()})
	testutil.AssertNoError(t, err, "bare key")

	if literal != bare {
		t.Error("literal keys for the same server should share a multiplexer")
	}
	testutil.AssertEqual(t, 1, r.Len(), "registered multiplexers")
	testutil.AssertEqual(t, "mastodon.social", literal.Key().Server, "stored server")

	if m, ok := r.Lookup(domain.ConnectionKey{Server: "MASTODON.social", Token: "tok", Endpoint: domain.UserTimeline()}); !ok || m != bare {
		t.Error("Lookup should normalize the server too")
	}
}

func TestRegistry_InvalidKey(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	tests := []domain.ConnectionKey{
		domain.NewConnectionKey("", "tok", domain.UserTimeline()),
		domain.NewConnectionKey("mastodon.social", "", domain.UserTimeline()),
		domain.NewConnectionKey("mastodon.social", "tok", domain.Endpoint{Stream: "hashtag"}),
	}
	for _, key := range tests {
		if _, err := r.Connection(key); !errors.Is(err, domain.ErrInvalidKey) {
			t.Errorf("Connection(%+v) = %v, want ErrInvalidKey", key, err)
		}
	}
	testutil.AssertEqual(t, 0, r.Len(), "nothing registered")
}

func TestRegistry_CloseCompletesSubscriptions(t *testing.T) {
	srv := testutil.NewStreamServer(t, "tok")
	r := New(Options{Policy: stream.ThrottlePolicy{MinInterval: 20 * time.Millisecond}})

	m, err := r.Connection(domain.NewConnectionKey(srv.URL, "tok", domain.LocalTimeline()))
	testutil.AssertNoError(t, err, "connection")
	sub, err := m.Subscribe()
	testutil.AssertNoError(t, err, "subscribe")
	srv.WaitForActive(t, 1)

	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].Subscribers != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	testutil.AssertNoError(t, r.Close(), "close")
	testutil.ExpectClosed(t, sub.Events(), time.Second)
	srv.WaitForActive(t, 0)

	if _, err := r.Connection(m.Key()); !errors.Is(err, domain.ErrRegistryClosed) {
		t.Errorf("Connection after Close = %v, want ErrRegistryClosed", err)
	}
	if err := r.Close(); !errors.Is(err, domain.ErrRegistryClosed) {
		t.Errorf("second Close = %v, want ErrRegistryClosed", err)
	}
}

func TestRegistry_SharedAcrossConsumers(t *testing.T) {
	srv := testutil.NewStreamServer(t, "tok")
	r := New(Options{Policy: stream.ThrottlePolicy{MinInterval: 20 * time.Millisecond}})
	defer r.Close()

	key := domain.NewConnectionKey(srv.URL, "tok", domain.UserTimeline())

	timeline, _ := r.Connection(key)
	badge, _ := r.Connection(key)

	a, err := timeline.Subscribe()
	testutil.AssertNoError(t, err, "timeline subscribe")
	b, err := badge.SubscribeFiltered(events.EventTypeNotification)
	testutil.AssertNoError(t, err, "badge subscribe")
	defer a.Cancel()
	defer b.Cancel()

	srv.WaitForActive(t, 1)
	srv.Send("notification", testutil.NotificationJSON("n1", "1"))

	testutil.Collect(t, a.Events(), 2, 2*time.Second)
	testutil.Collect(t, b.Events(), 2, 2*time.Second)
	testutil.AssertEqual(t, 1, srv.Connections(), "physical connections")
}
