package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/brianly1003/mstream/internal/adapters/journal"
	"github.com/brianly1003/mstream/internal/domain"
	"github.com/brianly1003/mstream/internal/hub"
	"github.com/brianly1003/mstream/internal/stream"
	"github.com/brianly1003/mstream/internal/testutil"
)

func newRecorderFixture(t *testing.T) (*journalRecorder, *hub.Multiplexer) {
	t.Helper()
	srv := testutil.NewStreamServer(t, testToken)

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	m := hub.New(hub.Options{
		Key:    domain.NewConnectionKey(srv.URL, testToken, domain.LocalTimeline()),
		Policy: stream.ThrottlePolicy{MinInterval: 20 * time.Millisecond},
	})
	t.Cleanup(func() {
		_ = m.Close()
		m.Wait(2 * time.Second)
		_ = j.Close()
	})
	return newJournalRecorder(j, 16), m
}

func TestJournalRecorder_ForgetsFinishedSinks(t *testing.T) {
	r, m := newRecorderFixture(t)

	for i := 0; i < 50; i++ {
		r.Track("alice", m)()

		r.mu.Lock()
		held := len(r.retired)
		last := r.retired[held-1]
		r.mu.Unlock()

		if held != 1 {
			t.Fatalf("cycle %d: %d retired sinks held, want 1", i, held)
		}
		select {
		case <-last.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("cycle %d: released sink never finished", i)
		}
	}
	testutil.AssertEqual(t, 0, m.SubscriberCount(), "subscribers after release")
}

func TestJournalRecorder_SharedSinkRefCount(t *testing.T) {
	r, m := newRecorderFixture(t)

	releaseA := r.Track("alice", m)
	releaseB := r.Track("alice", m)
	testutil.AssertEqual(t, 1, m.SubscriberCount(), "one sink for two consumers")

	releaseA()
	releaseA()
	testutil.AssertEqual(t, 1, m.SubscriberCount(), "sink kept while a consumer remains")

	releaseB()
	testutil.AssertEqual(t, 0, m.SubscriberCount(), "sink detached with the last consumer")

	r.Flush(2 * time.Second)
	r.mu.Lock()
	defer r.mu.Unlock()
	testutil.AssertEqual(t, 0, len(r.retired), "retired sinks after flush")
	testutil.AssertEqual(t, 0, len(r.taps), "taps after flush")
}
