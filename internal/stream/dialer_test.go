package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brianly1003/mstream/internal/domain"
	"github.com/brianly1003/mstream/internal/testutil"
)

func TestSSEDialer_RequestHeaders(t *testing.T) {
	requests := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r.Clone(context.Background())
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, ":)\n\nevent: delete\ndata: 99\n\n")
	}))
	defer srv.Close()

	key := domain.NewConnectionKey(srv.URL, "abc", domain.HashtagTimeline("#golang"))
	r, err := NewSSEDialer("mstream-test/1.0").Dial(context.Background(), key)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer r.Close()

	if !r.Next() {
		t.Fatalf("expected an event, err = %v", r.Err())
	}
	ev := r.Event()
	if ev.Type != "delete" || ev.Data != "99" {
		t.Errorf("event = %+v", ev)
	}
	if r.Next() {
		t.Error("expected end of stream")
	}
	if r.Err() != nil {
		t.Errorf("graceful end reported error %v", r.Err())
	}

	req := <-requests
	testutil.AssertEqual(t, "Bearer abc", req.Header.Get("Authorization"), "authorization")
	testutil.AssertEqual(t, "text/event-stream", req.Header.Get("Accept"), "accept")
	testutil.AssertEqual(t, "mstream-test/1.0", req.Header.Get("User-Agent"), "user agent")
	testutil.AssertEqual(t, "/api/v1/streaming/hashtag?tag=golang", req.URL.RequestURI(), "path")
}

func TestSSEDialer_ErrorStatus(t *testing.T) {
	srv := testutil.NewStreamServer(t, "right")

	key := domain.NewConnectionKey(srv.URL, "wrong", domain.UserTimeline())
	_, err := NewSSEDialer("").Dial(context.Background(), key)

	var statusErr *domain.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	testutil.AssertEqual(t, http.StatusUnauthorized, statusErr.Code, "status code")
}

func TestSSEDialer_ConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	key := domain.NewConnectionKey(url, "abc", domain.LocalTimeline())
	if _, err := NewSSEDialer("").Dial(context.Background(), key); err == nil {
		t.Error("expected dial error against a closed server")
	}
}

func TestSSEDialer_CancelUnblocksRead(t *testing.T) {
	srv := testutil.NewStreamServer(t, "abc")
	key := domain.NewConnectionKey(srv.URL, "abc", domain.LocalTimeline())

	ctx, cancel := context.WithCancel(context.Background())
	r, err := NewSSEDialer("").Dial(ctx, key)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer r.Close()

	done := make(chan bool)
	go func() { done <- r.Next() }()

	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Error("Next returned an event after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not unblock on cancel")
	}
}

func TestConnection_OverHTTPRetriesErrorStatus(t *testing.T) {
	srv := testutil.NewStreamServer(t, "abc")
	srv.RejectWith(http.StatusServiceUnavailable)

	key := domain.NewConnectionKey(srv.URL, "abc", domain.LocalTimeline())
	c := New(Options{Key: key, Policy: ThrottlePolicy{MinInterval: 20 * time.Millisecond}})
	defer func() {
		_ = c.Close()
		<-c.Done()
	}()

	testutil.AssertNoError(t, c.Open(), "open")
	testutil.WaitFor(t, 2*time.Second, "retries", func() bool { return srv.Connections() >= 2 })

	srv.RejectWith(0)
	srv.WaitForActive(t, 1)
	srv.Send("update", testutil.StatusJSON("1"))
	testutil.WaitFor(t, 2*time.Second, "open", func() bool { return c.State() == StateOpen })
}

func TestNewDialer(t *testing.T) {
	tests := []struct {
		transport string
		wantErr   bool
	}{
		{"", false},
		{TransportSSE, false},
		{TransportWebSocket, false},
		{"carrier-pigeon", true},
	}
	for _, tt := range tests {
		d, err := NewDialer(tt.transport, "")
		if (err != nil) != tt.wantErr {
			t.Errorf("NewDialer(%q) error = %v, wantErr %v", tt.transport, err, tt.wantErr)
		}
		if err == nil && d == nil {
			t.Errorf("NewDialer(%q) returned nil dialer", tt.transport)
		}
	}
}
