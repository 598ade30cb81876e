package domain

import (
	"errors"
	"testing"
)

func TestEndpoint_Path(t *testing.T) {
	tests := []struct {
		name     string
		endpoint Endpoint
		want     string
	}{
		{"user", UserTimeline(), "/api/v1/streaming/user"},
		{"local", LocalTimeline(), "/api/v1/streaming/public/local"},
		{"hashtag", HashtagTimeline("#golang"), "/api/v1/streaming/hashtag?tag=golang"},
		{"hashtag local", Endpoint{Stream: StreamHashtagLocal, Tag: "go lang"}, "/api/v1/streaming/hashtag/local?tag=go+lang"},
		{"list", Endpoint{Stream: StreamList, List: "12"}, "/api/v1/streaming/list?list=12"},
		{"notifications", Endpoint{Stream: StreamUserNotification}, "/api/v1/streaming/user/notification"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.endpoint.Path(); got != tt.want {
				t.Errorf("Path() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		stream  string
		param   string
		want    Endpoint
		wantErr bool
	}{
		{"user", "", UserTimeline(), false},
		{"public:local", "", LocalTimeline(), false},
		{"hashtag", "#rust", Endpoint{Stream: StreamHashtag, Tag: "rust"}, false},
		{"hashtag", "", Endpoint{}, true},
		{"list", "", Endpoint{}, true},
		{"direct", "", Endpoint{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.stream+"/"+tt.param, func(t *testing.T) {
			got, err := ParseEndpoint(tt.stream, tt.param)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseEndpoint() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseEndpoint() = %+v, want %+v", got, tt.want)
			}
			if err != nil {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Errorf("error %v is not a ValidationError", err)
				}
			}
		})
	}
}

func TestEndpoint_IsUser(t *testing.T) {
	if !UserTimeline().IsUser() {
		t.Error("user timeline should be a user endpoint")
	}
	if LocalTimeline().IsUser() || HashtagTimeline("go").IsUser() {
		t.Error("public timelines should not be user endpoints")
	}
}

func TestConnectionKey_Equality(t *testing.T) {
	a := NewConnectionKey("https://Mastodon.Social/", "tok", UserTimeline())
	b := NewConnectionKey("mastodon.social", "tok", UserTimeline())
	if a != b {
		t.Errorf("keys should be equal: %+v vs %+v", a, b)
	}

	m := map[ConnectionKey]int{a: 1}
	if m[b] != 1 {
		t.Error("equal keys should address the same map entry")
	}

	c := NewConnectionKey("mastodon.social", "other", UserTimeline())
	if a == c {
		t.Error("keys with different tokens should differ")
	}
}

func TestConnectionKey_URLs(t *testing.T) {
	k := NewConnectionKey("mastodon.social", "secret", HashtagTimeline("go"))
	if got := k.StreamURL(); got != "https://mastodon.social/api/v1/streaming/hashtag?tag=go" {
		t.Errorf("StreamURL() = %q", got)
	}

	local := NewConnectionKey("http://127.0.0.1:4000", "secret", UserTimeline())
	if got := local.BaseURL(); got != "http://127.0.0.1:4000" {
		t.Errorf("BaseURL() = %q", got)
	}
	if got := local.Host(); got != "127.0.0.1:4000" {
		t.Errorf("Host() = %q", got)
	}
}

func TestConnectionKey_StringRedactsToken(t *testing.T) {
	k := NewConnectionKey("mastodon.social", "super-secret-token", UserTimeline())
	s := k.String()
	if s == "" {
		t.Fatal("String() returned empty")
	}
	for i := 0; i+len("secret") <= len(s); i++ {
		if s[i:i+len("secret")] == "secret" {
			t.Fatalf("String() leaks token: %q", s)
		}
	}
}

func TestConnectionKey_Validate(t *testing.T) {
	tests := []struct {
		name    string
		key     ConnectionKey
		wantErr bool
	}{
		{"valid", NewConnectionKey("example.com", "t", UserTimeline()), false},
		{"no server", NewConnectionKey("", "t", UserTimeline()), true},
		{"no token", NewConnectionKey("example.com", "", UserTimeline()), true},
		{"bad endpoint", NewConnectionKey("example.com", "t", Endpoint{Stream: "hashtag"}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.key.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
