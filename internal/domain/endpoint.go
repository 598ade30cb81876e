package domain

import (
	"net/url"
	"strings"
)

// Stream names as understood by the streaming API.
const (
	StreamUser             = "user"
	StreamUserNotification = "user:notification"
	StreamPublic           = "public"
	StreamPublicLocal      = "public:local"
	StreamHashtag          = "hashtag"
	StreamHashtagLocal     = "hashtag:local"
	StreamList             = "list"
)

// streamPaths maps stream names to their event-stream path below /api/v1/streaming.
var streamPaths = map[string]string{
	StreamUser:             "/user",
	StreamUserNotification: "/user/notification",
	StreamPublic:           "/public",
	StreamPublicLocal:      "/public/local",
	StreamHashtag:          "/hashtag",
	StreamHashtagLocal:     "/hashtag/local",
	StreamList:             "/list",
}

// StreamingBasePath is the common prefix of all streaming endpoints.
const StreamingBasePath = "/api/v1/streaming"

// Endpoint identifies a logical stream a consumer can subscribe to.
// It is comparable and used as part of ConnectionKey.
type Endpoint struct {
	Stream string `json:"stream" yaml:"stream"`
	Tag    string `json:"tag,omitempty" yaml:"tag,omitempty"`
	List   string `json:"list,omitempty" yaml:"list,omitempty"`
}

// UserTimeline is the authenticated account's home timeline plus notifications.
func UserTimeline() Endpoint {
	return Endpoint{Stream: StreamUser}
}

// LocalTimeline is the server's local public timeline.
func LocalTimeline() Endpoint {
	return Endpoint{Stream: StreamPublicLocal}
}

// HashtagTimeline is the federated timeline for a single hashtag.
func HashtagTimeline(tag string) Endpoint {
	return Endpoint{Stream: StreamHashtag, Tag: strings.TrimPrefix(tag, "#")}
}

// ParseEndpoint builds an Endpoint from a stream name and optional parameter.
// The parameter is the tag for hashtag streams and the list id for list streams.
func ParseEndpoint(stream, param string) (Endpoint, error) {
	ep := Endpoint{Stream: stream}
	switch stream {
	case StreamHashtag, StreamHashtagLocal:
		ep.Tag = strings.TrimPrefix(param, "#")
	case StreamList:
		ep.List = param
	}
	if err := ep.Validate(); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

// Validate reports whether the endpoint names a known stream with its required parameter.
func (e Endpoint) Validate() error {
	if _, ok := streamPaths[e.Stream]; !ok {
		return NewValidationError("stream", "unknown stream "+e.Stream)
	}
	switch e.Stream {
	case StreamHashtag, StreamHashtagLocal:
		if e.Tag == "" {
			return NewValidationError("tag", "hashtag stream requires a tag")
		}
	case StreamList:
		if e.List == "" {
			return NewValidationError("list", "list stream requires a list id")
		}
	}
	return nil
}

// IsUser reports whether the endpoint belongs to the authenticated user and
// therefore carries notification events.
func (e Endpoint) IsUser() bool {
	return e.Stream == StreamUser || e.Stream == StreamUserNotification
}

// Query returns the query parameters of the endpoint.
func (e Endpoint) Query() url.Values {
	q := url.Values{}
	if e.Tag != "" {
		q.Set("tag", e.Tag)
	}
	if e.List != "" {
		q.Set("list", e.List)
	}
	return q
}

// Path returns the event-stream request path including its query string.
func (e Endpoint) Path() string {
	p := StreamingBasePath + streamPaths[e.Stream]
	if q := e.Query(); len(q) > 0 {
		p += "?" + q.Encode()
	}
	return p
}

// String returns a short human-readable name such as "hashtag#golang".
func (e Endpoint) String() string {
	switch {
	case e.Tag != "":
		return e.Stream + "#" + e.Tag
	case e.List != "":
		return e.Stream + "/" + e.List
	default:
		return e.Stream
	}
}
