package events

import (
	"encoding/json"
	"errors"
	"time"
)

// Account is the author of a status or the origin of a notification.
type Account struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Acct        string    `json:"acct"`
	DisplayName string    `json:"display_name"`
	Locked      bool      `json:"locked"`
	Bot         bool      `json:"bot"`
	URL         string    `json:"url"`
	Avatar      string    `json:"avatar"`
	CreatedAt   time.Time `json:"created_at"`
}

// MediaAttachment is a file attached to a status.
type MediaAttachment struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	URL         string `json:"url"`
	PreviewURL  string `json:"preview_url"`
	Description string `json:"description"`
}

// Mention is an account mentioned in a status.
type Mention struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Acct     string `json:"acct"`
	URL      string `json:"url"`
}

// Tag is a hashtag used in a status.
type Tag struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Status is a post as delivered by the streaming API. Content is left as the
// server's HTML.
type Status struct {
	ID                 string            `json:"id"`
	URI                string            `json:"uri"`
	URL                string            `json:"url"`
	CreatedAt          time.Time         `json:"created_at"`
	EditedAt           *time.Time        `json:"edited_at,omitempty"`
	Account            Account           `json:"account"`
	Content            string            `json:"content"`
	Visibility         string            `json:"visibility"`
	Sensitive          bool              `json:"sensitive"`
	SpoilerText        string            `json:"spoiler_text"`
	InReplyToID        string            `json:"in_reply_to_id,omitempty"`
	InReplyToAccountID string            `json:"in_reply_to_account_id,omitempty"`
	Reblog             *Status           `json:"reblog,omitempty"`
	MediaAttachments   []MediaAttachment `json:"media_attachments"`
	Mentions           []Mention         `json:"mentions"`
	Tags               []Tag             `json:"tags"`
	RepliesCount       int               `json:"replies_count"`
	ReblogsCount       int               `json:"reblogs_count"`
	FavouritesCount    int               `json:"favourites_count"`
	Language           string            `json:"language,omitempty"`
}

// Notification is an account-level notification (mention, follow, favourite...).
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Account   Account   `json:"account"`
	Status    *Status   `json:"status,omitempty"`
}

var errMissingID = errors.New("missing id")

// ParseStatus decodes a status JSON document.
func ParseStatus(data []byte) (*Status, error) {
	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, errMissingID
	}
	return &s, nil
}

// ParseNotification decodes a notification JSON document.
func ParseNotification(data []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	if n.ID == "" {
		return nil, errMissingID
	}
	return &n, nil
}
