package chat

import (
	"strconv"
	"strings"
	"time"
)

// DateLayout is the ISO-8601 form used for Message.Date (UTC, millisecond precision).
const DateLayout = "2006-01-02T15:04:05.000Z07:00"

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Message is one chat message. It is immutable once written.
type Message struct {
	// Key is the store-generated push key. It is not part of the stored record.
	Key string `json:"-"`

	ID       string    `json:"id"`
	Text     string    `json:"text"`
	Sender   string    `json:"sender"`
	Receiver string    `json:"receiver,omitempty"`
	Date     string    `json:"date"`
	Location *Location `json:"location"`
	File     *string   `json:"file"`
}

// Empty reports whether the message carries neither text nor an attachment.
func (m Message) Empty() bool {
	return strings.TrimSpace(m.Text) == "" && m.Location == nil && m.File == nil
}

// Time parses Date. The zero time is returned for malformed dates.
func (m Message) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, m.Date)
	if err != nil {
		return time.Time{}
	}
	return t
}

// NewMessageID returns a client-side id derived from the wall clock in milliseconds.
// Two senders producing a message within the same millisecond get the same id.
func NewMessageID(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10)
}

// FormatDate renders now the way Message.Date expects.
func FormatDate(now time.Time) string {
	return now.UTC().Format(DateLayout)
}

type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Handle    string `json:"handle"`
	Phone     string `json:"phone"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type PresenceState string

const (
	Online  PresenceState = "online"
	Offline PresenceState = "offline"
)

type PresenceRecord struct {
	State PresenceState `json:"state"`
	// LastChanged is the backend time of the write, in milliseconds since epoch.
	LastChanged int64 `json:"last_changed"`
}

func (r PresenceRecord) Online() bool { return r.State == Online }
