// Package profile manages user profiles and the contact listing.
package profile

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"yuim/chatsync/internal/blob"
	"yuim/chatsync/internal/device"
	"yuim/chatsync/internal/metrics"
	"yuim/chatsync/internal/presence"
	"yuim/chatsync/pkg/chat"
	"yuim/chatsync/pkg/tree"
)

const Root = "/profiles"

var phonePattern = regexp.MustCompile(`^\d{8}$`)

// Listing is a profile with its owner's current presence.
type Listing struct {
	chat.Profile
	Online bool `json:"online"`
}

type Directory struct {
	tree     tree.Store
	blobs    blob.Store
	presence *presence.Tracker
	log      *zap.Logger
}

func NewDirectory(ts tree.Store, blobs blob.Store, tracker *presence.Tracker, log *zap.Logger) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{tree: ts, blobs: blobs, presence: tracker, log: log}
}

// Validate checks p before anything is written.
func Validate(p chat.Profile) error {
	switch {
	case strings.TrimSpace(p.Name) == "":
		return &chat.ValidationError{Field: "name", Reason: "required"}
	case strings.TrimSpace(p.Handle) == "":
		return &chat.ValidationError{Field: "handle", Reason: "required"}
	case strings.TrimSpace(p.Phone) == "":
		return &chat.ValidationError{Field: "phone", Reason: "required"}
	case !phonePattern.MatchString(p.Phone):
		return &chat.ValidationError{Field: "phone", Reason: "must be exactly 8 digits"}
	}
	return nil
}

// Save validates p, uploads avatar under the user's id when given, and writes
// the profile. Without an avatar the stored profile has no avatar URL.
func (d *Directory) Save(ctx context.Context, p chat.Profile, avatar *device.Photo) (chat.Profile, error) {
	if err := Validate(p); err != nil {
		return p, err
	}
	p.AvatarURL = ""
	if avatar != nil {
		u, err := blob.Upload(ctx, d.blobs, p.ID, avatar.Data, avatar.ContentType)
		if err != nil {
			metrics.Uploads.WithLabelValues("error").Inc()
			return p, err
		}
		metrics.Uploads.WithLabelValues("ok").Inc()
		p.AvatarURL = u
	}
	key := tree.Join(Root, chat.ProfileKey(p.ID))
	if err := d.tree.Set(ctx, key, p); err != nil {
		metrics.WriteFailures.WithLabelValues("profile").Inc()
		return p, &chat.WriteError{Path: key, Err: err}
	}
	return p, nil
}

// Get returns the profile of userID; ok is false when none was saved.
func (d *Directory) Get(ctx context.Context, userID string) (p chat.Profile, ok bool, err error) {
	snap, err := d.tree.Get(ctx, tree.Join(Root, chat.ProfileKey(userID)))
	if err != nil {
		return p, false, err
	}
	ok, err = snap.Decode(&p)
	return p, ok, err
}

// List returns every profile except selfID's, in key order, each with its online flag.
func (d *Directory) List(ctx context.Context, selfID string) ([]Listing, error) {
	snap, err := d.tree.Get(ctx, Root)
	if err != nil {
		return nil, err
	}
	out := make([]Listing, 0, len(snap.Children))
	for _, ch := range snap.Children {
		var p chat.Profile
		if err := json.Unmarshal(ch.Value, &p); err != nil {
			d.log.Warn("skip malformed profile", zap.String("key", ch.Key), zap.Error(err))
			continue
		}
		if p.ID == selfID {
			continue
		}
		out = append(out, Listing{Profile: p, Online: d.presence.IsOnline(ctx, p.ID)})
	}
	return out, nil
}

// Search keeps the listings whose "name handle" contains query, ignoring case.
func Search(listings []Listing, query string) []Listing {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return listings
	}
	out := make([]Listing, 0, len(listings))
	for _, l := range listings {
		if strings.Contains(strings.ToLower(l.Name+" "+l.Handle), q) {
			out = append(out, l)
		}
	}
	return out
}

// SignOut publishes userID as offline. Ending the authenticated session is up to the caller.
func (d *Directory) SignOut(ctx context.Context, userID string) {
	d.presence.SetOffline(ctx, userID)
}
