package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"yuim/chatsync/internal/device"
	"yuim/chatsync/internal/session"
	"yuim/chatsync/pkg/chat"
)

// Inbound frame types.
const (
	FrameText     = "text"
	FrameSend     = "send"
	FrameLocation = "location"
	FramePhoto    = "photo"
)

// Inbound is a client action.
type Inbound struct {
	Type        string  `json:"type"`
	Text        string  `json:"text,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	Data        string  `json:"data,omitempty"` // base64
	ContentType string  `json:"content_type,omitempty"`
	Camera      bool    `json:"camera,omitempty"`
}

// Outbound frames.
type (
	ReadyFrame struct {
		Type           string `json:"type"` // "ready"
		ConversationID string `json:"conversation_id"`
		ConnID         string `json:"conn_id"`
	}
	ViewFrame struct {
		Type string       `json:"type"` // "view"
		View session.View `json:"view"`
	}
	AlertFrame struct {
		Type    string `json:"type"` // "alert"
		Action  string `json:"action"`
		Message string `json:"message"`
	}
)

// frameDevice feeds the location or photo carried by the current frame to the
// session. Only the read loop touches it.
type frameDevice struct {
	loc   *chat.Location
	photo *device.Photo
}

func (d *frameDevice) CurrentLocation(context.Context) (chat.Location, error) {
	if d.loc == nil {
		return chat.Location{}, chat.ErrPermissionDenied
	}
	loc := *d.loc
	d.loc = nil
	return loc, nil
}

func (d *frameDevice) Pick(context.Context) (device.Photo, error) {
	if d.photo == nil {
		return device.Photo{}, chat.ErrSelectionCancelled
	}
	p := *d.photo
	d.photo = nil
	return p, nil
}

var errBadFrame = errors.New("bad frame")

// dispatch applies one inbound frame to s.
func dispatch(ctx context.Context, s *session.Session, dev *frameDevice, in Inbound) error {
	switch in.Type {
	case FrameText:
		s.OnTextChanged(ctx, in.Text)
		return nil
	case FrameSend:
		return s.Send(ctx)
	case FrameLocation:
		dev.loc = &chat.Location{Latitude: in.Latitude, Longitude: in.Longitude}
		return s.AttachLocation(ctx)
	case FramePhoto:
		data, err := base64.StdEncoding.DecodeString(in.Data)
		if err != nil {
			return fmt.Errorf("%w: photo data: %v", errBadFrame, err)
		}
		if len(data) == 0 {
			return nil
		}
		ct := in.ContentType
		if ct == "" {
			ct = http.DetectContentType(data)
		}
		dev.photo = &device.Photo{Data: data, ContentType: ct}
		if in.Camera {
			return s.AttachFromCamera(ctx)
		}
		return s.AttachFromGallery(ctx)
	default:
		return fmt.Errorf("%w: unknown type %q", errBadFrame, in.Type)
	}
}
