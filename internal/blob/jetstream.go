package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamStore keeps objects in a NATS JetStream object store bucket. Public
// URLs point at PublicBase, where the gateway serves the bucket.
type JetStreamStore struct {
	conn       *nats.Conn
	js         jetstream.JetStream
	store      jetstream.ObjectStore
	bucketName string
	publicBase string
}

func NewJetStreamStore(natsURL, bucketName, publicBase string) (*JetStreamStore, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return &JetStreamStore{
		conn:       conn,
		js:         js,
		bucketName: bucketName,
		publicBase: strings.TrimRight(publicBase, "/"),
	}, nil
}

// Init opens the bucket, creating it on first use.
func (s *JetStreamStore) Init(ctx context.Context) error {
	store, err := s.js.ObjectStore(ctx, s.bucketName)
	if err == nil {
		s.store = store
		return nil
	}
	store, err = s.js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      s.bucketName,
		Description: "chat attachments and avatars",
	})
	if err != nil {
		return fmt.Errorf("create object store bucket: %w", err)
	}
	s.store = store
	return nil
}

func (s *JetStreamStore) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	meta := jetstream.ObjectMeta{
		Name:    key,
		Headers: nats.Header{"Content-Type": []string{contentType}},
	}
	if _, err := s.store.Put(ctx, meta, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("store object: %w", err)
	}
	return nil
}

func (s *JetStreamStore) PublicURL(key string) string {
	return s.publicBase + "/files/" + url.PathEscape(key)
}

func (s *JetStreamStore) Get(ctx context.Context, key string) ([]byte, *ObjectInfo, error) {
	result, err := s.store.Get(ctx, key)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get object: %w", err)
	}
	defer result.Close()

	data, err := io.ReadAll(result)
	if err != nil {
		return nil, nil, fmt.Errorf("read object: %w", err)
	}
	info, err := result.Info()
	if err != nil {
		return nil, nil, fmt.Errorf("object info: %w", err)
	}
	return data, &ObjectInfo{
		Name:        info.Name,
		Size:        info.Size,
		ContentType: contentType(info.Headers),
		ModTime:     info.ModTime,
	}, nil
}

func contentType(h nats.Header) string {
	if h != nil {
		if ct := h.Get("Content-Type"); ct != "" {
			return ct
		}
	}
	return "application/octet-stream"
}

func (s *JetStreamStore) IsConnected() bool {
	return s.conn != nil && s.conn.IsConnected()
}

func (s *JetStreamStore) Close() error {
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}
