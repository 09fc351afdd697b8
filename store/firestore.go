package store

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore persists document content in Cloud Firestore. Document paths
// are escaped to form Firestore document IDs, since paths may contain
// slashes. It owns the client and closes it on Close.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// FirestoreOption configures a FirestoreStore.
type FirestoreOption func(*FirestoreStore)

// WithFirestoreCollection overrides the collection name. The default is
// "documents".
func WithFirestoreCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) { s.collection = name }
}

// NewFirestoreStore wraps an existing client.
func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	s := &FirestoreStore{client: client, collection: "documents"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *FirestoreStore) docRef(path string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(url.PathEscape(path))
}

func (s *FirestoreStore) Load(ctx context.Context, path string) (*DocumentInfo, error) {
	snap, err := s.docRef(path).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", path, err)
	}
	return snapshotToDocInfo(snap), nil
}

func snapshotToDocInfo(snap *firestore.DocumentSnapshot) *DocumentInfo {
	data := snap.Data()
	path, _ := data["path"].(string)
	content, _ := data["content"].(string)
	updatedBy, _ := data["updatedBy"].(string)
	createdAt, _ := data["createdAt"].(time.Time)
	updatedAt, _ := data["updatedAt"].(time.Time)
	return &DocumentInfo{
		Path:      path,
		Content:   content,
		UpdatedBy: updatedBy,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
}

func (s *FirestoreStore) Persist(ctx context.Context, path, content, userID string) error {
	now := time.Now().UTC()
	_, err := s.docRef(path).Create(ctx, map[string]interface{}{
		"path":      path,
		"content":   content,
		"updatedBy": userID,
		"createdAt": now,
		"updatedAt": now,
	})
	if err == nil {
		return nil
	}
	if status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("persist %q: %w", path, err)
	}
	_, err = s.docRef(path).Update(ctx, []firestore.Update{
		{Path: "content", Value: content},
		{Path: "updatedBy", Value: userID},
		{Path: "updatedAt", Value: now},
	})
	if err != nil {
		return fmt.Errorf("persist %q: %w", path, err)
	}
	return nil
}

func (s *FirestoreStore) List(ctx context.Context) ([]DocumentInfo, error) {
	iter := s.client.Collection(s.collection).OrderBy("path", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var out []DocumentInfo
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list documents: %w", err)
		}
		out = append(out, *snapshotToDocInfo(snap))
	}
	return out, nil
}

func (s *FirestoreStore) Ping(ctx context.Context) error {
	iter := s.client.Collection(s.collection).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && err != iterator.Done {
		return fmt.Errorf("ping firestore: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
