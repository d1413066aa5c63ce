package s3

import (
	"context"
	"errors"
	"path"
	"time"
)

// Mirror keeps copies of stored containers under a key prefix in one bucket.
type Mirror struct {
	Client *Client
	Bucket string
	Prefix string
}

// Key returns the object key for a stored name.
func (m *Mirror) Key(storedName string) string {
	return path.Join(m.Prefix, storedName)
}

// Put uploads the file and returns the key it was stored under.
func (m *Mirror) Put(ctx context.Context, storedName, filePath, sha256Hex string) (string, error) {
	if m == nil || m.Client == nil {
		return "", errors.New("s3 mirror not configured")
	}
	key := m.Key(storedName)
	if err := m.Client.PutFile(ctx, m.Bucket, key, filePath, sha256Hex); err != nil {
		return "", err
	}
	return key, nil
}

// Remove deletes a mirrored copy.
func (m *Mirror) Remove(ctx context.Context, key string) error {
	if m == nil || m.Client == nil {
		return errors.New("s3 mirror not configured")
	}
	return m.Client.DeleteObject(ctx, m.Bucket, key)
}

// URL returns a presigned download URL for key.
func (m *Mirror) URL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if m == nil || m.Client == nil {
		return "", errors.New("s3 mirror not configured")
	}
	return m.Client.PresignGet(ctx, m.Bucket, key, ttl)
}
