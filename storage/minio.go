package storage

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"audiosplit/config"
	"audiosplit/core/audio"
	"audiosplit/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const sessionPrefix = "sessions/"

// maxPresignExpiry is the longest expiry S3-compatible servers accept for a presigned URL.
const maxPresignExpiry = 7 * 24 * time.Hour

// SessionInfo summarizes the objects stored for one session.
type SessionInfo struct {
	SessionID    string
	Objects      int
	TotalSize    int64
	LastModified time.Time
}

// SegmentStore keeps published segments in a MinIO bucket under sessions/<id>/.
type SegmentStore struct {
	client     *minio.Client
	bucketName string
	urlTTL     time.Duration
}

// NewSegmentStore connects to MinIO and makes sure the bucket exists.
func NewSegmentStore(ctx context.Context, cfg *config.Config) (*SegmentStore, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &SegmentStore{client: client, bucketName: cfg.MinioBucket, urlTTL: PresignExpiry(cfg.ManifestTTL)}
	if err := store.ensureBucket(ctx, cfg.MinioRegion); err != nil {
		return nil, err
	}

	logger.Info("MinIO segment store ready",
		logger.String("endpoint", cfg.MinioEndpoint),
		logger.String("bucket", cfg.MinioBucket))
	return store, nil
}

func (s *SegmentStore) ensureBucket(ctx context.Context, region string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucketName, err)
	}
	if exists {
		return nil
	}

	if err := s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.bucketName, err)
	}
	logger.Info("Created bucket", logger.String("bucket", s.bucketName))
	return nil
}

// PresignExpiry bounds ttl to what PresignedGetObject accepts. A non-positive
// ttl means one hour.
func PresignExpiry(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return time.Hour
	case ttl < time.Second:
		return time.Second
	case ttl > maxPresignExpiry:
		return maxPresignExpiry
	}
	return ttl
}

// Bucket returns the bucket name.
func (s *SegmentStore) Bucket() string {
	return s.bucketName
}

// ObjectKey is the object name of a segment file.
func ObjectKey(sessionID, fileName string) string {
	return path.Join(sessionPrefix+sessionID, fileName)
}

// ContentType guesses the MIME type of a segment from its extension.
func ContentType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".m4a":
		return "audio/mp4"
	case ".ts":
		return "video/MP2T"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// PublishSegment uploads the file straight from disk and returns a presigned GET URL.
func (s *SegmentStore) PublishSegment(ctx context.Context, sessionID string, file audio.SegmentFile) (string, error) {
	key := ObjectKey(sessionID, file.Name)

	_, err := s.client.FPutObject(ctx, s.bucketName, key, file.Path, minio.PutObjectOptions{
		ContentType:  ContentType(file.Name),
		UserMetadata: map[string]string{"session-id": sessionID},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", file.Name))
	u, err := s.client.PresignedGetObject(ctx, s.bucketName, key, s.urlTTL, params)
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return u.String(), nil
}

// DeleteSession removes every object stored for sessionID. A session with no
// objects is not an error.
func (s *SegmentStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.deletePrefix(ctx, sessionPrefix+sessionID+"/")
	return err
}

func (s *SegmentStore) deletePrefix(ctx context.Context, prefix string) (int, error) {
	objectCh := s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var toDelete []minio.ObjectInfo
	for object := range objectCh {
		if object.Err != nil {
			return 0, fmt.Errorf("failed to list %s: %w", prefix, object.Err)
		}
		toDelete = append(toDelete, object)
	}
	if len(toDelete) == 0 {
		return 0, nil
	}

	objectsCh := make(chan minio.ObjectInfo, len(toDelete))
	for _, obj := range toDelete {
		objectsCh <- obj
	}
	close(objectsCh)

	for rmErr := range s.client.RemoveObjects(ctx, s.bucketName, objectsCh, minio.RemoveObjectsOptions{}) {
		if rmErr.Err != nil {
			return 0, fmt.Errorf("failed to remove %s: %w", rmErr.ObjectName, rmErr.Err)
		}
	}
	return len(toDelete), nil
}

// ListSessions groups stored objects by session, newest first.
func (s *SegmentStore) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	objectCh := s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    sessionPrefix,
		Recursive: true,
	})

	bySession := map[string]*SessionInfo{}
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", object.Err)
		}
		id := SessionFromKey(object.Key)
		if id == "" {
			continue
		}
		info, ok := bySession[id]
		if !ok {
			info = &SessionInfo{SessionID: id}
			bySession[id] = info
		}
		info.Objects++
		info.TotalSize += object.Size
		if object.LastModified.After(info.LastModified) {
			info.LastModified = object.LastModified
		}
	}

	sessions := make([]SessionInfo, 0, len(bySession))
	for _, info := range bySession {
		sessions = append(sessions, *info)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastModified.After(sessions[j].LastModified)
	})
	return sessions, nil
}

// PurgeOlderThan deletes sessions whose newest object is older than maxAge.
// It returns the ids of the removed sessions.
func (s *SegmentStore) PurgeOlderThan(ctx context.Context, maxAge time.Duration) ([]string, error) {
	sessions, err := s.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-maxAge)
	var purged []string
	for _, info := range sessions {
		if info.LastModified.After(cutoff) {
			continue
		}
		if err := s.DeleteSession(ctx, info.SessionID); err != nil {
			return purged, err
		}
		purged = append(purged, info.SessionID)
	}
	return purged, nil
}

// SessionFromKey extracts the session id from sessions/<id>/<file>.
func SessionFromKey(key string) string {
	rest, ok := strings.CutPrefix(key, sessionPrefix)
	if !ok {
		return ""
	}
	id, _, found := strings.Cut(rest, "/")
	if !found {
		return ""
	}
	return id
}

// FormatSize renders a byte count with a binary unit.
func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
