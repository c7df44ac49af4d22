// Package storage uploads user media to the object store and enforces
// per-plan storage quotas.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/plaza-social/plaza/internal/config"
	"github.com/plaza-social/plaza/internal/database"
	"github.com/plaza-social/plaza/internal/logging"
	"github.com/plaza-social/plaza/supabase/client"
)

var (
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrTooLarge      = errors.New("file exceeds the upload size limit")
	ErrEmptyFile     = errors.New("file is empty")
	ErrNotOwner      = errors.New("object belongs to another user")
	ErrUnavailable   = errors.New("object storage is not configured")
)

// QuotaError reports the usage that blocked an upload.
type QuotaError struct {
	Used  int64
	Limit int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("storage quota exceeded: %d of %d bytes used", e.Used, e.Limit)
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ObjectStore holds object bytes.
type ObjectStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	Delete(ctx context.Context, path string) error
	PublicURL(path string) string
}

// Store is the persistence the service needs.
type Store interface {
	database.StorageRepository
	GetProfile(ctx context.Context, id string) (*database.Profile, error)
}

// Usage is a user's quota position.
type Usage struct {
	Plan       string `json:"plan"`
	UsedBytes  int64  `json:"used_bytes"`
	QuotaBytes int64  `json:"quota_bytes"`
	Objects    int    `json:"objects"`
}

// Object is a stored object with its public URL.
type Object struct {
	database.StorageObject
	URL string `json:"url"`
}

// Service implements uploads and quota accounting.
type Service struct {
	store   Store
	objects ObjectStore
	bucket  string
	econ    config.Economy
	log     *logging.Logger

	// Serializes quota checks per user within this process only. Replicas
	// racing on the same user rely on the database to hold the line.
	locks sync.Map
}

// New creates the service.
func New(store Store, objects ObjectStore, bucket string, econ config.Economy, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Default()
	}
	return &Service{store: store, objects: objects, bucket: bucket, econ: econ, log: log}
}

func (s *Service) Name() string { return "storage" }

// QuotaFor returns the quota for a plan, falling back to the free tier.
func (s *Service) QuotaFor(plan string) int64 {
	if q, ok := s.econ.StorageTiers[plan]; ok {
		return q
	}
	return s.econ.StorageTiers["free"]
}

// Usage reports how much of the quota userID has used.
func (s *Service) Usage(ctx context.Context, userID string) (*Usage, error) {
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	objects, err := s.store.ListStorageObjects(ctx, userID)
	if err != nil {
		return nil, err
	}
	var used int64
	for _, o := range objects {
		used += o.SizeBytes
	}
	plan := profile.Plan
	if plan == "" {
		plan = "free"
	}
	return &Usage{Plan: plan, UsedBytes: used, QuotaBytes: s.QuotaFor(plan), Objects: len(objects)}, nil
}

// Upload stores data for userID if it fits in the remaining quota.
func (s *Service) Upload(ctx context.Context, userID, name, contentType string, data []byte) (*Object, error) {
	if s.objects == nil {
		return nil, ErrUnavailable
	}
	size := int64(len(data))
	if size == 0 {
		return nil, ErrEmptyFile
	}
	if s.econ.MaxUploadBytes > 0 && size > s.econ.MaxUploadBytes {
		return nil, ErrTooLarge
	}

	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	used, err := s.store.StorageUsage(ctx, userID)
	if err != nil {
		return nil, err
	}
	if limit := s.QuotaFor(profile.Plan); used+size > limit {
		return nil, &QuotaError{Used: used, Limit: limit}
	}

	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	objectPath := userID + "/" + uuid.NewString() + "-" + sanitize(name)
	if err := s.objects.Upload(ctx, objectPath, data, contentType); err != nil {
		return nil, fmt.Errorf("upload object: %w", err)
	}

	rec, err := s.store.InsertStorageObject(ctx, &database.StorageObject{
		OwnerID:     userID,
		Bucket:      s.bucket,
		Path:        objectPath,
		ContentType: contentType,
		SizeBytes:   size,
	})
	if err != nil {
		if derr := s.objects.Delete(context.WithoutCancel(ctx), objectPath); derr != nil {
			s.log.WithContext(ctx).WithError(derr).WithField("path", objectPath).Warn("failed to remove unrecorded object")
		}
		return nil, fmt.Errorf("record object: %w", err)
	}

	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"object_id": rec.ID,
		"bytes":     size,
	}).Debug("object uploaded")
	return &Object{StorageObject: *rec, URL: s.objects.PublicURL(objectPath)}, nil
}

// Delete removes one of the user's objects.
func (s *Service) Delete(ctx context.Context, userID, objectID string) error {
	obj, err := s.store.GetStorageObject(ctx, objectID)
	if err != nil {
		return err
	}
	if obj.OwnerID != userID {
		return ErrNotOwner
	}
	if s.objects == nil {
		return ErrUnavailable
	}
	if err := s.objects.Delete(ctx, obj.Path); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return s.store.DeleteStorageObject(ctx, objectID)
}

// List returns the user's objects with their URLs, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]Object, error) {
	rows, err := s.store.ListStorageObjects(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Object, 0, len(rows))
	for _, r := range rows {
		o := Object{StorageObject: r}
		if s.objects != nil {
			o.URL = s.objects.PublicURL(r.Path)
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *Service) userLock(userID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(userID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func sanitize(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Trim(unsafeName.ReplaceAllString(name, "_"), "._")
	if name == "" {
		return "file"
	}
	if len(name) > 100 {
		name = name[len(name)-100:]
	}
	return name
}

// BucketStore adapts a hosted storage bucket to ObjectStore.
type BucketStore struct {
	Bucket *client.BucketClient
}

func (b BucketStore) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	_, err := b.Bucket.Upload(ctx, path, data, contentType, false)
	return err
}

func (b BucketStore) Delete(ctx context.Context, path string) error {
	_, err := b.Bucket.Delete(ctx, []string{path})
	return err
}

func (b BucketStore) PublicURL(path string) string { return b.Bucket.GetPublicURL(path) }
