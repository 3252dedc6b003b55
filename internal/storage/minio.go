// Package storage persists incident artifacts to S3-compatible object
// storage at deterministic keys, so every write is idempotent and a re-run
// of the same incident lands at the same addresses. Callers receive full
// URLs that stay valid whether the backend is a local emulator or a
// production object store.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/internal/metrics"
	"github.com/telhawk-systems/telhawk-triage/internal/model"
)

// Store writes artifacts and returns their locators.
type Store interface {
	// PutRaw stores one source type's raw evidence for an incident.
	PutRaw(ctx context.Context, inc model.Incident, sourceType model.SourceType, data []byte) (model.ArtifactRef, error)

	// PutAnalysis stores the incident's analysis result.
	PutAnalysis(ctx context.Context, inc model.Incident, result *model.AnalysisResult) (model.ArtifactRef, error)

	// PutDescriptor stores the artifact descriptor binding an incident to
	// its stored artifacts.
	PutDescriptor(ctx context.Context, desc *model.ArtifactDescriptor) (model.ArtifactRef, error)
}

// Error is a failed artifact write. Writes are idempotent, so callers may
// retry the same put without risk of duplication.
type Error struct {
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage write failed for %s: %v", e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config holds object storage connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool

	// Timeout bounds each object write; zero leaves the caller's context
	// as the only bound.
	Timeout time.Duration

	// PublicURL overrides the base URL used in returned locators. Empty
	// derives http(s)://{endpoint} from the connection settings.
	PublicURL string
}

// MinioStore is the S3-compatible Store implementation.
type MinioStore struct {
	client  *minio.Client
	bucket  string
	baseURL string
	timeout time.Duration
	logger  *logging.Logger
}

// New connects to the object store and ensures the artifact bucket exists.
func New(ctx context.Context, cfg Config, logger *logging.Logger) (*MinioStore, error) {
	if logger == nil {
		logger = logging.Default()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("artifact bucket created", "bucket", cfg.Bucket)
	}

	baseURL := strings.TrimRight(cfg.PublicURL, "/")
	if baseURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
	}

	return &MinioStore{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: baseURL,
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

// URLFor returns the externally usable locator for an object key.
func (s *MinioStore) URLFor(key string) string {
	return fmt.Sprintf("%s/%s/%s", s.baseURL, s.bucket, key)
}

// Ping verifies the artifact bucket is still reachable, for readiness probes.
func (s *MinioStore) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket probe failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("bucket %s missing", s.bucket)
	}
	return nil
}

func (s *MinioStore) PutRaw(ctx context.Context, inc model.Incident, sourceType model.SourceType, data []byte) (model.ArtifactRef, error) {
	return s.put(ctx, RawKey(inc, sourceType), string(sourceType), data)
}

func (s *MinioStore) PutAnalysis(ctx context.Context, inc model.Incident, result *model.AnalysisResult) (model.ArtifactRef, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return model.ArtifactRef{}, &Error{Key: AnalysisKey(inc), Err: err}
	}
	return s.put(ctx, AnalysisKey(inc), analysisArtifact, data)
}

func (s *MinioStore) PutDescriptor(ctx context.Context, desc *model.ArtifactDescriptor) (model.ArtifactRef, error) {
	key := DescriptorKey(desc.CompanyID, desc.Env, desc.IncidentID)
	data, err := json.Marshal(desc)
	if err != nil {
		return model.ArtifactRef{}, &Error{Key: key, Err: err}
	}
	return s.put(ctx, key, descriptorArtifact, data)
}

func (s *MinioStore) put(ctx context.Context, key, artifact string, data []byte) (model.ArtifactRef, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	began := time.Now()
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	metrics.StorageDuration.Observe(time.Since(began).Seconds())

	if err != nil {
		metrics.StorageErrors.Inc()
		s.logger.Error("artifact write failed",
			"key", key,
			logging.Duration(time.Since(began)),
			logging.Error(err))
		return model.ArtifactRef{}, &Error{Key: key, Err: err}
	}

	metrics.StorageBytes.WithLabelValues(artifact).Add(float64(len(data)))
	s.logger.Debug("artifact stored",
		"key", key,
		"bytes", len(data),
		logging.Duration(time.Since(began)))

	return model.ArtifactRef{
		Key:   key,
		URL:   s.URLFor(key),
		Bytes: int64(len(data)),
	}, nil
}
