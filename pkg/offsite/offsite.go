// Package offsite copies backup artifacts to S3-compatible object storage.
// Upload failures are never fatal: the artifact is already durable on local
// disk by the time this runs.
package offsite

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/types"
)

// Credentials holds S3-compatible endpoint authentication details.
type Credentials struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
	Insecure        bool   `json:"insecure,omitempty"`
}

// ObjectInfo describes a stored artifact copy.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Client wraps a minio client for artifact storage.
type Client struct {
	mc      *minio.Client
	bucket  string
	verbose bool
}

// LoadCredentials reads and validates credentials from a JSON file.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials JSON: %w", err)
	}

	if err := creds.validate(); err != nil {
		return nil, err
	}
	return &creds, nil
}

func (c *Credentials) validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("credentials: endpoint is required")
	}
	if c.AccessKeyID == "" {
		return fmt.Errorf("credentials: access_key_id is required")
	}
	if c.SecretAccessKey == "" {
		return fmt.Errorf("credentials: secret_access_key is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("credentials: bucket is required")
	}
	return nil
}

// New creates a client from the given credentials.
func New(creds *Credentials, verbose bool) (*Client, error) {
	mc, err := minio.New(creds.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKeyID, creds.SecretAccessKey, ""),
		Secure: !creds.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object storage client: %w", err)
	}

	return &Client{mc: mc, bucket: creds.Bucket, verbose: verbose}, nil
}

// Key returns the object key for an artifact: <namespace>/<name>/<filename>.
func Key(artifact *types.BackupArtifact) string {
	return path.Join(artifact.Source.Namespace, artifact.Source.Name, filepath.Base(artifact.Path))
}

// Upload copies the artifact file to the bucket.
func (c *Client) Upload(ctx context.Context, artifact *types.BackupArtifact) error {
	key := Key(artifact)
	c.logf("uploading %s -> s3://%s/%s", artifact.Path, c.bucket, key)

	info, err := c.mc.FPutObject(ctx, c.bucket, key, artifact.Path, minio.PutObjectOptions{
		ContentType: "application/gzip",
		UserMetadata: map[string]string{
			"sha256": artifact.Checksum,
			"kind":   string(artifact.Kind),
		},
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}

	c.logf("uploaded %s (%d bytes)", key, info.Size)
	return nil
}

// Download fetches an artifact copy into destPath.
func (c *Client) Download(ctx context.Context, key, destPath string) error {
	c.logf("downloading s3://%s/%s -> %s", c.bucket, key, destPath)

	if err := c.mc.FGetObject(ctx, c.bucket, key, destPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("downloading %s: %w", key, err)
	}
	return nil
}

// ListByIdentity returns stored artifact copies for one workload, newest
// first.
func (c *Client) ListByIdentity(ctx context.Context, id types.Identity) ([]ObjectInfo, error) {
	prefix := path.Join(id.Namespace, id.Name) + "/"
	c.logf("listing objects with prefix %q in bucket %s", prefix, c.bucket)

	var objects []ObjectInfo
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing objects: %w", obj.Err)
		}
		objects = append(objects, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].LastModified.After(objects[j].LastModified)
	})
	return objects, nil
}

// Rotate keeps the keepLast newest copies for the identity and deletes the
// rest. Returns the deleted keys.
func (c *Client) Rotate(ctx context.Context, id types.Identity, keepLast int) ([]string, error) {
	if keepLast <= 0 {
		return nil, nil
	}

	objects, err := c.ListByIdentity(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(objects) <= keepLast {
		return nil, nil
	}

	var deleted []string
	for _, obj := range objects[keepLast:] {
		if err := c.mc.RemoveObject(ctx, c.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return deleted, fmt.Errorf("rotating %s: %w", obj.Key, err)
		}
		deleted = append(deleted, obj.Key)
	}

	c.logf("rotated %s: kept %d, deleted %d", id, keepLast, len(deleted))
	return deleted, nil
}

func (c *Client) logf(format string, args ...interface{}) {
	if c.verbose {
		log.Printf("[offsite] "+format, args...)
	}
}
