// Package uploader transfers provider outputs into artifact storage.
// Upstream result URLs are short-lived, so outputs are copied into the
// bucket before the task is concluded and only the stored URL is persisted.
package uploader

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"atelier/internal/storage"
	"atelier/pkg/logging"
	"atelier/pkg/models"
)

// Request describes one output artifact to capture.
type Request struct {
	AccountID    string
	TaskType     models.TaskType
	TaskID       string
	Index        int
	SourceURL    string
	ResourceType models.ResourceType
}

// Uploader downloads provider outputs and stores them in the bucket.
type Uploader struct {
	s3     *storage.S3Client
	client *resty.Client
	logger logging.Logger
}

// New creates an Uploader.
func New(s3 *storage.S3Client, timeout time.Duration, logger logging.Logger) *Uploader {
	client := resty.New().SetTimeout(timeout)
	client.SetLogger(logger)
	return &Uploader{s3: s3, client: client, logger: logger}
}

// Upload streams the artifact from its source URL into the bucket and
// returns the stored URL. Each attempt writes under a fresh random filename,
// so retried uploads never clobber an object another attempt already wrote.
func (u *Uploader) Upload(ctx context.Context, req Request) (string, error) {
	resp, err := u.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(req.SourceURL)
	if err != nil {
		return "", fmt.Errorf("download artifact: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() >= 400 {
		return "", fmt.Errorf("download artifact: source returned status %d", resp.StatusCode())
	}

	contentType := resp.Header().Get("Content-Type")
	ext := deriveExtension(req.SourceURL, contentType, req.ResourceType)
	if contentType == "" {
		contentType = mime.TypeByExtension(ext)
	}

	filename := fmt.Sprintf("%s_%s_%d_%s%s", req.TaskType, req.TaskID, req.Index, randomSuffix(), ext)
	key := fmt.Sprintf("%s/%s/%s/%s", req.AccountID, req.TaskType, req.TaskID, filename)

	storedURL, err := u.s3.Put(ctx, key, body, contentType)
	if err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}

	u.logger.WithFields(logging.Fields{
		"task_id": req.TaskID,
		"index":   req.Index,
		"key":     key,
	}).Info("Captured task artifact")

	return storedURL, nil
}

// Remove deletes a previously captured artifact, used to clean up objects
// orphaned when a concurrent concluder wins the completion gate. Stored URLs
// outside the bucket are ignored.
func (u *Uploader) Remove(ctx context.Context, storedURL string) error {
	key, ok := u.s3.KeyFromStoredURL(storedURL)
	if !ok {
		return nil
	}
	return u.s3.Delete(ctx, key)
}

// contentTypeExt maps the media types upstream services actually send to the
// extension we want on disk. mime.ExtensionsByType is avoided here because
// its answers vary by platform (audio/mpeg can come back .mpga).
var contentTypeExt = map[string]string{
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"audio/mpeg": ".mp3",
	"audio/wav":  ".wav",
	"audio/ogg":  ".ogg",
}

var resourceExt = map[models.ResourceType]string{
	models.ResourceVideo:   ".mp4",
	models.ResourceImage:   ".jpg",
	models.ResourceAudio:   ".mp3",
	models.ResourceModel3D: ".obj",
}

// deriveExtension picks a filename extension: URL path first, then the
// response media type, then the resource type default.
func deriveExtension(sourceURL, contentType string, resourceType models.ResourceType) string {
	if parsed, err := url.Parse(sourceURL); err == nil {
		if ext := path.Ext(parsed.Path); ext != "" && len(ext) <= 5 {
			return strings.ToLower(ext)
		}
	}

	if contentType != "" {
		if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
			if ext, ok := contentTypeExt[mediaType]; ok {
				return ext
			}
		}
	}

	if ext, ok := resourceExt[resourceType]; ok {
		return ext
	}
	return ".bin"
}

func randomSuffix() string {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%010d", time.Now().UnixNano()%1e10)
	}
	return hex.EncodeToString(b)
}
