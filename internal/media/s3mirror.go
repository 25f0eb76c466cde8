// Package media mirrors inbound WhatsApp attachments to S3 so HighLevel links
// outlive the short-lived GREEN-API download URLs.
package media

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"ghlbridge/config"
	"ghlbridge/internal/adapters/ghl"
	"ghlbridge/internal/models"
	"ghlbridge/pkg/httputil"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxDownloadBytes = 64 << 20

// objectStore is the subset of *s3.Client the mirror uses.
type objectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Ref identifies the message an attachment belongs to.
type Ref struct {
	TenantID   string
	InstanceID models.InstanceID
	ChatID     string
	MessageID  string
}

// Mirror copies attachments into a bucket.
type Mirror struct {
	store     objectStore
	http      *resty.Client
	cfg       config.S3Config
	pathStyle bool
	now       func() time.Time
}

// NewMirror returns nil when mirroring is disabled.
func NewMirror(cfg config.S3Config, timeout time.Duration) (*Mirror, error) {
	if !cfg.Enabled {
		log.Info().Msg("S3 media mirroring disabled")
		return nil, nil
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available - set S3_ACCESS_KEY and S3_SECRET_KEY")
	}

	endpoint := cfg.Endpoint
	// Endpoints sometimes carry the bucket host prefix by mistake.
	if endpoint != "" && strings.Contains(endpoint, cfg.Bucket+".") {
		endpoint = strings.Replace(endpoint, cfg.Bucket+".", "", 1)
		log.Warn().Str("bucket", cfg.Bucket).Str("cleanedEndpoint", endpoint).Msg("Cleaned bucket name from S3 endpoint")
	}
	cfg.Endpoint = endpoint

	// Dotted bucket names break virtual-hosted TLS certificates.
	pathStyle := cfg.PathStyle || strings.Contains(cfg.Bucket, ".")

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	log.Info().Str("bucket", cfg.Bucket).Str("region", cfg.Region).Str("endpoint", endpoint).Msg("S3 client initialized")
	return newMirror(client, cfg, pathStyle, timeout), nil
}

func newMirror(store objectStore, cfg config.S3Config, pathStyle bool, timeout time.Duration) *Mirror {
	return &Mirror{
		store:     store,
		http:      httputil.NewDefaultRestyClient("", timeout).SetHeader("Accept", "*/*"),
		cfg:       cfg,
		pathStyle: pathStyle,
		now:       time.Now,
	}
}

func (m *Mirror) Enabled() bool { return m != nil }

// Key builds the object key of an attachment.
func (m *Mirror) Key(ref Ref, mimeType, fileName string) string {
	chat := strings.NewReplacer("@", "_", ":", "_").Replace(ref.ChatID)
	now := m.now().UTC()
	return fmt.Sprintf("%s/%s/%s/%s/%s/%s%s",
		instancePrefix(ref.TenantID, ref.InstanceID),
		chat,
		now.Format("2006"), now.Format("01"), now.Format("02"),
		ref.MessageID,
		extension(mimeType, fileName),
	)
}

func instancePrefix(tenantID string, id models.InstanceID) string {
	return fmt.Sprintf("tenants/%s/instances/%s", tenantID, id)
}

// MirrorAttachment downloads att and uploads it, returning the attachment
// with its URL replaced by the bucket URL.
func (m *Mirror) MirrorAttachment(ctx context.Context, ref Ref, att ghl.Attachment) (ghl.Attachment, error) {
	resp, err := m.http.R().SetContext(ctx).Get(att.URL)
	if err != nil {
		return att, fmt.Errorf("failed to download attachment: %w", err)
	}
	if resp.IsError() {
		return att, fmt.Errorf("attachment download returned status %d", resp.StatusCode())
	}
	data := resp.Body()
	if len(data) > maxDownloadBytes {
		return att, fmt.Errorf("attachment of %d bytes exceeds mirror limit", len(data))
	}

	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = resp.Header().Get("Content-Type")
	}
	key := m.Key(ref, mimeType, att.FileName)
	if err := m.upload(ctx, key, data, mimeType); err != nil {
		return att, err
	}

	out := att
	out.URL = m.PublicURL(key)
	out.MimeType = mimeType
	return out, nil
}

func (m *Mirror) upload(ctx context.Context, key string, data []byte, mimeType string) error {
	contentType := mimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	input := &s3.PutObjectInput{
		Bucket:       aws.String(m.cfg.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	if m.cfg.RetentionDays > 0 {
		expires := m.now().Add(time.Duration(m.cfg.RetentionDays) * 24 * time.Hour)
		input.Expires = &expires
	}
	if strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "video/") || mimeType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := m.store.PutObject(ctx, input); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("key", key).Str("bucket", m.cfg.Bucket).Int("size", len(data)).Msg("Failed to upload file to S3")
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	zerolog.Ctx(ctx).Info().Str("key", key).Str("bucket", m.cfg.Bucket).Int("size", len(data)).Msg("File successfully uploaded to S3")
	return nil
}

// PublicURL is the address HighLevel will fetch the object from.
func (m *Mirror) PublicURL(key string) string {
	if m.cfg.PublicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(m.cfg.PublicURL, "/"), m.cfg.Bucket, key)
	}
	endpoint := m.cfg.Endpoint
	if endpoint == "" || strings.Contains(endpoint, "amazonaws.com") {
		if m.pathStyle {
			return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", m.cfg.Region, m.cfg.Bucket, key)
		}
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", m.cfg.Bucket, m.cfg.Region, key)
	}
	if m.pathStyle {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(endpoint, "/"), m.cfg.Bucket, key)
	}
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	return fmt.Sprintf("https://%s.%s/%s", m.cfg.Bucket, strings.TrimRight(host, "/"), key)
}

// DeleteInstanceObjects removes everything mirrored for an instance.
func (m *Mirror) DeleteInstanceObjects(ctx context.Context, tenantID string, id models.InstanceID) error {
	prefix := instancePrefix(tenantID, id) + "/"
	var (
		batch   []types.ObjectIdentifier
		token   *string
		deleted int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		_, err := m.store.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(m.cfg.Bucket),
			Delete: &types.Delete{Objects: batch},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects for instance %s: %w", id, err)
		}
		deleted += len(batch)
		batch = nil
		return nil
	}

	for {
		out, err := m.store.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(m.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("failed to list objects for instance %s: %w", id, err)
		}
		for _, obj := range out.Contents {
			batch = append(batch, types.ObjectIdentifier{Key: obj.Key})
			// DeleteObjects accepts at most 1000 keys.
			if len(batch) == 1000 {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	if err := flush(); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().Str("tenantID", tenantID).Str("instanceID", id.String()).Int("deleted", deleted).Msg("Instance media removed from S3")
	return nil
}

func extension(mimeType, fileName string) string {
	if ext := path.Ext(fileName); ext != "" && len(ext) <= 6 {
		return strings.ToLower(ext)
	}
	switch {
	case strings.Contains(mimeType, "jpeg"), strings.Contains(mimeType, "jpg"):
		return ".jpg"
	case strings.Contains(mimeType, "png"):
		return ".png"
	case strings.Contains(mimeType, "gif"):
		return ".gif"
	case strings.Contains(mimeType, "webp"):
		return ".webp"
	case strings.Contains(mimeType, "mp4"):
		return ".mp4"
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "opus"):
		return ".opus"
	case strings.Contains(mimeType, "pdf"):
		return ".pdf"
	case strings.Contains(mimeType, "docx"):
		return ".docx"
	case strings.Contains(mimeType, "doc"):
		return ".doc"
	}
	return ".bin"
}
