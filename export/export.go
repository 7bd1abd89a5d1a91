// Package export pushes finished run artifacts to S3 so other
// machines in the lab can pull registered meshes without access to
// the GPU host's filesystem. Export is off unless a bucket is
// configured.
package export

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/chsahit/metric-sam3d/appconfig"
)

type s3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader copies run artifacts into a configured S3 bucket.
type Uploader struct {
	client s3Putter
	bucket string
	prefix string
}

// Enabled reports whether exporting is configured.
func Enabled(cfg appconfig.Config) bool {
	return cfg.S3Bucket != ""
}

// New builds an Uploader from the ambient AWS credential chain.
func New(ctx context.Context, cfg appconfig.Config) (*Uploader, error) {
	if !Enabled(cfg) {
		return nil, fmt.Errorf("no export bucket configured")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return &Uploader{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.S3Bucket,
		prefix: cleanPrefix(cfg.S3Prefix),
	}, nil
}

func cleanPrefix(p string) string {
	return strings.Trim(p, "/")
}

// Key returns the object key for a run artifact.
func (u *Uploader) Key(runID, name string) string {
	if u.prefix == "" {
		return path.Join(runID, name)
	}
	return path.Join(u.prefix, runID, name)
}

// UploadFile puts a single local file under the run's key prefix.
func (u *Uploader) UploadFile(ctx context.Context, runID, name, localPath, contentType string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	key := u.Key(runID, name)
	input := &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := u.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return key, nil
}

// UploadRun puts the zipped results and the manifest for a run.
// Returns the uploaded object keys.
func (u *Uploader) UploadRun(ctx context.Context, runID, resultsZip, manifestPath string) ([]string, error) {
	keys := make([]string, 0, 2)

	key, err := u.UploadFile(ctx, runID, "results.zip", resultsZip, "application/zip")
	if err != nil {
		return keys, err
	}
	keys = append(keys, key)

	key, err = u.UploadFile(ctx, runID, "manifest.json", manifestPath, "application/json")
	if err != nil {
		return keys, err
	}
	keys = append(keys, key)

	return keys, nil
}
