package gauchebuild

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Options configure access to an S3-compatible mirror. Empty fields fall
// back to the SDK's default credential and region chain.
type S3Options struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// S3Mirror is a checksum-keyed mirror stored in an S3-compatible bucket.
type S3Mirror struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

// parseS3URL splits s3://bucket/prefix.
func parseS3URL(raw string) (bucket, prefix string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid mirror URL %q: %w", raw, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid mirror URL %q: expected s3://bucket[/prefix]", raw)
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}

// NewS3Mirror initializes an S3 client for rawURL.
func NewS3Mirror(ctx context.Context, rawURL string, opt S3Options) (*S3Mirror, error) {
	bucket, prefix, err := parseS3URL(rawURL)
	if err != nil {
		return nil, err
	}

	var options []func(*config.LoadOptions) error
	if opt.Region != "" {
		options = append(options, config.WithRegion(opt.Region))
	} else if opt.Endpoint != "" {
		options = append(options, config.WithRegion("auto"))
	}
	if opt.AccessKey != "" && opt.SecretKey != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opt.AccessKey, opt.SecretKey, "")))
	}
	if debugEnabled() {
		options = append(options, config.WithClientLogMode(aws.LogRetries|aws.LogRequest))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opt.Endpoint != "" {
			o.BaseEndpoint = aws.String(opt.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Mirror{Client: client, Bucket: bucket, Prefix: prefix}, nil
}

func (m *S3Mirror) key(checksum string) string {
	if m.Prefix == "" {
		return checksum
	}
	return path.Join(m.Prefix, checksum)
}

// Has reports whether the object for checksum exists.
func (m *S3Mirror) Has(ctx context.Context, checksum string) (bool, error) {
	_, err := m.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    aws.String(m.key(checksum)),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	var noKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noKey) {
		return false, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	debugf("s3 HeadObject %s/%s: %v", m.Bucket, m.key(checksum), err)
	return false, nil
}

// Download fetches the object for checksum into dest.
func (m *S3Mirror) Download(ctx context.Context, checksum, dest string) error {
	output, err := m.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    aws.String(m.key(checksum)),
	})
	if err != nil {
		return fmt.Errorf("failed to get s3://%s/%s: %w", m.Bucket, m.key(checksum), err)
	}
	defer output.Body.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, output.Body); err != nil {
		out.Close()
		_ = os.Remove(dest)
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return out.Close()
}

// Upload stores the file at path under checksum.
func (m *S3Mirror) Upload(ctx context.Context, checksum, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	_, err = m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.Bucket),
		Key:           aws.String(m.key(checksum)),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", filePath, err)
	}
	return nil
}

// Keys lists the checksums already present under the mirror prefix.
func (m *S3Mirror) Keys(ctx context.Context) (map[string]bool, error) {
	prefix := m.Prefix
	if prefix != "" {
		prefix += "/"
	}
	keys := make(map[string]bool)
	paginator := s3.NewListObjectsV2Paginator(m.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", m.Bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			keys[strings.TrimPrefix(aws.ToString(obj.Key), prefix)] = true
		}
	}
	return keys, nil
}

// PushResult summarizes one mirror push.
type PushResult struct {
	Uploaded []string
	Skipped  []string
}

// PushCache uploads every archive in cacheDir that the mirror lacks.
func PushCache(ctx context.Context, m *S3Mirror, cacheDir string, out io.Writer) (*PushResult, error) {
	entries, err := filepath.Glob(filepath.Join(cacheDir, "*"+archiveSuffix))
	if err != nil {
		return nil, err
	}
	existing, err := m.Keys(ctx)
	if err != nil {
		return nil, err
	}

	res := &PushResult{}
	for _, p := range entries {
		sum, err := ComputeChecksum(p)
		if err != nil {
			return res, err
		}
		name := filepath.Base(p)
		if existing[sum] {
			res.Skipped = append(res.Skipped, name)
			debugf("%s already mirrored as %s", name, sum)
			continue
		}
		arrowf(out, colInfo, "Uploading %s as %s\n", name, sum)
		if err := m.Upload(ctx, sum, p); err != nil {
			return res, err
		}
		res.Uploaded = append(res.Uploaded, name)
	}
	return res, nil
}
