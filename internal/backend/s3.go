package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/openviking/openviking/internal/errs"
)

// S3Config holds the settings for an S3-compatible backend.
type S3Config struct {
	Bucket    string `json:"bucket" yaml:"bucket"`
	Prefix    string `json:"prefix" yaml:"prefix"`
	Region    string `json:"region" yaml:"region"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	// UsePathStyle is required by most S3-compatible object stores.
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// S3 is an object-store Backend over an S3-compatible bucket. Directories
// are emulated: a zero-byte "<dir>/.keep" marker pins empty directories,
// and any key under a prefix makes the prefix a directory.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 builds an S3 backend from config. Static credentials take
// precedence over the default credential chain.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errs.Ef(errs.CodeInvalidArgument, "s3 backend requires a bucket")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errs.E(errs.CodeUnavailable, "load aws config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

const dirMarker = ".keep"

func (b *S3) key(p string) string {
	p = strings.Trim(p, "/")
	if b.prefix == "" {
		return p
	}
	if p == "" {
		return b.prefix
	}
	return b.prefix + "/" + p
}

func (b *S3) mapErr(op, p string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "NotFound") || strings.Contains(msg, "404") {
		return errs.Ef(errs.CodeNotFound, "%s: %s not found", op, p)
	}
	if strings.Contains(msg, "AccessDenied") {
		return errs.E(errs.CodePermissionDenied, fmt.Sprintf("%s %s", op, p), err)
	}
	return errs.E(errs.CodeUnavailable, fmt.Sprintf("%s %s", op, p), err)
}

// ReadBytes downloads the object at path.
func (b *S3) ReadBytes(ctx context.Context, p string) ([]byte, error) {
	if err := ValidateRelPath(p); err != nil {
		return nil, err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
	})
	if err != nil {
		return nil, b.mapErr("read", p, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errs.E(errs.CodeUnavailable, fmt.Sprintf("read body %s", p), err)
	}
	return data, nil
}

// WriteBytes uploads the object. S3 PUTs are atomic per key.
func (b *S3) WriteBytes(ctx context.Context, p string, data []byte) error {
	if err := ValidateRelPath(p); err != nil {
		return err
	}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
		Body:   bytes.NewReader(data),
	})
	return b.mapErr("write", p, err)
}

// listKeys returns every key under prefix (recursive).
func (b *S3) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, b.mapErr("list", prefix, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}

// Delete removes the object at path, or every object under it when path
// names a directory prefix.
func (b *S3) Delete(ctx context.Context, p string) error {
	if err := ValidateRelPath(p); err != nil {
		return err
	}
	key := b.key(p)
	keys, err := b.listKeys(ctx, key)
	if err != nil {
		return err
	}
	var targets []string
	for _, k := range keys {
		if k == key || strings.HasPrefix(k, key+"/") {
			targets = append(targets, k)
		}
	}
	if len(targets) == 0 {
		return errs.Ef(errs.CodeNotFound, "delete: %s not found", p)
	}
	for _, k := range targets {
		if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(k),
		}); err != nil {
			return b.mapErr("delete", k, err)
		}
	}
	return nil
}

// List returns the direct children of a directory prefix.
func (b *S3) List(ctx context.Context, p string) ([]Entry, error) {
	if err := ValidateRelPath(p); err != nil {
		return nil, err
	}
	prefix := b.key(p)
	if prefix != "" {
		prefix += "/"
	}
	var entries []Entry
	var token *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, b.mapErr("list", p, err)
		}
		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			entries = append(entries, Entry{Name: name, IsDir: true})
		}
		for _, obj := range out.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" || name == dirMarker {
				continue
			}
			entry := Entry{Name: name, Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				entry.ModTime = *obj.LastModified
			}
			entries = append(entries, entry)
		}
		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	return entries, nil
}

// Stat describes path, treating any populated prefix as a directory.
func (b *S3) Stat(ctx context.Context, p string) (Info, error) {
	if err := ValidateRelPath(p); err != nil {
		return Info{}, err
	}
	key := b.key(p)
	if key != "" {
		head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			info := Info{Name: lastSegment(p), Size: aws.ToInt64(head.ContentLength)}
			if head.LastModified != nil {
				info.ModTime = *head.LastModified
			}
			return info, nil
		}
	}
	// Not an object: check for keys under the prefix.
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(key + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return Info{}, b.mapErr("stat", p, err)
	}
	if aws.ToInt32(out.KeyCount) == 0 && key != "" {
		return Info{}, errs.Ef(errs.CodeNotFound, "stat: %s not found", p)
	}
	return Info{Name: lastSegment(p), IsDir: true}, nil
}

// Mkdir writes a directory marker object.
func (b *S3) Mkdir(ctx context.Context, p string, existOK bool) error {
	if err := ValidateRelPath(p); err != nil {
		return err
	}
	if info, err := b.Stat(ctx, p); err == nil {
		if !info.IsDir {
			return errs.Ef(errs.CodeAlreadyExists, "mkdir: %s exists and is a file", p)
		}
		if !existOK {
			return errs.Ef(errs.CodeAlreadyExists, "mkdir: %s already exists", p)
		}
		return nil
	}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p) + "/" + dirMarker),
		Body:   bytes.NewReader(nil),
	})
	return b.mapErr("mkdir", p, err)
}

// Move copies every object under src to the dst prefix, then deletes the
// originals. Not atomic across keys; VikingFS wraps moves in a
// transaction for rollback.
func (b *S3) Move(ctx context.Context, src, dst string) error {
	if err := ValidateRelPath(src); err != nil {
		return err
	}
	if err := ValidateRelPath(dst); err != nil {
		return err
	}
	if _, err := b.Stat(ctx, dst); err == nil {
		return errs.Ef(errs.CodeAlreadyExists, "move: %s already exists", dst)
	}
	srcKey, dstKey := b.key(src), b.key(dst)
	keys, err := b.listKeys(ctx, srcKey)
	if err != nil {
		return err
	}
	var moved []string
	for _, k := range keys {
		if k != srcKey && !strings.HasPrefix(k, srcKey+"/") {
			continue
		}
		target := dstKey + strings.TrimPrefix(k, srcKey)
		if _, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(b.bucket),
			CopySource: aws.String(b.bucket + "/" + k),
			Key:        aws.String(target),
		}); err != nil {
			// Undo copies already made.
			for _, m := range moved {
				_, _ = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
					Bucket: aws.String(b.bucket),
					Key:    aws.String(m),
				})
			}
			return b.mapErr("move", k, err)
		}
		moved = append(moved, target)
	}
	if len(moved) == 0 {
		return errs.Ef(errs.CodeNotFound, "move: %s not found", src)
	}
	return b.Delete(ctx, src)
}

func lastSegment(p string) string {
	p = strings.Trim(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}
