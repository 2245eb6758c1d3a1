package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type s3Store struct {
	client *s3.Client
	bucket string
	prefix string
	id     string
}

func openS3(id string, cfg S3Config) (Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	opts = append(opts, awsconfig.WithRegion(region))
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("cannot load s3 configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // custom endpoints are usually minio-style
		}
	})

	return &s3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		id:     id,
	}, nil
}

func (s *s3Store) key(name string) string {
	name = strings.Trim(path.Clean("/"+name), "/")
	if s.prefix == "" {
		return name
	}
	if name == "" {
		return s.prefix
	}
	return s.prefix + "/" + name
}

func (s *s3Store) ReadDir(name string, filter Filter) ([]fs.FileInfo, error) {
	prefix := s.key(name)
	if prefix != "" {
		prefix += "/"
	}
	var infos []fs.FileInfo
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.Background())
		if err != nil {
			return nil, s.mapErr(name, err)
		}
		for _, cp := range page.CommonPrefixes {
			folder := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			fi := simpleInfo{name: folder, isDir: true}
			if filter.match(fi) {
				infos = append(infos, fi)
			}
		}
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if rel == "" {
				continue // the directory marker itself
			}
			fi := simpleInfo{name: rel, size: aws.ToInt64(obj.Size), modTime: aws.ToTime(obj.LastModified)}
			if filter.match(fi) {
				infos = append(infos, fi)
			}
		}
		if filter.MaxResults > 0 && len(infos) >= filter.MaxResults {
			infos = infos[:filter.MaxResults]
			break
		}
	}
	return infos, nil
}

func (s *s3Store) Read(name string, rang *Range, dst io.Writer, progress chan int64) error {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	}
	if rang != nil {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rang.From, rang.To-1))
	}
	out, err := s.client.GetObject(context.Background(), input)
	if err != nil {
		return s.mapErr(name, err)
	}
	defer out.Body.Close()
	return copyWithProgress(dst, out.Body, progress)
}

func (s *s3Store) Write(name string, src io.Reader, progress chan int64) error {
	// PutObject wants a seekable body for signing, so stage in memory.
	var buf bytes.Buffer
	if err := copyWithProgress(&buf, src, progress); err != nil {
		return err
	}
	_, err := s.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(name)),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(int64(buf.Len())),
	})
	return s.mapErr(name, err)
}

func (s *s3Store) Stat(name string) (fs.FileInfo, error) {
	out, err := s.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return nil, s.mapErr(name, err)
	}
	return simpleInfo{
		name:    path.Base(name),
		size:    aws.ToInt64(out.ContentLength),
		modTime: aws.ToTime(out.LastModified),
	}, nil
}

func (s *s3Store) Delete(name string) error {
	// S3 DeleteObject succeeds on absent keys, matching the Store contract.
	_, err := s.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	return s.mapErr(name, err)
}

func (s *s3Store) ID() string     { return s.id }
func (s *s3Store) String() string { return fmt.Sprintf("s3 bucket %s/%s", s.bucket, s.prefix) }
func (s *s3Store) Close() error   { return nil }

func (s *s3Store) mapErr(name string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout":
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return err
	}
	// non-API failures are connectivity problems, worth a retry
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
