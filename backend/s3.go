/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config mirrors the teacher's S3Factory field set.
type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Endpoint        string
	Bucket          string
	Prefix          string
	ForcePathStyle  bool
}

// S3Backend implements StorageBackend against an S3-compatible object
// store. Grounded on the teacher's S3Storage (storage/persistence-s3.go):
// same lazy client construction, same aws-sdk-go-v2 config/credentials
// wiring. WriteConditional maps to S3's If-Match/If-None-Match
// precondition headers, which every conformant S3-compatible backend
// (including MinIO) honors.
type S3Backend struct {
	cfg    S3Config
	prefix string

	mu     sync.Mutex
	client *s3.Client
	opened bool
}

func NewS3Backend(cfg S3Config) *S3Backend {
	return &S3Backend{cfg: cfg, prefix: strings.TrimSuffix(cfg.Prefix, "/")}
}

func (s *S3Backend) ensureOpen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	var opts []func(*config.LoadOptions) error
	if s.cfg.Region != "" {
		opts = append(opts, config.WithRegion(s.cfg.Region))
	}
	if s.cfg.AccessKeyID != "" && s.cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.cfg.AccessKeyID, s.cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("backend: load aws config: %w", err)
	}
	var s3Opts []func(*s3.Options)
	if s.cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(s.cfg.Endpoint) })
	}
	if s.cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}
	s.client = s3.NewFromConfig(awsCfg, s3Opts...)
	s.opened = true
	return nil
}

func (s *S3Backend) key(p string) string {
	if s.prefix == "" {
		return p
	}
	return s.prefix + "/" + p
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *S3Backend) Read(ctx context.Context, path string) ([]byte, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}
	if err := s.ensureOpen(ctx); err != nil {
		return nil, err
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(s.key(p))})
	if err != nil {
		if isNotFound(err) {
			return nil, NewFileNotFoundError(path)
		}
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (s *S3Backend) ReadRange(ctx context.Context, path string, start, end int64) ([]byte, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}
	if err := s.ensureOpen(ctx); err != nil {
		return nil, err
	}
	rng := fmt.Sprintf("bytes=%d-%d", start, end-1)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(p)),
		Range:  aws.String(rng),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, NewFileNotFoundError(path)
		}
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (s *S3Backend) Exists(ctx context.Context, path string) (bool, error) {
	st, err := s.Stat(ctx, path)
	if err != nil {
		return false, err
	}
	return st != nil, nil
}

func (s *S3Backend) Stat(ctx context.Context, path string) (*Stat, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}
	if err := s.ensureOpen(ctx); err != nil {
		return nil, err
	}
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(s.key(p))})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	st := &Stat{}
	if resp.ContentLength != nil {
		st.Size = *resp.ContentLength
	}
	if resp.LastModified != nil {
		st.ModTime = *resp.LastModified
	}
	if resp.ETag != nil {
		st.ETag = strings.Trim(*resp.ETag, `"`)
	}
	return st, nil
}

func (s *S3Backend) put(ctx context.Context, key string, data []byte, input func(*s3.PutObjectInput)) (WriteResult, error) {
	if err := s.ensureOpen(ctx); err != nil {
		return WriteResult{}, err
	}
	in := &s3.PutObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(key), Body: bytes.NewReader(data)}
	if input != nil {
		input(in)
	}
	resp, err := s.client.PutObject(ctx, in)
	if err != nil {
		return WriteResult{}, err
	}
	etag := ""
	if resp.ETag != nil {
		etag = strings.Trim(*resp.ETag, `"`)
	}
	return WriteResult{Size: int64(len(data)), ETag: etag}, nil
}

func (s *S3Backend) Write(ctx context.Context, path string, data []byte, opts WriteOptions) (WriteResult, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return WriteResult{}, err
	}
	res, err := s.put(ctx, s.key(p), data, func(in *s3.PutObjectInput) {
		if opts.IfNoneMatch {
			in.IfNoneMatch = aws.String("*")
		}
	})
	if err != nil {
		if opts.IfNoneMatch && isPreconditionFailed(err) {
			return WriteResult{}, NewFileExistsError(path)
		}
		return WriteResult{}, err
	}
	return res, nil
}

func (s *S3Backend) WriteAtomic(ctx context.Context, path string, data []byte) (WriteResult, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return WriteResult{}, err
	}
	return s.put(ctx, s.key(p), data, nil)
}

// WriteConditional uses If-Match (expectedETag != "") or If-None-Match:
// "*" (expectedETag == "", meaning "must not exist") to implement the
// CAS contract manifests depend on.
func (s *S3Backend) WriteConditional(ctx context.Context, path string, data []byte, expectedETag string) (WriteResult, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return WriteResult{}, err
	}
	res, err := s.put(ctx, s.key(p), data, func(in *s3.PutObjectInput) {
		if expectedETag == "" {
			in.IfNoneMatch = aws.String("*")
		} else {
			in.IfMatch = aws.String(expectedETag)
		}
	})
	if err != nil {
		if isPreconditionFailed(err) {
			return WriteResult{}, NewVersionMismatchError(path)
		}
		return WriteResult{}, err
	}
	return res, nil
}

func isPreconditionFailed(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "PreconditionFailed") || strings.Contains(err.Error(), "412"))
}

// Append reads the current object, concatenates, and rewrites it, since
// S3 objects have no native append — matching the teacher's comment
// "S3 does not support append; we buffer and replace objects on sync."
func (s *S3Backend) Append(ctx context.Context, path string, data []byte) error {
	existing, err := s.Read(ctx, path)
	if err != nil {
		if !IsKind(err, FileNotFound) {
			return err
		}
		existing = nil
	}
	_, err = s.WriteAtomic(ctx, path, append(existing, data...))
	return err
}

func (s *S3Backend) Delete(ctx context.Context, path string) (bool, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return false, err
	}
	if err := s.ensureOpen(ctx); err != nil {
		return false, err
	}
	existed, err := s.Exists(ctx, path)
	if err != nil {
		return false, err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(s.key(p))})
	if err != nil {
		return false, err
	}
	return existed, nil
}

func (s *S3Backend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	p, err := ValidatePath(prefix)
	if err != nil {
		return 0, err
	}
	if err := s.ensureOpen(ctx); err != nil {
		return 0, err
	}
	count := 0
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(s.key(p)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return count, err
		}
		for _, obj := range page.Contents {
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: obj.Key}); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

// Mkdir is a no-op: S3 has no real directories.
func (s *S3Backend) Mkdir(_ context.Context, path string) error {
	_, err := ValidatePath(path)
	return err
}

func (s *S3Backend) Rmdir(ctx context.Context, path string, recursive bool) error {
	p, err := ValidatePath(path)
	if err != nil {
		return err
	}
	prefix := s.key(p)
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if !recursive {
		res, err := s.List(ctx, path, ListOptions{Limit: 1})
		if err != nil {
			return err
		}
		if len(res.Files) > 0 {
			return NewDirectoryNotEmptyError(path)
		}
		return nil
	}
	_, err = s.DeletePrefix(ctx, path)
	return err
}

func (s *S3Backend) List(ctx context.Context, prefix string, opts ListOptions) (ListResult, error) {
	p, err := ValidatePath(prefix)
	if err != nil {
		return ListResult{}, err
	}
	if err := s.ensureOpen(ctx); err != nil {
		return ListResult{}, err
	}
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(s.key(p)),
	}
	if opts.Delimiter != "" {
		in.Delimiter = aws.String(opts.Delimiter)
	}
	if opts.Limit > 0 {
		in.MaxKeys = aws.Int32(int32(opts.Limit))
	}
	if opts.Cursor != "" {
		in.ContinuationToken = aws.String(opts.Cursor)
	}
	resp, err := s.client.ListObjectsV2(ctx, in)
	if err != nil {
		return ListResult{}, err
	}
	basePrefix := s.prefix
	stripBase := func(k string) string {
		if basePrefix != "" {
			return strings.TrimPrefix(strings.TrimPrefix(k, basePrefix), "/")
		}
		return k
	}
	var files []ListEntry
	for _, obj := range resp.Contents {
		if obj.Key == nil {
			continue
		}
		entry := ListEntry{Path: stripBase(*obj.Key)}
		if opts.IncludeMetadata {
			st := &Stat{}
			if obj.Size != nil {
				st.Size = *obj.Size
			}
			if obj.LastModified != nil {
				st.ModTime = *obj.LastModified
			}
			if obj.ETag != nil {
				st.ETag = strings.Trim(*obj.ETag, `"`)
			}
			entry.Stat = st
		}
		files = append(files, entry)
	}
	var prefixes []string
	for _, cp := range resp.CommonPrefixes {
		if cp.Prefix != nil {
			prefixes = append(prefixes, stripBase(*cp.Prefix))
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	result := ListResult{Files: files, Prefixes: prefixes}
	if resp.IsTruncated != nil && *resp.IsTruncated && resp.NextContinuationToken != nil {
		result.HasMore = true
		result.Cursor = *resp.NextContinuationToken
	}
	return result, nil
}

func (s *S3Backend) Copy(ctx context.Context, src, dst string) error {
	sp, err := ValidatePath(src)
	if err != nil {
		return err
	}
	dp, err := ValidatePath(dst)
	if err != nil {
		return err
	}
	if err := s.ensureOpen(ctx); err != nil {
		return err
	}
	source := s.cfg.Bucket + "/" + s.key(sp)
	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.cfg.Bucket),
		Key:        aws.String(s.key(dp)),
		CopySource: aws.String(source),
	})
	if err != nil {
		if isNotFound(err) {
			return NewFileNotFoundError(src)
		}
		return err
	}
	return nil
}

func (s *S3Backend) Move(ctx context.Context, src, dst string) error {
	if err := s.Copy(ctx, src, dst); err != nil {
		return err
	}
	_, err := s.Delete(ctx, src)
	return err
}
