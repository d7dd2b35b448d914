// Package objectstore adapts the blob service's upload/download/delete
// contract onto an S3-compatible backend.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MinPartSize is the object store's multipart floor: every part except the
// last must be at least this large.
const MinPartSize = 5 * 1024 * 1024

// Store is the minimal object-store contract the core consumes: single-shot
// put, ranged get, delete, and the multipart primitives used by the blob
// service for large uploads.
type Store struct {
	client *s3.Client
	bucket string
}

// New wraps an S3 client bound to bucket.
func New(client *s3.Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

// Put uploads body under key in a single request.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("object store put %s: %w", key, err)
	}
	return nil
}

// Get opens a full-object read. Caller must close the returned stream.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("object store get %s: %w", key, err)
	}
	return out.Body, nil
}

// GetRange opens a ranged read using the object store's native Range
// support, in the canonical "bytes=start-end" form.
func (s *Store) GetRange(ctx context.Context, key, httpRange string) (io.ReadCloser, int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  aws.String(httpRange),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("object store ranged get %s: %w", key, err)
	}
	var size int64
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

// Delete removes key. Used to compensate an orphaned upload that lost a
// dedup race, and by tests; the core never deletes a blob that won the race.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("object store delete %s: %w", key, err)
	}
	return nil
}

// Upload is the outcome of a multipart ingest: the materialized length and
// the number of parts the object was split into.
type Upload struct {
	Length     int64
	PartsCount int
}

// MultipartUpload drives a create/upload-parts/complete sequence over src,
// buffering until each part reaches MinPartSize before sending it (the
// object store's own floor), then sending whatever remains as a final,
// possibly short, part. onChunk is called with each chunk as it is read
// from src so the caller can update a running hash without re-reading the
// bytes.
//
// On any error before completion, the upload is aborted best-effort.
func (s *Store) MultipartUpload(ctx context.Context, key string, src io.Reader, onChunk func([]byte)) (Upload, error) {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Upload{}, fmt.Errorf("create multipart upload %s: %w", key, err)
	}
	uploadID := *created.UploadId

	upload, completedParts, err := s.multipartStream(ctx, key, uploadID, src, onChunk)
	if err != nil {
		_, abortErr := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		if abortErr != nil {
			return Upload{}, fmt.Errorf("%w (abort also failed: %v)", err, abortErr)
		}
		return Upload{}, err
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completedParts,
		},
	})
	if err != nil {
		_, _ = s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		return Upload{}, fmt.Errorf("complete multipart upload %s: %w", key, err)
	}

	return upload, nil
}

func (s *Store) multipartStream(ctx context.Context, key, uploadID string, src io.Reader, onChunk func([]byte)) (Upload, []types.CompletedPart, error) {
	var (
		buf          []byte
		parts        []types.CompletedPart
		partNumber   int32 = 1
		total        int64
		readBuf            = make([]byte, 64*1024)
	)

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(partNumber),
			Body:       bytes.NewReader(buf),
		})
		if err != nil {
			return fmt.Errorf("upload part %d for %s: %w", partNumber, key, err)
		}
		parts = append(parts, types.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int32(partNumber),
		})
		total += int64(len(buf))
		partNumber++
		buf = nil
		return nil
	}

	for {
		n, readErr := src.Read(readBuf)
		if n > 0 {
			chunk := readBuf[:n]
			onChunk(chunk)
			buf = append(buf, chunk...)
			if len(buf) >= MinPartSize {
				if err := flush(); err != nil {
					return Upload{}, nil, err
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return Upload{}, nil, fmt.Errorf("read upload stream for %s: %w", key, readErr)
		}
	}

	if err := flush(); err != nil {
		return Upload{}, nil, err
	}

	return Upload{Length: total, PartsCount: len(parts)}, parts, nil
}
