// Package s3adapter uploads files to an S3 bucket. Whole files become one
// PutObject; chunked files become multipart uploads with one part per chunk.
package s3adapter

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"

	"github.com/sheerbytes/upflux/internal/entity"
	"github.com/sheerbytes/upflux/internal/uploader"
)

// S3API is the subset of the S3 client the adapter uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// Adapter uploads to one bucket under a key prefix.
type Adapter struct {
	client S3API
	bucket string
	prefix string
	logger *slog.Logger

	mu      sync.Mutex
	uploads map[string]*multipart // by file id
}

type multipart struct {
	mu    sync.Mutex
	key   string
	id    string
	parts map[int32]string // part number -> ETag
}

// New returns an adapter writing to bucket. Keys are prefix/<file name>.
func New(client S3API, bucket, prefix string, logger *slog.Logger) *Adapter {
	return &Adapter{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		logger:  logger,
		uploads: make(map[string]*multipart),
	}
}

// Key returns the object key for a file.
func (a *Adapter) Key(f entity.FileInfo) string {
	if a.prefix == "" {
		return f.Name
	}
	return path.Join(a.prefix, f.Name)
}

// Hooks returns the engine hooks that finish and clean up multipart
// uploads. Merge them into the engine options.
func (a *Adapter) Hooks() uploader.Hooks {
	return uploader.Hooks{
		OnChunkComplete: a.Complete,
		OnError: func(_ error, f entity.FileInfo) {
			a.Abort(context.Background(), f.ID)
		},
	}
}

func (a *Adapter) Upload(ctx context.Context, req *uploader.Request) {
	go func() {
		resp, err := a.send(ctx, req)
		req.Finish(resp, err)
	}()
}

func (a *Adapter) send(ctx context.Context, req *uploader.Request) (uploader.Response, error) {
	req.Start()
	if req.Chunk != nil {
		return a.uploadPart(ctx, req)
	}

	key := a.Key(req.File)
	in := &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          req.Body,
		ContentLength: aws.Int64(req.File.Size),
		ContentType:   aws.String(contentType(req.Body)),
	}
	if md5, ok := contentMD5(req.File.Digest); ok {
		in.ContentMD5 = aws.String(md5)
	}
	out, err := a.client.PutObject(ctx, in)
	if err != nil {
		return uploader.Response{}, fmt.Errorf("put %s: %w", key, err)
	}
	req.Progress(req.Size(), req.Size())
	return uploader.Response{Status: 200, Meta: map[string]string{
		"key":  key,
		"etag": aws.ToString(out.ETag),
	}}, nil
}

func (a *Adapter) uploadPart(ctx context.Context, req *uploader.Request) (uploader.Response, error) {
	mp, err := a.multipart(ctx, req.File)
	if err != nil {
		return uploader.Response{}, err
	}
	c := req.Chunk
	part := int32(c.Index + 1)
	in := &s3.UploadPartInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(mp.key),
		UploadId:      aws.String(mp.id),
		PartNumber:    aws.Int32(part),
		Body:          req.Body,
		ContentLength: aws.Int64(c.Size),
	}
	if md5, ok := contentMD5(c.Digest); ok {
		in.ContentMD5 = aws.String(md5)
	}
	out, err := a.client.UploadPart(ctx, in)
	if err != nil {
		return uploader.Response{}, fmt.Errorf("upload part %d of %s: %w", part, mp.key, err)
	}

	mp.mu.Lock()
	mp.parts[part] = aws.ToString(out.ETag)
	mp.mu.Unlock()

	req.Progress(req.Size(), req.Size())
	return uploader.Response{Status: 200, Meta: map[string]string{
		"key":      mp.key,
		"uploadId": mp.id,
		"part":     fmt.Sprint(part),
		"etag":     aws.ToString(out.ETag),
	}}, nil
}

// multipart returns the multipart upload of f, creating it on first use.
func (a *Adapter) multipart(ctx context.Context, f entity.FileInfo) (*multipart, error) {
	a.mu.Lock()
	mp, ok := a.uploads[f.ID]
	if !ok {
		mp = &multipart{key: a.Key(f), parts: make(map[int32]string)}
		a.uploads[f.ID] = mp
	}
	a.mu.Unlock()

	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.id != "" {
		return mp, nil
	}
	out, err := a.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(mp.key),
	})
	if err != nil {
		return nil, fmt.Errorf("create multipart upload for %s: %w", mp.key, err)
	}
	mp.id = aws.ToString(out.UploadId)
	a.logger.Debug("multipart upload created", "key", mp.key, "upload_id", mp.id)
	return mp, nil
}

// Complete finishes the multipart upload of f once all chunks are in. A
// missing part is a terminal failure; a failed completion call is retried
// by the engine with a fresh multipart upload.
func (a *Adapter) Complete(ctx context.Context, f entity.FileInfo) (uploader.Response, error) {
	a.mu.Lock()
	mp := a.uploads[f.ID]
	a.mu.Unlock()
	if mp == nil {
		return uploader.Response{}, &uploader.CompleteError{Reason: "no multipart upload for " + f.Name}
	}

	mp.mu.Lock()
	parts := make([]types.CompletedPart, 0, len(mp.parts))
	for n, etag := range mp.parts {
		parts = append(parts, types.CompletedPart{PartNumber: aws.Int32(n), ETag: aws.String(etag)})
	}
	key, id := mp.key, mp.id
	mp.mu.Unlock()

	if len(parts) != len(f.Chunks) {
		a.Abort(ctx, f.ID)
		return uploader.Response{}, &uploader.CompleteError{
			Reason: fmt.Sprintf("%s: %d parts uploaded, %d expected", key, len(parts), len(f.Chunks)),
		}
	}
	sort.Slice(parts, func(i, j int) bool { return *parts[i].PartNumber < *parts[j].PartNumber })

	out, err := a.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(id),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		a.Abort(ctx, f.ID)
		return uploader.Response{}, &uploader.CompleteError{Reason: fmt.Sprintf("complete %s: %v", key, err), Retry: true}
	}

	a.mu.Lock()
	delete(a.uploads, f.ID)
	a.mu.Unlock()
	a.logger.Info("multipart upload completed", "key", key, "parts", len(parts))
	return uploader.Response{Status: 200, Meta: map[string]string{
		"key":      key,
		"uploadId": id,
		"etag":     aws.ToString(out.ETag),
		"location": aws.ToString(out.Location),
	}}, nil
}

// Abort cancels the multipart upload of fileID, if one exists. Errors are
// logged; the bucket's lifecycle rules clean up what is left.
func (a *Adapter) Abort(ctx context.Context, fileID string) {
	a.mu.Lock()
	mp := a.uploads[fileID]
	delete(a.uploads, fileID)
	a.mu.Unlock()
	if mp == nil {
		return
	}

	mp.mu.Lock()
	key, id := mp.key, mp.id
	mp.mu.Unlock()
	if id == "" {
		return
	}
	_, err := a.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(a.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(id),
	})
	if err != nil {
		a.logger.Warn("abort multipart upload failed", "key", key, "upload_id", id, "error", err)
		return
	}
	a.logger.Info("multipart upload aborted", "key", key)
}

func contentType(body io.ReaderAt) string {
	buf := make([]byte, 512)
	n, _ := body.ReadAt(buf, 0)
	return mimetype.Detect(buf[:n]).String()
}

// contentMD5 converts a hex digest into the base64 form S3 expects.
func contentMD5(digest string) (string, bool) {
	if digest == "" {
		return "", false
	}
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return "", false
	}
	return base64.StdEncoding.EncodeToString(raw), true
}
