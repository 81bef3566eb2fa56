package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// fakeS3 records the upload calls the manager makes.
type fakeS3 struct {
	mu        sync.Mutex
	puts      []*s3.PutObjectInput
	body      []byte
	parts     int
	completed bool
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, in)
	f.body = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if _, err := io.Copy(io.Discard, in.Body); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parts++
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", aws.ToInt32(in.PartNumber)))}, nil
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = true
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func TestWriterSmallObjectIsOnePut(t *testing.T) {
	api := &fakeS3{}
	w := newWriter(api, "results")

	if err := w.Put(context.Background(), "run/summary.json", []byte(`{"balance":"9"}`), "application/json"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(api.puts) != 1 || api.parts != 0 {
		t.Fatalf("puts = %d parts = %d, want one PutObject", len(api.puts), api.parts)
	}
	in := api.puts[0]
	if aws.ToString(in.Bucket) != "results" || aws.ToString(in.Key) != "run/summary.json" || aws.ToString(in.ContentType) != "application/json" {
		t.Errorf("input = %s %s %s", aws.ToString(in.Bucket), aws.ToString(in.Key), aws.ToString(in.ContentType))
	}
	if string(api.body) != `{"balance":"9"}` {
		t.Errorf("body = %q", api.body)
	}
}

func TestWriterLargeObjectIsMultipart(t *testing.T) {
	api := &fakeS3{}
	w := newWriter(api, "results")

	data := bytes.Repeat([]byte("x"), int(partSize)+1)
	if err := w.Put(context.Background(), "run/cleared_trades.jsonl", data, jsonlContentType); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(api.puts) != 0 || api.parts != 2 || !api.completed {
		t.Errorf("puts = %d parts = %d completed = %v, want a two-part upload", len(api.puts), api.parts, api.completed)
	}
}
