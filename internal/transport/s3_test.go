package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3 is an in-memory bucket implementing S3API for single-part uploads.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	pageSize int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), pageSize: 2}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart not supported")
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported")
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported")
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

// ListObjectsV2 pages by continuation token, which is the index of the next entry.
func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := aws.ToString(in.Prefix)
	delim := aws.ToString(in.Delimiter)
	type entry struct {
		name     string
		isPrefix bool
	}
	seen := make(map[string]bool)
	var entries []entry
	for k := range f.objects {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if delim != "" {
			if i := strings.Index(k[len(prefix):], delim); i >= 0 {
				cp := k[:len(prefix)+i+1]
				if !seen[cp] {
					seen[cp] = true
					entries = append(entries, entry{cp, true})
				}
				continue
			}
		}
		entries = append(entries, entry{k, false})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		start = len(tok)
	}
	end := min(start+f.pageSize, len(entries))

	out := &s3.ListObjectsV2Output{}
	for _, e := range entries[start:end] {
		if e.isPrefix {
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(e.name)})
		} else {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(e.name)})
		}
	}
	if end < len(entries) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strings.Repeat(".", end))
	}
	return out, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	client := newFakeS3()
	s := NewS3Store(client, "bucket")
	ctx := context.Background()

	keys := []string{
		"tutor-backup/acme-prod-tutor-backup-20250113/mysql_dump.tar.gz",
		"tutor-backup/acme-prod-tutor-backup-20250114/mysql_dump.tar.gz",
		"tutor-backup/acme-prod-tutor-backup-20250115/mysql_dump.tar.gz",
		"tutor-backup/acme-prod-tutor-backup-20250115/mysql_dump.tar.gz.sha256",
		"other/file",
	}
	for _, k := range keys {
		if err := s.Put(ctx, k, strings.NewReader("data"), 4); err != nil {
			t.Fatalf("Put(%q) error = %v", k, err)
		}
	}

	t.Run("lists folders across pages", func(t *testing.T) {
		dirs, err := s.Dirs(ctx, "tutor-backup")
		if err != nil {
			t.Fatalf("Dirs() error = %v", err)
		}
		want := []string{
			"acme-prod-tutor-backup-20250113",
			"acme-prod-tutor-backup-20250114",
			"acme-prod-tutor-backup-20250115",
		}
		if !reflect.DeepEqual(dirs, want) {
			t.Errorf("Dirs() = %v, want %v", dirs, want)
		}
	})

	t.Run("lists keys of one folder", func(t *testing.T) {
		got, err := s.Keys(ctx, "tutor-backup/acme-prod-tutor-backup-20250115")
		if err != nil {
			t.Fatalf("Keys() error = %v", err)
		}
		if !reflect.DeepEqual(got, keys[2:4]) {
			t.Errorf("Keys() = %v, want %v", got, keys[2:4])
		}
	})

	t.Run("gets and deletes", func(t *testing.T) {
		var buf bytes.Buffer
		if err := s.Get(ctx, keys[0], &buf); err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if buf.String() != "data" {
			t.Errorf("Get() = %q, want %q", buf.String(), "data")
		}
		if err := s.Delete(ctx, keys[0]); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if err := s.Get(ctx, keys[0], &buf); !errors.Is(err, ErrObjectNotFound) {
			t.Errorf("Get() after delete error = %v, want ErrObjectNotFound", err)
		}
	})
}
