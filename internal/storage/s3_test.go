package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/OFFIS-RIT/align/backend/pkg/common"
	"github.com/OFFIS-RIT/align/backend/pkg/pipeline"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type memObjects struct {
	objects map[string][]byte
	types   map[string]string
	fail    error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memObjects) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.fail != nil {
		return nil, m.fail
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[*in.Bucket+"/"+*in.Key] = data
	m.types[*in.Key] = *in.ContentType
	return &s3.PutObjectOutput{}, nil
}

func (m *memObjects) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := m.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestArchiveRoundTrip(t *testing.T) {
	objects := newMemObjects()
	a := NewArchive(objects, "bucket")

	res := &pipeline.Result{
		RunID:  "run-1",
		Status: pipeline.StatusAborted,
		Snapshot: pipeline.Snapshot{
			Concepts: []common.Concept{{ID: "C1", Label: "Auth", D1IDs: []string{"a"}}},
		},
	}
	if err := a.SaveResult(context.Background(), res); err != nil {
		t.Fatal(err)
	}
	if _, ok := objects.objects["bucket/alignments/run-1/result.json"]; !ok {
		t.Fatalf("result not stored under its run key: %v", objects.objects)
	}
	if objects.types[ResultKey("run-1")] != "application/json" {
		t.Fatalf("unexpected content type %q", objects.types[ResultKey("run-1")])
	}

	got, err := a.LoadResult(context.Background(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != pipeline.StatusAborted || len(got.Snapshot.Concepts) != 1 || got.Snapshot.Concepts[0].Label != "Auth" {
		t.Fatalf("unexpected archived result: %+v", got)
	}
}

func TestArchiveSaveError(t *testing.T) {
	objects := newMemObjects()
	objects.fail = errors.New("access denied")
	a := NewArchive(objects, "bucket")

	err := a.SaveResult(context.Background(), &pipeline.Result{RunID: "r"})
	if !errors.Is(err, objects.fail) {
		t.Fatalf("expected wrapped upload error, got %v", err)
	}
	if err := a.SaveResult(context.Background(), nil); err != nil {
		t.Fatalf("nil result must be ignored, got %v", err)
	}
}

func TestWithPathPrefix(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		prefix string
		want   string
	}{
		{"none", "https://s3.example.com/b/k?X-Amz=1", "", "https://s3.example.com/b/k?X-Amz=1"},
		{"prefixed", "https://s3.example.com/b/k?X-Amz=1", "/storage", "https://s3.example.com/storage/b/k?X-Amz=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := withPathPrefix(tt.url, tt.prefix)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("withPathPrefix() = %q, want %q", got, tt.want)
			}
		})
	}
}
