package artifacts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/config"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/results"
)

func writeFile(t *testing.T, dir, key, content string) {
	t.Helper()

	p := filepath.Join(dir, filepath.FromSlash(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestLocalReader(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "t1/run1/us-east-1/a.xml", "a")
	writeFile(t, dir, "t1/run1/us-east-1/b.xml", "b")
	writeFile(t, dir, "t1/run1/eu-west-1/c.xml", "c")
	writeFile(t, dir, "t2/run9/us-east-1/d.xml", "d")

	r := NewLocalReader(dir)
	ctx := context.Background()

	data, err := r.Get(ctx, "t1/run1/us-east-1/a.xml")
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))

	_, err = r.Get(ctx, "t1/run1/us-east-1/missing.xml")
	require.ErrorIs(t, err, ErrNotFound)

	keys, err := r.List(ctx, "t1/run1/")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"t1/run1/eu-west-1/c.xml",
		"t1/run1/us-east-1/a.xml",
		"t1/run1/us-east-1/b.xml",
	}, keys)

	keys, err = r.List(ctx, "nothing-here/")
	require.NoError(t, err)
	assert.Empty(t, keys)

	all, err := r.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestLocalReader_KeyEscape(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "inside.xml", "ok")

	r := NewLocalReader(filepath.Join(dir, "sub"))

	// "../inside.xml" is cleaned to "inside.xml" below the root.
	_, err := r.Get(context.Background(), "../inside.xml")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = r.Get(context.Background(), "")
	require.Error(t, err)
}

type fakeReader struct {
	mu       sync.Mutex
	data     map[string]string
	errs     map[string]error
	inFlight atomic.Int32
	maxSeen  int32
}

func (f *fakeReader) Get(_ context.Context, key string) ([]byte, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)

	f.mu.Lock()
	if n > f.maxSeen {
		f.maxSeen = n
	}
	f.mu.Unlock()

	time.Sleep(2 * time.Millisecond)

	if err, ok := f.errs[key]; ok {
		return nil, err
	}

	v, ok := f.data[key]
	if !ok {
		return nil, ErrNotFound
	}

	return []byte(v), nil
}

func (f *fakeReader) List(context.Context, string) ([]string, error) {
	return nil, nil
}

func TestFetchAll(t *testing.T) {
	f := &fakeReader{data: map[string]string{}}

	refs := make([]Ref, 0, 10)
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("k%d.xml", i)
		f.data[key] = key
		refs = append(refs, Ref{Key: key, Region: "r1"})
	}

	raws, err := FetchAll(context.Background(), f, refs, 3)
	require.NoError(t, err)
	require.Len(t, raws, 10)

	for i, raw := range raws {
		assert.Equal(t, refs[i].Key, raw.Key)
		assert.Equal(t, "r1", raw.Region)
		assert.Equal(t, refs[i].Key, string(raw.Data))
	}

	assert.LessOrEqual(t, f.maxSeen, int32(3))
}

func TestFetchAll_Errors(t *testing.T) {
	boom := errors.New("boom")
	f := &fakeReader{
		data: map[string]string{"a": "a"},
		errs: map[string]error{"broken": boom},
	}

	_, err := FetchAll(context.Background(), f, []Ref{{Key: "a"}, {Key: "gone"}}, 2)
	require.ErrorIs(t, err, results.ErrArtifactMissing)
	require.ErrorIs(t, err, results.ErrResultsCorrupt)

	_, err = FetchAll(context.Background(), f, []Ref{{Key: "a"}, {Key: "broken"}}, 2)
	require.ErrorIs(t, err, boom)
}

func TestNewReader(t *testing.T) {
	log := logrus.New()

	r, err := NewReader(log, &config.ArtifactsConfig{
		Local: &config.LocalArtifactsConfig{Enabled: true, Dir: t.TempDir()},
	})
	require.NoError(t, err)
	assert.IsType(t, &LocalReader{}, r)

	r, err = NewReader(log, &config.ArtifactsConfig{
		S3: &config.S3Config{Enabled: true, Bucket: "b"},
	})
	require.NoError(t, err)
	assert.IsType(t, &S3Reader{}, r)

	_, err = NewReader(log, &config.ArtifactsConfig{})
	require.Error(t, err)
}

func TestS3Reader_ObjectKey(t *testing.T) {
	tests := []struct {
		prefix string
		key    string
		want   string
	}{
		{prefix: "", key: "t1/a.xml", want: "t1/a.xml"},
		{prefix: "results", key: "t1/a.xml", want: "results/t1/a.xml"},
		{prefix: "/results/", key: "/t1/a.xml", want: "results/t1/a.xml"},
	}

	for _, tt := range tests {
		t.Run(tt.prefix+"|"+tt.key, func(t *testing.T) {
			r := &S3Reader{cfg: &config.S3Config{Prefix: tt.prefix}}
			assert.Equal(t, tt.want, r.objectKey(tt.key))
		})
	}
}

// fakeS3 serves path-style GetObject and ListObjectsV2 requests.
func fakeS3(t *testing.T, bucket string, objects map[string]string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/"+bucket)

		if r.URL.Query().Get("list-type") == "2" {
			prefix := r.URL.Query().Get("prefix")

			var b strings.Builder
			b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
			b.WriteString(`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
			b.WriteString("<Name>" + bucket + "</Name><IsTruncated>false</IsTruncated>")

			for k := range objects {
				if strings.HasPrefix(k, prefix) {
					b.WriteString("<Contents><Key>" + k + "</Key><Size>1</Size></Contents>")
				}
			}

			b.WriteString("</ListBucketResult>")
			w.Header().Set("Content-Type", "application/xml")
			_, _ = w.Write([]byte(b.String()))

			return
		}

		body, ok := objects[strings.TrimPrefix(path, "/")]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))

			return
		}

		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestS3Reader(t *testing.T) {
	srv := fakeS3(t, "dlt", map[string]string{
		"scenarios/t1/run1/us-east-1/a.xml": "<FinalStatus/>",
		"scenarios/t1/run1/us-east-1/b.xml": "<FinalStatus/>",
		"scenarios/t2/run2/us-east-1/c.xml": "<FinalStatus/>",
	})

	r := NewS3Reader(logrus.New(), &config.S3Config{
		Enabled:         true,
		EndpointURL:     srv.URL,
		Bucket:          "dlt",
		Prefix:          "scenarios",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		ForcePathStyle:  true,
	})

	ctx := context.Background()

	data, err := r.Get(ctx, "t1/run1/us-east-1/a.xml")
	require.NoError(t, err)
	assert.Equal(t, "<FinalStatus/>", string(data))

	_, err = r.Get(ctx, "t1/run1/us-east-1/missing.xml")
	require.ErrorIs(t, err, ErrNotFound)

	keys, err := r.List(ctx, "t1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1/run1/us-east-1/a.xml", "t1/run1/us-east-1/b.xml"}, keys)
}
