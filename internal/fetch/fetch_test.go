package fetch

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/require"
)

type stubS3 struct {
	body   string
	err    error
	bucket string
	key    string
}

func (s *stubS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	s.bucket = aws.StringValue(in.Bucket)
	s.key = aws.StringValue(in.Key)
	if s.err != nil {
		return nil, s.err
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader([]byte(s.body))),
	}, nil
}

func newTestFetcher(s3c objectGetter) *Fetcher {
	return &Fetcher{
		s3:   s3c,
		http: &http.Client{Timeout: 5 * time.Second},
		log:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestFetchS3(t *testing.T) {
	stub := &stubS3{body: `{"id":"scene-001","geometry":{}}`}
	f := newTestFetcher(stub)

	rec, err := f.Fetch(context.Background(), "s3://my-bucket/path/to/scene.json")
	require.NoError(t, err)
	require.Equal(t, "scene-001", rec.ID())
	require.Equal(t, "my-bucket", stub.bucket)
	require.Equal(t, "path/to/scene.json", stub.key)
}

func TestFetchHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"remote","extent":{}}`))
	}))
	defer srv.Close()

	f := newTestFetcher(&stubS3{})
	rec, err := f.Fetch(context.Background(), srv.URL+"/collections/remote")
	require.NoError(t, err)
	require.Equal(t, "remote", rec.ID())
}

func TestFetchHTTPBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(&stubS3{})
	_, err := f.Fetch(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 404")
}

func TestFetchUnsupportedScheme(t *testing.T) {
	f := newTestFetcher(&stubS3{})

	_, err := f.Fetch(context.Background(), "ftp://host/file.json")
	require.ErrorIs(t, err, ErrUnsupportedSource)

	_, err = f.Fetch(context.Background(), "gs://bucket/file.json")
	require.ErrorIs(t, err, ErrUnsupportedSource)
}

func TestFetchBadJSON(t *testing.T) {
	stub := &stubS3{body: `not json`}
	f := newTestFetcher(stub)

	_, err := f.Fetch(context.Background(), "s3://bucket/bad.json")
	require.Error(t, err)
}
