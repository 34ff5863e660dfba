package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/openterra/stac-indexer/internal/stac"
)

// ErrUnsupportedSource is returned for href schemes other than s3 and http(s).
var ErrUnsupportedSource = errors.New("unsupported source scheme")

// objectGetter is the slice of the S3 API the fetcher needs.
type objectGetter interface {
	GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
}

// Fetcher dereferences by-reference records supplied as an href pointer.
type Fetcher struct {
	s3   objectGetter
	http *http.Client
	log  *slog.Logger
}

// New builds a Fetcher with an S3 client for the given region.
func New(region string, logger *slog.Logger) (*Fetcher, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Fetcher{
		s3:   s3.New(sess),
		http: &http.Client{Timeout: 30 * time.Second},
		log:  logger,
	}, nil
}

// Fetch resolves an href to the catalog record it points at.
func (f *Fetcher) Fetch(ctx context.Context, href string) (stac.Record, error) {
	u, err := url.Parse(href)
	if err != nil {
		return nil, fmt.Errorf("parse href %q: %w", href, err)
	}

	switch u.Scheme {
	case "s3":
		return f.fetchObject(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	case "http", "https":
		return f.fetchHTTP(ctx, href)
	default:
		return nil, fmt.Errorf("href %q: %w", href, ErrUnsupportedSource)
	}
}

func (f *Fetcher) fetchObject(ctx context.Context, bucket, key string) (stac.Record, error) {
	out, err := f.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	var rec stac.Record
	if err := json.NewDecoder(out.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode s3://%s/%s: %w", bucket, key, err)
	}

	f.log.Debug("fetched record from object storage",
		slog.String("bucket", bucket), slog.String("key", key))
	return rec, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, href string) (stac.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %q: %w", href, err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %q: %w", href, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return nil, fmt.Errorf("fetch %q: status %d: %s", href, res.StatusCode, strings.TrimSpace(string(body)))
	}

	var rec stac.Record
	if err := json.NewDecoder(res.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode %q: %w", href, err)
	}

	f.log.Debug("fetched record over http", slog.String("href", href))
	return rec, nil
}
