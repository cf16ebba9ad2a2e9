package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// fakeBucket answers the subset of the S3 REST API the store uses.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	fail    int
}

type fakeObject struct {
	body        []byte
	contentType string
	metadata    map[string]string
}

var lastModified = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func newFakeStore(t *testing.T, cfg Config) (*Store, *fakeBucket) {
	t.Helper()
	bucket := &fakeBucket{objects: make(map[string]fakeObject)}
	if cfg.Bucket == "" {
		cfg.Bucket = "study"
	}
	cfg.Endpoint = "https://s3.fake.local"
	cfg.AccessKeyID, cfg.SecretAccessKey = "AKID", "SECRET"
	cfg.PathStyle = true
	store, err := New(context.Background(), cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: bucket}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		o.RetryMaxAttempts = 1
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store, bucket
}

func respond(status int, header http.Header, body string) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Header: header, Body: io.NopCloser(strings.NewReader(body))}
}

func errorBody(code string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
}

func (b *fakeBucket) RoundTrip(req *http.Request) (*http.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail > 0 {
		b.fail--
		return respond(http.StatusInternalServerError, nil, errorBody("InternalError")), nil
	}
	// path style: /bucket/key
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		return b.list(req.URL.Query().Get("prefix")), nil
	}
	obj, exists := b.objects[key]
	switch req.Method {
	case http.MethodPut:
		if exists && req.Header.Get("If-None-Match") == "*" {
			return respond(http.StatusPreconditionFailed, nil, errorBody("PreconditionFailed")), nil
		}
		body, _ := io.ReadAll(req.Body)
		meta := map[string]string{}
		for name, values := range req.Header {
			if lower := strings.ToLower(name); strings.HasPrefix(lower, "x-amz-meta-") {
				meta[strings.TrimPrefix(lower, "x-amz-meta-")] = values[0]
			}
		}
		b.objects[key] = fakeObject{body: body, contentType: req.Header.Get("Content-Type"), metadata: meta}
		return respond(http.StatusOK, http.Header{"Etag": {`"fake"`}}, ""), nil
	case http.MethodHead, http.MethodGet:
		if !exists {
			if req.Method == http.MethodHead {
				return respond(http.StatusNotFound, nil, ""), nil
			}
			return respond(http.StatusNotFound, nil, errorBody("NoSuchKey")), nil
		}
		header := http.Header{
			"Content-Length": {strconv.Itoa(len(obj.body))},
			"Content-Type":   {obj.contentType},
			"Etag":           {`"fake"`},
			"Last-Modified":  {lastModified.Format(http.TimeFormat)},
		}
		for k, v := range obj.metadata {
			header.Set("X-Amz-Meta-"+k, v)
		}
		resp := respond(http.StatusOK, header, "")
		if req.Method == http.MethodGet {
			resp.Body = io.NopCloser(bytes.NewReader(obj.body))
		}
		return resp, nil
	case http.MethodDelete:
		delete(b.objects, key)
		return respond(http.StatusNoContent, nil, ""), nil
	}
	return respond(http.StatusNotImplemented, nil, errorBody("NotImplemented")), nil
}

func (b *fakeBucket) list(prefix string) *http.Response {
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
	fmt.Fprintf(&sb, "<KeyCount>%d</KeyCount>", len(keys))
	for _, k := range keys {
		fmt.Fprintf(&sb, "<Contents><Key>%s</Key><Size>%d</Size><ETag>&quot;fake&quot;</ETag><LastModified>%s</LastModified></Contents>",
			k, len(b.objects[k].body), lastModified.Format(time.RFC3339))
	}
	sb.WriteString("</ListBucketResult>")
	return respond(http.StatusOK, http.Header{"Content-Type": {"application/xml"}}, sb.String())
}
