// Package storagetest provides an in-process object store speaking just enough
// of the S3 REST dialect (path-style) for adapter tests. The same server backs
// the MinIO, S3 and Aliyun OSS adapters; only the user-metadata header prefix
// differs between them.
package storagetest

import (
	"bytes"
	"crypto/md5" // #nosec G501 -- ETag emulation only
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// Metadata header prefixes
const (
	AmzMetaPrefix = "x-amz-meta-"
	OssMetaPrefix = "x-oss-meta-"
)

// Object is one stored object
type Object struct {
	Data        []byte
	ContentType string
	Meta        map[string]string // lowercase names, prefix stripped
	Modified    time.Time
	ETag        string
}

type failure struct {
	status int
	code   string
}

// Server is a fake object store
type Server struct {
	*httptest.Server

	metaPrefix string

	mu       sync.Mutex
	buckets  map[string]map[string]*Object
	fail     *failure
	requests []string
}

// Option configures a Server
type Option func(*Server)

// WithMetaPrefix selects the user metadata header prefix (default x-amz-meta-)
func WithMetaPrefix(prefix string) Option {
	return func(s *Server) { s.metaPrefix = strings.ToLower(prefix) }
}

// WithBuckets pre-creates buckets
func WithBuckets(names ...string) Option {
	return func(s *Server) {
		for _, n := range names {
			s.buckets[n] = map[string]*Object{}
		}
	}
}

// NewServer starts a server that is closed when t finishes
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{
		metaPrefix: AmzMetaPrefix,
		buckets:    map[string]map[string]*Object{},
	}
	for _, o := range opts {
		o(s)
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// Host returns host:port of the server
func (s *Server) Host() string {
	u, _ := url.Parse(s.URL)
	return u.Host
}

// Object returns a stored object
func (s *Server) Object(bucket, key string) (*Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.buckets[bucket][key]
	return obj, ok
}

// Keys returns the sorted keys of bucket
func (s *Server) Keys(bucket string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.buckets[bucket]))
	for k := range s.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasBucket reports whether bucket exists
func (s *Server) HasBucket(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	return ok
}

// Put stores an object directly, creating the bucket if needed
func (s *Server) Put(bucket, key string, data []byte, contentType string, meta map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(bucket, key, data, contentType, meta)
}

// FailWith makes every object request fail with status and error code until
// called again with status 0.
func (s *Server) FailWith(status int, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		s.fail = nil
		return
	}
	s.fail = &failure{status: status, code: code}
}

// Requests returns "METHOD /path" for every request served so far
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *Server) store(bucket, key string, data []byte, contentType string, meta map[string]string) {
	if s.buckets[bucket] == nil {
		s.buckets[bucket] = map[string]*Object{}
	}
	sum := md5.Sum(data) // #nosec G401 -- ETag emulation only
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if meta == nil {
		meta = map[string]string{}
	}
	s.buckets[bucket][key] = &Object{
		Data:        data,
		ContentType: contentType,
		Meta:        meta,
		Modified:    time.Now().UTC().Truncate(time.Second),
		ETag:        `"` + hex.EncodeToString(sum[:]) + `"`,
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Method+" "+r.URL.Path)
	s.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")

	if bucket == "" {
		writeError(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed", "service-level requests are not supported")
		return
	}
	if key == "" {
		s.handleBucket(w, r, bucket)
		return
	}

	s.mu.Lock()
	fail := s.fail
	_, bucketExists := s.buckets[bucket]
	s.mu.Unlock()
	if fail != nil {
		writeError(w, r, fail.status, fail.code, "injected failure")
		return
	}
	if !bucketExists {
		writeError(w, r, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist.")
		return
	}

	switch r.Method {
	case http.MethodPut:
		s.putObject(w, r, bucket, key)
	case http.MethodGet, http.MethodHead:
		s.getObject(w, r, bucket, key)
	case http.MethodDelete:
		s.mu.Lock()
		delete(s.buckets[bucket], key)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method)
	}
}

func (s *Server) handleBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	s.mu.Lock()
	_, exists := s.buckets[bucket]
	s.mu.Unlock()

	q := r.URL.Query()
	switch {
	case r.Method == http.MethodHead:
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		s.mu.Lock()
		if s.buckets[bucket] == nil {
			s.buckets[bucket] = map[string]*Object{}
		}
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && q.Has("location"):
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><LocationConstraint>us-east-1</LocationConstraint>`)
	case r.Method == http.MethodGet:
		if !exists {
			writeError(w, r, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist.")
			return
		}
		s.list(w, bucket, q)
	default:
		writeError(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method)
	}
}

func (s *Server) putObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	data, err := readBody(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "IncompleteBody", err.Error())
		return
	}
	meta := map[string]string{}
	for hk, hv := range r.Header {
		lk := strings.ToLower(hk)
		if strings.HasPrefix(lk, s.metaPrefix) && len(hv) > 0 {
			meta[strings.TrimPrefix(lk, s.metaPrefix)] = hv[0]
		}
	}
	s.mu.Lock()
	s.store(bucket, key, data, r.Header.Get("Content-Type"), meta)
	etag := s.buckets[bucket][key].ETag
	s.mu.Unlock()

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	s.mu.Lock()
	obj, ok := s.buckets[bucket][key]
	s.mu.Unlock()
	if !ok {
		writeError(w, r, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.")
		return
	}

	h := w.Header()
	h.Set("Content-Type", obj.ContentType)
	h.Set("Content-Length", strconv.Itoa(len(obj.Data)))
	h.Set("Last-Modified", obj.Modified.Format(http.TimeFormat))
	h.Set("ETag", obj.ETag)
	for mk, mv := range obj.Meta {
		h.Set(s.metaPrefix+mk, mv)
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		w.Write(obj.Data)
	}
}

type listEntry struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

type listResult struct {
	XMLName               xml.Name    `xml:"ListBucketResult"`
	Name                  string      `xml:"Name"`
	Prefix                string      `xml:"Prefix"`
	KeyCount              int         `xml:"KeyCount"`
	MaxKeys               int         `xml:"MaxKeys"`
	IsTruncated           bool        `xml:"IsTruncated"`
	ContinuationToken     string      `xml:"ContinuationToken,omitempty"`
	NextContinuationToken string      `xml:"NextContinuationToken,omitempty"`
	StartAfter            string      `xml:"StartAfter,omitempty"`
	Contents              []listEntry `xml:"Contents"`
}

// list serves ListObjectsV2. Continuation tokens are the last key returned.
func (s *Server) list(w http.ResponseWriter, bucket string, q url.Values) {
	prefix := q.Get("prefix")
	after := q.Get("start-after")
	if tok := q.Get("continuation-token"); tok != "" {
		after = tok
	}
	maxKeys := 1000
	if mk, err := strconv.Atoi(q.Get("max-keys")); err == nil && mk > 0 {
		maxKeys = mk
	}

	s.mu.Lock()
	var keys []string
	for k := range s.buckets[bucket] {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	res := listResult{
		Name:              bucket,
		Prefix:            prefix,
		MaxKeys:           maxKeys,
		ContinuationToken: q.Get("continuation-token"),
		StartAfter:        q.Get("start-after"),
	}
	if len(keys) > maxKeys {
		keys = keys[:maxKeys]
		res.IsTruncated = true
		res.NextContinuationToken = keys[len(keys)-1]
	}
	for _, k := range keys {
		obj := s.buckets[bucket][k]
		res.Contents = append(res.Contents, listEntry{
			Key:          k,
			LastModified: obj.Modified.Format("2006-01-02T15:04:05.000Z"),
			ETag:         obj.ETag,
			Size:         int64(len(obj.Data)),
			StorageClass: "STANDARD",
		})
	}
	s.mu.Unlock()
	res.KeyCount = len(res.Contents)

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, xml.Header)
	xml.NewEncoder(w).Encode(res)
}

type errorBody struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	RequestID string   `xml:"RequestId"`
	HostID    string   `xml:"HostId"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	io.WriteString(w, xml.Header)
	xml.NewEncoder(w).Encode(errorBody{Code: code, Message: message, RequestID: "storagetest", HostID: "storagetest"})
}

// readBody returns the request payload, undoing aws-chunked framing used by
// streaming signatures and trailing checksums.
func readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") &&
		!strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") {
		return raw, nil
	}
	var out []byte
	for {
		line, rest, ok := bytes.Cut(raw, []byte("\r\n"))
		if !ok {
			return nil, errors.New("truncated chunk header")
		}
		sizeHex, _, _ := bytes.Cut(line, []byte(";"))
		n, err := strconv.ParseInt(strings.TrimSpace(string(sizeHex)), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad chunk size %q: %w", sizeHex, err)
		}
		if n == 0 {
			return out, nil
		}
		if int64(len(rest)) < n+2 {
			return nil, errors.New("truncated chunk")
		}
		out = append(out, rest[:n]...)
		raw = rest[n+2:]
	}
}
