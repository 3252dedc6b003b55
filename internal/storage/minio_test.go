package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/telhawk-systems/telhawk-triage/internal/model"
)

// fakeObjectStore is a minimal S3-compatible endpoint: HEAD probes bucket
// existence, PUT accepts bucket creation and object writes. Upload bodies
// arrive framed by the client's streaming signature, so tests assert on
// paths and headers rather than raw bytes.
type fakeObjectStore struct {
	mu            sync.Mutex
	bucketMissing bool
	bucketCreated bool
	denyHead      bool
	denyPuts      bool
	puts          []objectPut
}

type objectPut struct {
	path        string
	contentType string
}

func (f *fakeObjectStore) handler(bucket string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.Method == http.MethodHead:
			if f.denyHead {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			if f.bucketMissing && !f.bucketCreated {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)

		case r.Method == http.MethodPut && strings.Trim(r.URL.Path, "/") == bucket:
			f.bucketCreated = true
			w.WriteHeader(http.StatusOK)

		case r.Method == http.MethodPut:
			io.Copy(io.Discard, r.Body)
			f.puts = append(f.puts, objectPut{
				path:        r.URL.Path,
				contentType: r.Header.Get("Content-Type"),
			})
			if f.denyPuts {
				w.Header().Set("Content-Type", "application/xml")
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied.</Message></Error>`))
				return
			}
			w.Header().Set("ETag", `"9a0364b9e99bb480dd25e1f0284c8555"`)
			w.WriteHeader(http.StatusOK)

		default:
			w.WriteHeader(http.StatusNotImplemented)
		}
	}
}

func newTestStore(t *testing.T, fake *fakeObjectStore, mutate func(*Config)) (*MinioStore, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(fake.handler("triage-artifacts"))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("Failed to parse server URL: %v", err)
	}

	cfg := Config{
		Endpoint:  u.Host,
		AccessKey: "test-access",
		SecretKey: "test-secret",
		Bucket:    "triage-artifacts",
		Region:    "us-east-1",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	store, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store, srv
}

func TestNew_ExistingBucket(t *testing.T) {
	fake := &fakeObjectStore{}
	newTestStore(t, fake, nil)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.bucketCreated {
		t.Error("Expected no bucket creation when the bucket already exists")
	}
}

func TestNew_CreatesMissingBucket(t *testing.T) {
	fake := &fakeObjectStore{bucketMissing: true}
	newTestStore(t, fake, nil)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if !fake.bucketCreated {
		t.Error("Expected the missing bucket to be created")
	}
}

func TestNew_BucketCheckError(t *testing.T) {
	fake := &fakeObjectStore{denyHead: true}
	srv := httptest.NewServer(fake.handler("triage-artifacts"))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("Failed to parse server URL: %v", err)
	}

	_, err = New(context.Background(), Config{
		Endpoint:  u.Host,
		AccessKey: "test-access",
		SecretKey: "test-secret",
		Bucket:    "triage-artifacts",
		Region:    "us-east-1",
	}, nil)
	if err == nil {
		t.Fatal("Expected an error when the bucket check fails")
	}
	if !strings.Contains(err.Error(), "failed to check bucket") {
		t.Errorf("Expected bucket check error, got: %v", err)
	}
}

func TestMinioStore_PutRaw(t *testing.T) {
	fake := &fakeObjectStore{}
	store, srv := newTestStore(t, fake, nil)

	inc := model.Incident{
		IncidentID: "INC-1",
		CompanyID:  "acme",
		Service:    "payments",
		Env:        "prod",
	}
	data := []byte(`{"rows":[{"body":"checkout failed"}]}`)

	ref, err := store.PutRaw(context.Background(), inc, model.SourceLogs, data)
	if err != nil {
		t.Fatalf("PutRaw failed: %v", err)
	}

	if ref.Key != "acme/prod/INC-1/logs.json" {
		t.Errorf("Expected key acme/prod/INC-1/logs.json, got %q", ref.Key)
	}
	wantURL := srv.URL + "/triage-artifacts/acme/prod/INC-1/logs.json"
	if ref.URL != wantURL {
		t.Errorf("Expected URL %q, got %q", wantURL, ref.URL)
	}
	if ref.Bytes != int64(len(data)) {
		t.Errorf("Expected %d bytes, got %d", len(data), ref.Bytes)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.puts) != 1 {
		t.Fatalf("Expected 1 object write, got %d", len(fake.puts))
	}
	if fake.puts[0].path != "/triage-artifacts/acme/prod/INC-1/logs.json" {
		t.Errorf("Expected object path /triage-artifacts/acme/prod/INC-1/logs.json, got %q", fake.puts[0].path)
	}
	if fake.puts[0].contentType != "application/json" {
		t.Errorf("Expected content type application/json, got %q", fake.puts[0].contentType)
	}
}

func TestMinioStore_PutAnalysis(t *testing.T) {
	fake := &fakeObjectStore{}
	store, _ := newTestStore(t, fake, nil)

	inc := model.Incident{IncidentID: "INC-7", CompanyID: "acme", Env: "prod"}
	result := &model.AnalysisResult{
		IncidentID: "INC-7",
		Summary:    "Error rate spike traced to a failing downstream dependency",
		Severity:   "high",
		Confidence: 0.82,
		Sources:    []model.SourceType{model.SourceLogs, model.SourceTraces},
		Model:      "claude-sonnet-4-20250514",
		CreatedAt:  time.Date(2025, 3, 2, 11, 4, 0, 0, time.UTC),
	}

	ref, err := store.PutAnalysis(context.Background(), inc, result)
	if err != nil {
		t.Fatalf("PutAnalysis failed: %v", err)
	}

	if ref.Key != "acme/prod/INC-7/analysis.json" {
		t.Errorf("Expected key acme/prod/INC-7/analysis.json, got %q", ref.Key)
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("Failed to marshal result: %v", err)
	}
	if ref.Bytes != int64(len(encoded)) {
		t.Errorf("Expected %d bytes, got %d", len(encoded), ref.Bytes)
	}
}

func TestMinioStore_PutDescriptor(t *testing.T) {
	fake := &fakeObjectStore{}
	store, srv := newTestStore(t, fake, nil)

	desc := &model.ArtifactDescriptor{
		Version:    model.DescriptorVersion,
		IncidentID: "INC-1",
		CompanyID:  "acme",
		Service:    "payments",
		Env:        "prod",
		Raw: map[model.SourceType]model.ArtifactRef{
			model.SourceLogs: {
				Key:   "acme/prod/INC-1/logs.json",
				URL:   srv.URL + "/triage-artifacts/acme/prod/INC-1/logs.json",
				Bytes: 37,
			},
		},
		CreatedAt: time.Now().UTC(),
	}

	ref, err := store.PutDescriptor(context.Background(), desc)
	if err != nil {
		t.Fatalf("PutDescriptor failed: %v", err)
	}
	if ref.Key != "acme/prod/INC-1/descriptor.json" {
		t.Errorf("Expected key acme/prod/INC-1/descriptor.json, got %q", ref.Key)
	}
}

func TestMinioStore_PutDenied(t *testing.T) {
	fake := &fakeObjectStore{denyPuts: true}
	store, _ := newTestStore(t, fake, nil)

	inc := model.Incident{IncidentID: "INC-1", CompanyID: "acme", Env: "prod"}
	_, err := store.PutRaw(context.Background(), inc, model.SourceLogs, []byte(`{}`))
	if err == nil {
		t.Fatal("Expected an error when the store denies writes")
	}

	var storeErr *Error
	if !errors.As(err, &storeErr) {
		t.Fatalf("Expected a storage Error, got %T", err)
	}
	if storeErr.Key != "acme/prod/INC-1/logs.json" {
		t.Errorf("Expected failing key acme/prod/INC-1/logs.json, got %q", storeErr.Key)
	}
}

func TestMinioStore_PublicURLOverride(t *testing.T) {
	fake := &fakeObjectStore{}
	store, _ := newTestStore(t, fake, func(cfg *Config) {
		cfg.PublicURL = "https://artifacts.example.com/"
	})

	inc := model.Incident{IncidentID: "INC-1", CompanyID: "acme", Env: "prod"}
	ref, err := store.PutRaw(context.Background(), inc, model.SourceTraces, []byte(`{}`))
	if err != nil {
		t.Fatalf("PutRaw failed: %v", err)
	}

	want := "https://artifacts.example.com/triage-artifacts/acme/prod/INC-1/traces.json"
	if ref.URL != want {
		t.Errorf("Expected URL %q, got %q", want, ref.URL)
	}
}
