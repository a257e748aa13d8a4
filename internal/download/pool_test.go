package download

import (
	"context"
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
)

func TestNewPoolDefaultWorkers(t *testing.T) {
	client := newTestClient(t)

	if pool := NewPool(client, 0, testLogger()); pool.Workers() != 1 {
		t.Errorf("expected 1 worker (default), got %d", pool.Workers())
	}
	if pool := NewPool(client, -5, nil); pool.Workers() != 1 || pool.logger == nil {
		t.Errorf("expected defaults, got workers=%d", pool.Workers())
	}
	if pool := NewPool(client, 5, testLogger()); pool.Workers() != 5 {
		t.Errorf("expected 5 workers, got %d", pool.Workers())
	}
}

func TestPoolExecute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("content of " + r.URL.Path))
	}))
	defer server.Close()

	tmpDir := t.TempDir()
	pool := NewPool(newTestClient(t), 3, testLogger())

	var jobs []Job
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("file%d.bin", i)
		jobs = append(jobs, Job{
			Key: name,
			Request: Request{
				URL:            server.URL + "/" + name,
				DestPath:       filepath.Join(tmpDir, name),
				ExpectedDigest: md5Hex([]byte("content of /" + name)),
			},
		})
	}

	results := pool.Execute(context.Background(), jobs)
	if len(results) != len(jobs) {
		t.Fatalf("expected %d results, got %d", len(jobs), len(results))
	}
	for i, r := range results {
		if r.Job.Key != jobs[i].Key {
			t.Errorf("result %d is for %s, want %s", i, r.Job.Key, jobs[i].Key)
		}
		if r.Err != nil || r.Result.Outcome != OutcomeSuccess {
			t.Errorf("job %s failed: %v", r.Job.Key, r.Err)
		}
		data, err := os.ReadFile(jobs[i].Request.DestPath)
		if err != nil || !strings.HasSuffix(string(data), jobs[i].Key) {
			t.Errorf("unexpected content for %s: %q %v", jobs[i].Key, data, err)
		}
	}
}

func TestPoolConcurrency(t *testing.T) {
	activeDownloads := int32(0)
	maxConcurrent := int32(0)
	var mu sync.Mutex

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt32(&activeDownloads, 1)
		defer atomic.AddInt32(&activeDownloads, -1)

		mu.Lock()
		if current > maxConcurrent {
			maxConcurrent = current
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte("download content"))
	}))
	defer server.Close()

	tmpDir := t.TempDir()
	pool := NewPool(newTestClient(t), 4, testLogger())

	jobs := make([]Job, 10)
	for i := range jobs {
		jobs[i] = Job{Request: Request{
			URL:      server.URL,
			DestPath: filepath.Join(tmpDir, fmt.Sprintf("file%d.bin", i)),
		}}
	}

	results := pool.Execute(context.Background(), jobs)
	if len(results) != 10 {
		t.Errorf("expected 10 results, got %d", len(results))
	}
	if maxConcurrent < 2 {
		t.Errorf("expected max concurrent downloads >= 2, got %d", maxConcurrent)
	}
	if maxConcurrent > 4 {
		t.Errorf("expected max concurrent downloads <= 4 (workers), got %d", maxConcurrent)
	}
}

func TestPoolIsolatesFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "bad") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	tmpDir := t.TempDir()
	pool := NewPool(newTestClient(t), 2, testLogger())
	jobs := []Job{
		{Key: "good1", Request: Request{URL: server.URL + "/good1", DestPath: filepath.Join(tmpDir, "good1")}},
		{Key: "bad", Request: Request{URL: server.URL + "/bad", DestPath: filepath.Join(tmpDir, "bad"), MaxAttempts: 2}},
		{Key: "good2", Request: Request{URL: server.URL + "/good2", DestPath: filepath.Join(tmpDir, "good2")}},
	}

	results := pool.Execute(context.Background(), jobs)
	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("good jobs failed: %v / %v", results[0].Err, results[2].Err)
	}
	if results[1].Err == nil || results[1].Result.Outcome != OutcomeExhaustedRetries || results[1].Result.Attempts != 2 {
		t.Errorf("bad job: %+v", results[1].Result)
	}
}

func TestPoolContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("never reached"))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tmpDir := t.TempDir()
	pool := NewPool(newTestClient(t), 2, testLogger())
	jobs := []Job{
		{Key: "a", Request: Request{URL: server.URL, DestPath: filepath.Join(tmpDir, "a")}},
		{Key: "b", Request: Request{URL: server.URL, DestPath: filepath.Join(tmpDir, "b")}},
	}

	results := pool.Execute(ctx, jobs)
	if len(results) != 2 {
		t.Fatalf("expected a result per job, got %d", len(results))
	}
	for _, r := range results {
		if r.Err == nil || r.Result.Outcome != OutcomeFailed {
			t.Errorf("job %s: expected cancellation failure, got %+v", r.Job.Key, r.Result)
		}
	}
}

func TestPoolEmptyJobs(t *testing.T) {
	pool := NewPool(newTestClient(t), 2, testLogger())
	if results := pool.Execute(context.Background(), nil); len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}
