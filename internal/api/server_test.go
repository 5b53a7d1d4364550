package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/sequence-engine/internal/store"
)

type stubQueues struct {
	depths map[string]int
	err    error
}

func (s *stubQueues) QueueDepth(queue string) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.depths[queue], nil
}

func TestHealthEndpoint(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	srv := NewServer("worker", db, nil, false, false)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["process"] != "worker" {
		t.Errorf("process = %q, want worker", body["process"])
	}
}

func TestReadyEndpointReportsDatabaseDown(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	srv := NewServer("scheduler", db, nil, false, false)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpointGatedByFlag(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	off := NewServer("pump", db, nil, false, false)
	rec := httptest.NewRecorder()
	off.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("metrics disabled: status = %d, want 404", rec.Code)
	}

	on := NewServer("pump", db, nil, true, false)
	rec = httptest.NewRecorder()
	on.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("metrics enabled: status = %d, want 200", rec.Code)
	}
}

func TestDebugQueuesEndpoint(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	queues := &stubQueues{depths: map[string]int{store.SequenceTopic: 7}}
	srv := NewServer("worker", db, queues, false, true)

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/queues", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if depth, ok := body[store.SequenceTopic].(float64); !ok || depth != 7 {
		t.Errorf("queue depth = %v, want 7", body[store.SequenceTopic])
	}
}
