package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

// newRecordingClient builds a client whose backoff delays are captured
// instead of slept.
func newRecordingClient(sleeps *[]time.Duration) *CompletionClient {
	return &CompletionClient{
		httpClient: &http.Client{},
		sleep:      func(d time.Duration) { *sleeps = append(*sleeps, d) },
		logger:     testLogger(),
	}
}

func candidateJSON(text string) string {
	return fmt.Sprintf(`{"candidates":[{"content":{"parts":[{"text":%q}]}}]}`, text)
}

func TestSendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, candidateJSON("hello there"))
	}))
	defer srv.Close()

	var sleeps []time.Duration
	client := newRecordingClient(&sleeps)

	resp, err := client.Send(context.Background(), srv.URL, &models.GenerateContentRequest{})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := resp.FirstText(); got != "hello there" {
		t.Errorf("FirstText() = %q, want %q", got, "hello there")
	}
	if len(sleeps) != 0 {
		t.Errorf("sleeps = %v, want none on first-attempt success", sleeps)
	}
}

func TestSendRetriesTransientWithBackoff(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var sleeps []time.Duration
	client := newRecordingClient(&sleeps)

	_, err := client.Send(context.Background(), srv.URL, &models.GenerateContentRequest{})

	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("Send() error = %v, want *TransientError", err)
	}
	if te.Status != http.StatusInternalServerError {
		t.Errorf("TransientError.Status = %d, want %d", te.Status, http.StatusInternalServerError)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want exactly 3", attempts)
	}
	want := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Fatalf("sleeps = %v, want %v", sleeps, want)
		}
	}
}

func TestSendClientErrorNotRetried(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	var sleeps []time.Duration
	client := newRecordingClient(&sleeps)

	_, err := client.Send(context.Background(), srv.URL, &models.GenerateContentRequest{})

	var ce *ClientError
	if !errors.As(err, &ce) {
		t.Fatalf("Send() error = %v, want *ClientError", err)
	}
	if ce.Status != http.StatusBadRequest {
		t.Errorf("ClientError.Status = %d, want %d", ce.Status, http.StatusBadRequest)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want exactly 1", attempts)
	}
	if len(sleeps) != 0 {
		t.Errorf("sleeps = %v, want none", sleeps)
	}
}

func TestSendRecoversMidRetry(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, candidateJSON("second time lucky"))
	}))
	defer srv.Close()

	var sleeps []time.Duration
	client := newRecordingClient(&sleeps)

	resp, err := client.Send(context.Background(), srv.URL, &models.GenerateContentRequest{})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := resp.FirstText(); got != "second time lucky" {
		t.Errorf("FirstText() = %q, want %q", got, "second time lucky")
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if len(sleeps) != 1 || sleeps[0] != 1*time.Second {
		t.Errorf("sleeps = %v, want [1s]", sleeps)
	}
}

func TestSendNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close() // nothing listening anymore

	var sleeps []time.Duration
	client := newRecordingClient(&sleeps)

	_, err := client.Send(context.Background(), endpoint, &models.GenerateContentRequest{})

	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("Send() error = %v, want *TransientError", err)
	}
	if len(sleeps) != 2 {
		t.Errorf("sleeps = %v, want two backoff delays before giving up", sleeps)
	}
}
