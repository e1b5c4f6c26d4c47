package report

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPClientSendObservation(t *testing.T) {
	t.Run("posts json to the package path", func(t *testing.T) {
		var gotPath string
		var gotObs Observation
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			if ct := r.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("content type = %q", ct)
			}
			if err := json.NewDecoder(r.Body).Decode(&gotObs); err != nil {
				t.Errorf("decode body: %v", err)
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client := NewHTTPClient(server.URL, time.Second)
		obs := Observation{
			Kind:         ObservationKindMalware,
			Summary:      "credential stealer",
			InspectorURL: "https://inspector.example/requests",
		}
		if err := client.SendObservation(context.Background(), "requests", obs); err != nil {
			t.Fatalf("SendObservation: %v", err)
		}
		if gotPath != "/report/requests" {
			t.Errorf("path = %q", gotPath)
		}
		if gotObs.Kind != ObservationKindMalware || gotObs.Summary != "credential stealer" {
			t.Errorf("observation = %+v", gotObs)
		}
	})

	t.Run("non-2xx maps to ErrReporterFailure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		client := NewHTTPClient(server.URL, time.Second)
		err := client.SendObservation(context.Background(), "requests", Observation{})
		if !errors.Is(err, ErrReporterFailure) {
			t.Fatalf("expected ErrReporterFailure, got %v", err)
		}
	})

	t.Run("unreachable reporter maps to ErrReporterFailure", func(t *testing.T) {
		client := NewHTTPClient("http://127.0.0.1:1", 200*time.Millisecond)
		err := client.SendObservation(context.Background(), "requests", Observation{})
		if !errors.Is(err, ErrReporterFailure) {
			t.Fatalf("expected ErrReporterFailure, got %v", err)
		}
	})
}

func TestHTTPClientSendEmail(t *testing.T) {
	var gotPath string
	var gotEmail Email
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotEmail); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL+"/", time.Second)
	email := Email{
		Name:         "requests",
		Version:      "2.31.0",
		RulesMatched: []string{"rule-a"},
		InspectorURL: "https://inspector.example/requests",
	}
	if err := client.SendEmail(context.Background(), email); err != nil {
		t.Fatalf("SendEmail: %v", err)
	}
	if gotPath != "/report/email" {
		t.Errorf("path = %q", gotPath)
	}
	if gotEmail.Name != "requests" || len(gotEmail.RulesMatched) != 1 {
		t.Errorf("email = %+v", gotEmail)
	}
}
