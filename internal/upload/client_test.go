package upload

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/overland-data/tripline/internal/trip"
)

func TestSendOnePostsJSON(t *testing.T) {
	var gotPath, gotContentType string
	var gotFix trip.PositionFix
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotFix); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	fix := trip.PositionFix{Lat: 37.77, Lon: -122.42, AccuracyM: 8, TimestampMS: 1_700_000_000_000, DeviceID: "device-a"}
	c := NewClient(srv.URL)
	if err := c.SendOne(context.Background(), fix); err != nil {
		t.Fatalf("SendOne: %v", err)
	}

	if gotPath != "/v1/positions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotContentType != "application/json" {
		t.Errorf("content type = %q", gotContentType)
	}
	if gotFix != fix {
		t.Errorf("body = %+v, want %+v", gotFix, fix)
	}
}

func TestSendBatchWrapsPositions(t *testing.T) {
	var got struct {
		Positions []trip.PositionFix `json:"positions"`
	}
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
	}))
	defer srv.Close()

	fixes := []trip.PositionFix{
		{Lat: 1, Lon: 2, AccuracyM: 5, TimestampMS: 1000},
		{Lat: 3, Lon: 4, AccuracyM: 6, TimestampMS: 2000},
	}
	c := NewClient(srv.URL + "/") // trailing slash is trimmed
	if err := c.SendBatch(context.Background(), fixes); err != nil {
		t.Fatalf("SendBatch: %v", err)
	}

	if gotPath != "/v1/positions/batch" {
		t.Errorf("path = %q", gotPath)
	}
	if len(got.Positions) != 2 {
		t.Fatalf("batch carried %d positions, want 2", len(got.Positions))
	}
}

func TestServerErrorIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.SendOne(context.Background(), trip.PositionFix{Lat: 1, Lon: 2, TimestampMS: 1000}); err == nil {
		t.Fatal("5xx response not reported as an error")
	}
}

func TestTransportErrorIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewClient(srv.URL)
	if err := c.SendOne(context.Background(), trip.PositionFix{Lat: 1, Lon: 2, TimestampMS: 1000}); err == nil {
		t.Fatal("transport failure not reported as an error")
	}
}

func TestContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(srv.URL)
	if err := c.SendOne(ctx, trip.PositionFix{Lat: 1, Lon: 2, TimestampMS: 1000}); err == nil {
		t.Fatal("cancelled context not reported as an error")
	}
}
