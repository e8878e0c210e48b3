// Copyright 2026 The Ceramic Anchor Service Authors

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	_ "github.com/lib/pq"

	"github.com/ceramicnetwork/cas/pkg/blockstore/localfs"
	"github.com/ceramicnetwork/cas/pkg/config"
	"github.com/ceramicnetwork/cas/pkg/database"
)

func TestValidateIntake(t *testing.T) {
	validCID := "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"

	tests := []struct {
		name    string
		body    intakeRequest
		wantErr bool
	}{
		{"valid", intakeRequest{StreamID: "stream-a", CID: validCID}, false},
		{"missing streamId", intakeRequest{CID: validCID}, true},
		{"missing cid", intakeRequest{StreamID: "stream-a"}, true},
		{"malformed cid", intakeRequest{StreamID: "stream-a", CID: "not-a-cid"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateIntake(tt.body)
			if tt.wantErr && err == nil {
				t.Fatal("expected an error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

var testDBURL string

func TestMain(m *testing.M) {
	testDBURL = os.Getenv("CAS_TEST_DATABASE_URL")
	if testDBURL == "" {
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func newTestCASHandlers(t *testing.T) *CASHandlers {
	t.Helper()
	client, err := database.NewClient(&config.Config{DatabaseURL: testDBURL, DatabaseMaxConns: 5, DatabaseMinConns: 1})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	if err := client.MigrateUp(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	requests := database.NewRequestRepository(client)
	anchors := database.NewAnchorRepository(client)
	return NewCASHandlers(requests, anchors, store, nil)
}

func TestCASHandlers_CreateThenGetStatus(t *testing.T) {
	if testDBURL == "" {
		t.Skip("CAS_TEST_DATABASE_URL not set")
	}
	h := newTestCASHandlers(t)

	validCID := "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"
	body, _ := json.Marshal(intakeRequest{StreamID: "stream-server-test", CID: validCID, Origin: "test"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleCreateRequest(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var created CASResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.Status != "PENDING" {
		t.Fatalf("expected PENDING, got %s", created.Status)
	}

	statusReq := httptest.NewRequest(http.MethodGet, "/api/v1/requests/"+validCID, nil)
	statusRec := httptest.NewRecorder()
	h.HandleGetRequestStatus(statusRec, statusReq)

	if statusRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", statusRec.Code, statusRec.Body.String())
	}

	var status CASResponse
	if err := json.Unmarshal(statusRec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status response: %v", err)
	}
	if status.StreamID != "stream-server-test" {
		t.Fatalf("expected stream-server-test, got %s", status.StreamID)
	}
}

func TestCASHandlers_GetStatusNotFound(t *testing.T) {
	if testDBURL == "" {
		t.Skip("CAS_TEST_DATABASE_URL not set")
	}
	h := newTestCASHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/requests/bafyunknown", nil)
	rec := httptest.NewRecorder()
	h.HandleGetRequestStatus(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
