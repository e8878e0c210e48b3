// Copyright 2026 The Ceramic Anchor Service Authors
//
// Integration test for the anchor() batch procedure. Uses a test database
// or skips, mirroring the teacher's CERTEN_TEST_DB TestMain pattern.

package anchorsvc

import (
	"context"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/ceramicnetwork/cas/pkg/blockchain"
	"github.com/ceramicnetwork/cas/pkg/blockstore/localfs"
	"github.com/ceramicnetwork/cas/pkg/candidate"
	"github.com/ceramicnetwork/cas/pkg/config"
	"github.com/ceramicnetwork/cas/pkg/database"
	"github.com/ceramicnetwork/cas/pkg/metadata"
)

var testDBURL string

func TestMain(m *testing.M) {
	testDBURL = os.Getenv("CAS_TEST_DATABASE_URL")
	if testDBURL == "" {
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// fakeSubmitter implements blockchain.Submitter by recording submitted
// roots rather than touching a real chain.
type fakeSubmitter struct {
	submitted []string
}

func (f *fakeSubmitter) SendTransaction(ctx context.Context, rootCID string) (*blockchain.Receipt, error) {
	f.submitted = append(f.submitted, rootCID)
	return &blockchain.Receipt{TxHash: "0xtest", ChainID: 1337, BlockNumber: 1, BlockTimestamp: time.Now()}, nil
}

// fakeDereferencer always returns a fixed set of genesis fields, since
// genesis commits are never actually written to the test blockstore here.
type fakeDereferencer struct{}

func (fakeDereferencer) DereferenceGenesis(ctx context.Context, streamID string) (*metadata.GenesisFields, error) {
	return &metadata.GenesisFields{Controllers: []string{"did:key:test"}}, nil
}

func newTestService(t *testing.T, client *database.Client, store *localfs.Store) (*Service, *fakeSubmitter) {
	t.Helper()

	requests := database.NewRequestRepository(client)
	anchors := database.NewAnchorRepository(client)
	metadataRepo := database.NewMetadataRepository(client)
	metaSvc := metadata.NewService(metadataRepo, fakeDereferencer{}, 1)
	builder := candidate.NewBuilder(metaSvc, nil)
	submitter := &fakeSubmitter{}

	cfg := Config{
		SchedulerID:      "test-scheduler",
		BatchMinSize:     1,
		BatchMaxSize:     16,
		BatchLinger:      0,
		MerkleDepthLimit: 8,
		MutexMaxAttempts: 3,
		MutexDelay:       10 * time.Millisecond,
		SubmitRetries:    2,
		SubmitBackoff:    10 * time.Millisecond,
	}

	return NewService(cfg, client, requests, anchors, metadataRepo, builder, submitter, store, nil), submitter
}

func TestService_RunOnce_AnchorsBatch(t *testing.T) {
	if testDBURL == "" {
		t.Skip("CAS_TEST_DATABASE_URL not configured")
	}

	client, err := database.NewClient(&config.Config{
		DatabaseURL:      testDBURL,
		DatabaseMaxConns: 5,
		DatabaseMinConns: 1,
	})
	if err != nil {
		t.Fatalf("construct client: %v", err)
	}
	defer client.Close()
	if err := client.MigrateUp(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	dir := t.TempDir()
	store, err := localfs.New(dir)
	if err != nil {
		t.Fatalf("construct blockstore: %v", err)
	}

	svc, submitter := newTestService(t, client, store)
	requests := database.NewRequestRepository(client)

	ctx := context.Background()
	if _, err := requests.CreateRequest(ctx, "stream-a", "cid-a", time.Now(), "test"); err != nil {
		t.Fatalf("create request: %v", err)
	}
	if _, err := requests.CreateRequest(ctx, "stream-b", "cid-b", time.Now(), "test"); err != nil {
		t.Fatalf("create request: %v", err)
	}

	if err := svc.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(submitter.submitted) != 1 {
		t.Fatalf("expected exactly one root submitted, got %d", len(submitter.submitted))
	}

	reqA, err := requests.GetStatusByStreamAndCID(ctx, "stream-a", "cid-a")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if reqA.Status != database.RequestCompleted {
		t.Fatalf("expected stream-a request completed, got %s", reqA.Status)
	}
}

func TestService_RunOnce_EmptyBatchIsNoop(t *testing.T) {
	if testDBURL == "" {
		t.Skip("CAS_TEST_DATABASE_URL not configured")
	}

	client, err := database.NewClient(&config.Config{
		DatabaseURL:      testDBURL,
		DatabaseMaxConns: 5,
		DatabaseMinConns: 1,
	})
	if err != nil {
		t.Fatalf("construct client: %v", err)
	}
	defer client.Close()
	if err := client.MigrateUp(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	dir := t.TempDir()
	store, err := localfs.New(dir)
	if err != nil {
		t.Fatalf("construct blockstore: %v", err)
	}

	svc, submitter := newTestService(t, client, store)
	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce on empty table: %v", err)
	}
	if len(submitter.submitted) != 0 {
		t.Fatalf("expected no submission on empty batch, got %d", len(submitter.submitted))
	}
}
