// Copyright 2026 The Ceramic Anchor Service Authors

package candidate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ceramicnetwork/cas/pkg/database"
	"github.com/ceramicnetwork/cas/pkg/metadata"
)

type fakeResolver struct {
	fields map[string]*metadata.GenesisFields
	errFor map[string]error
}

func (f *fakeResolver) Resolve(ctx context.Context, streamID string) (*metadata.GenesisFields, error) {
	if err, ok := f.errFor[streamID]; ok {
		return nil, err
	}
	return f.fields[streamID], nil
}

func req(streamID, cid string, createdAt time.Time) *database.Request {
	return &database.Request{
		ID:        uuid.New(),
		StreamID:  streamID,
		CID:       cid,
		Status:    database.RequestReady,
		CreatedAt: createdAt,
	}
}

func TestBuilder_TipSelectionAndReplacement(t *testing.T) {
	t0 := time.Now()
	older := req("stream-a", "cid-1", t0)
	newer := req("stream-a", "cid-2", t0.Add(time.Second))

	resolver := &fakeResolver{fields: map[string]*metadata.GenesisFields{
		"stream-a": {Controllers: []string{"did:key:1"}},
	}}
	b := NewBuilder(resolver, nil)

	result, err := b.Build(context.Background(), []*database.Request{older, newer})
	require.NoError(t, err)
	require.Len(t, result.Candidates, 1)
	require.Equal(t, "cid-2", result.Candidates[0].CID)
	require.Len(t, result.Replaced, 1)
	require.Equal(t, older.ID, result.Replaced[0].Request.ID)
	require.Equal(t, newer.ID, result.Replaced[0].SupersededBy)
}

func TestBuilder_MetadataFailureDropsGroup(t *testing.T) {
	r := req("stream-b", "cid-1", time.Now())
	resolver := &fakeResolver{errFor: map[string]error{"stream-b": errors.New("dereference failed")}}
	b := NewBuilder(resolver, nil)

	result, err := b.Build(context.Background(), []*database.Request{r})
	require.NoError(t, err)
	require.Empty(t, result.Candidates)
	require.Len(t, result.Failed, 1)
	require.Equal(t, r.ID, result.Failed[0].Request.ID)
}

type alwaysAnchored struct{ proofCID string }

func (a alwaysAnchored) AlreadyAnchored(ctx context.Context, streamID, cid string) (bool, string, error) {
	return true, a.proofCID, nil
}

func TestBuilder_AlreadyAnchoredExcludedFromTree(t *testing.T) {
	r := req("stream-c", "cid-1", time.Now())
	resolver := &fakeResolver{fields: map[string]*metadata.GenesisFields{
		"stream-c": {Controllers: []string{"did:key:1"}},
	}}
	b := NewBuilder(resolver, alwaysAnchored{proofCID: "bafy-existing"})

	result, err := b.Build(context.Background(), []*database.Request{r})
	require.NoError(t, err)
	require.Len(t, result.Candidates, 1)
	require.True(t, result.Candidates[0].AlreadyAnchored)
	require.False(t, result.Candidates[0].ShouldAnchor())
	require.Equal(t, "bafy-existing", result.Candidates[0].ExistingProofCID)
}
