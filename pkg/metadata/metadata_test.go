// Copyright 2026 The Ceramic Anchor Service Authors

package metadata

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/require"
)

func noopLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type fakeDereferencer struct {
	calls  int
	fields *GenesisFields
	failN  int
	err    error
}

func (f *fakeDereferencer) DereferenceGenesis(ctx context.Context, streamID string) (*GenesisFields, error) {
	f.calls++
	if f.calls <= f.failN {
		return nil, f.err
	}
	return f.fields, nil
}

func TestGenesisFieldsValidate(t *testing.T) {
	g := &GenesisFields{}
	require.Error(t, g.validate())

	g.Controllers = []string{"did:key:z6Mk..."}
	require.NoError(t, g.validate())
}

func TestService_DereferenceWithRetry_EventualSuccess(t *testing.T) {
	deref := &fakeDereferencer{
		failN:  2,
		err:    errors.New("transient fetch failure"),
		fields: &GenesisFields{Controllers: []string{"did:key:abc"}},
	}
	svc := &Service{dereferencer: deref, maxRetries: 3, logger: noopLogger()}

	fields, err := svc.dereferenceWithRetry(context.Background(), "stream-1")
	require.NoError(t, err)
	require.Equal(t, []string{"did:key:abc"}, fields.Controllers)
	require.Equal(t, 3, deref.calls)
}

func TestService_DereferenceWithRetry_ExhaustsRetries(t *testing.T) {
	deref := &fakeDereferencer{
		failN: 10,
		err:   errors.New("permanently unavailable"),
	}
	svc := &Service{dereferencer: deref, maxRetries: 2, logger: noopLogger()}

	_, err := svc.dereferenceWithRetry(context.Background(), "stream-1")
	require.ErrorIs(t, err, ErrMetadataUnavailable)
	require.Equal(t, 3, deref.calls)
}
