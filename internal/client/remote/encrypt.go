package remote

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/gophsync/internal/client/engine"
	"github.com/dmitrijs2005/gophsync/internal/client/feed"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/models"
)

// EncryptingStore seals every field value written through it and opens
// every value read back, so the server only stores ciphertext. Versions,
// field names and timestamps stay in the clear for compare-and-swap.
type EncryptingStore struct {
	engine.RemoteStore
	cipher *cryptox.FieldCipher
}

func NewEncryptingStore(next engine.RemoteStore, cipher *cryptox.FieldCipher) *EncryptingStore {
	return &EncryptingStore{RemoteStore: next, cipher: cipher}
}

func (s *EncryptingStore) open(settings models.UserSettings) (models.UserSettings, error) {
	fields, err := s.cipher.OpenFields(settings.Fields)
	if err != nil {
		return models.UserSettings{}, err
	}
	settings.Fields = fields
	return settings, nil
}

func (s *EncryptingStore) ReadSettings(ctx context.Context, userID, deviceID string) (models.UserSettings, error) {
	settings, err := s.RemoteStore.ReadSettings(ctx, userID, deviceID)
	if err != nil {
		return models.UserSettings{}, err
	}
	return s.open(settings)
}

func (s *EncryptingStore) WriteSettings(ctx context.Context, req models.WriteRequest) (models.UserSettings, error) {
	sealed, err := s.cipher.SealFields(req.Patch)
	if err != nil {
		return models.UserSettings{}, err
	}
	req.Patch = sealed

	committed, err := s.RemoteStore.WriteSettings(ctx, req)
	var conflictErr *models.ConflictError
	if errors.As(err, &conflictErr) {
		current, oerr := s.open(conflictErr.Current)
		if oerr != nil {
			return models.UserSettings{}, oerr
		}
		return models.UserSettings{}, &models.ConflictError{Current: current}
	}
	if err != nil {
		return models.UserSettings{}, err
	}
	return s.open(committed)
}

func (s *EncryptingStore) SubscribeChanges(ctx context.Context, userID, deviceID string, afterVersion int64) (feed.Stream, error) {
	st, err := s.RemoteStore.SubscribeChanges(ctx, userID, deviceID, afterVersion)
	if err != nil {
		return nil, err
	}
	return &openingStream{Stream: st, store: s}, nil
}

type openingStream struct {
	feed.Stream
	store *EncryptingStore
}

func (o *openingStream) Recv() (models.UserSettings, error) {
	settings, err := o.Stream.Recv()
	if err != nil {
		return models.UserSettings{}, err
	}
	return o.store.open(settings)
}
