package envelope_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultkeep/envelope/aead"
	"github.com/vaultkeep/envelope/envelope"
	"github.com/vaultkeep/envelope/kms"
	"github.com/vaultkeep/envelope/metastore"
)

func newTestFactory(t *testing.T, opts ...envelope.PolicyOption) *envelope.SessionFactory {
	t.Helper()

	keyManager, err := kms.NewStaticAES256GCM("thisIsAStaticMasterKeyForTesting")
	require.NoError(t, err)

	config := &envelope.Config{
		Service: "testService",
		Product: "testProduct",
		Policy:  envelope.NewCryptoPolicy(opts...),
	}

	return envelope.NewSessionFactory(config, metastore.NewMemory(), keyManager, aead.NewAES256GCM())
}

func TestSession_EncryptDecrypt_RoundTrip(t *testing.T) {
	factory := newTestFactory(t)
	defer factory.Close()

	session, err := factory.GetSession("shopper-123")
	require.NoError(t, err)
	defer session.Close()

	payload := []byte("a very secret payload")

	ctx := context.Background()

	dr, err := session.Encrypt(ctx, payload)
	require.NoError(t, err)
	require.NotNil(t, dr)
	assert.NotEqual(t, payload, dr.Data)

	decrypted, err := session.Decrypt(ctx, *dr)
	require.NoError(t, err)
	assert.Equal(t, payload, decrypted)
}

func TestSession_MultipleRecordsShareIntermediateKey(t *testing.T) {
	factory := newTestFactory(t)
	defer factory.Close()

	session, err := factory.GetSession("shopper-123")
	require.NoError(t, err)
	defer session.Close()

	ctx := context.Background()

	dr1, err := session.Encrypt(ctx, []byte("first"))
	require.NoError(t, err)

	dr2, err := session.Encrypt(ctx, []byte("second"))
	require.NoError(t, err)

	assert.Equal(t, dr1.Key.ParentKeyMeta, dr2.Key.ParentKeyMeta)
}

func TestSession_DifferentPartitionsGetDifferentIntermediateKeys(t *testing.T) {
	factory := newTestFactory(t)
	defer factory.Close()

	ctx := context.Background()

	s1, err := factory.GetSession("shopper-1")
	require.NoError(t, err)
	defer s1.Close()

	s2, err := factory.GetSession("shopper-2")
	require.NoError(t, err)
	defer s2.Close()

	dr1, err := s1.Encrypt(ctx, []byte("data"))
	require.NoError(t, err)

	dr2, err := s2.Encrypt(ctx, []byte("data"))
	require.NoError(t, err)

	assert.NotEqual(t, dr1.Key.ParentKeyMeta.ID, dr2.Key.ParentKeyMeta.ID)
}

func TestSession_LoadStore_RoundTripViaFuncAdapters(t *testing.T) {
	factory := newTestFactory(t)
	defer factory.Close()

	session, err := factory.GetSession("shopper-123")
	require.NoError(t, err)
	defer session.Close()

	var saved envelope.DataRowRecord

	storer := envelope.StorerFunc(func(_ context.Context, d envelope.DataRowRecord) (interface{}, error) {
		saved = d
		return "record-1", nil
	})

	loader := envelope.LoaderFunc(func(_ context.Context, key interface{}) (*envelope.DataRowRecord, error) {
		assert.Equal(t, "record-1", key)
		return &saved, nil
	})

	ctx := context.Background()

	id, err := session.Store(ctx, []byte("hello"), storer)
	require.NoError(t, err)
	assert.Equal(t, "record-1", id)

	decrypted, err := session.Load(ctx, id, loader)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), decrypted)
}

func TestSessionFactory_GetSession_EmptyIDErrors(t *testing.T) {
	factory := newTestFactory(t)
	defer factory.Close()

	_, err := factory.GetSession("")
	assert.Error(t, err)
}

func TestSessionFactory_WithSessionCache_SharesUnderlyingSession(t *testing.T) {
	factory := newTestFactory(t, envelope.WithSessionCache())
	defer factory.Close()

	s1, err := factory.GetSession("shopper-123")
	require.NoError(t, err)

	s2, err := factory.GetSession("shopper-123")
	require.NoError(t, err)

	ctx := context.Background()

	dr, err := s1.Encrypt(ctx, []byte("shared"))
	require.NoError(t, err)

	decrypted, err := s2.Decrypt(ctx, *dr)
	require.NoError(t, err)
	assert.Equal(t, []byte("shared"), decrypted)

	assert.NoError(t, s1.Close())
	assert.NoError(t, s2.Close())
}

func TestSessionFactory_Close_DestroysCheckedOutSessionAndFailsStaleHandle(t *testing.T) {
	factory := newTestFactory(t, envelope.WithSessionCache())

	session, err := factory.GetSession("shopper-123")
	require.NoError(t, err)

	require.NoError(t, factory.Close())

	_, err = session.Encrypt(context.Background(), []byte("stale"))
	assert.ErrorIs(t, err, envelope.ErrClosedSession)

	_, err = factory.GetSession("shopper-456")
	assert.ErrorIs(t, err, envelope.ErrClosedSession)
}

func TestSessionFactory_WithNoKeyCaching_StillRoundTrips(t *testing.T) {
	factory := newTestFactory(t, envelope.WithNoKeyCaching())
	defer factory.Close()

	session, err := factory.GetSession("shopper-123")
	require.NoError(t, err)
	defer session.Close()

	ctx := context.Background()

	dr, err := session.Encrypt(ctx, []byte("uncached"))
	require.NoError(t, err)

	decrypted, err := session.Decrypt(ctx, *dr)
	require.NoError(t, err)
	assert.Equal(t, []byte("uncached"), decrypted)
}
