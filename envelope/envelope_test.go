package envelope

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberward/residentd/interfaces"
	"github.com/emberward/residentd/seal"
	"github.com/emberward/residentd/vault"
)

func newTestService(t *testing.T) (*Service, *seal.Manager, *vault.MemoryVault) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	mgr := seal.NewManager(log)
	key := make([]byte, seal.KeySize)
	_, err := io.ReadFull(rand.Reader, key)
	require.NoError(t, err)
	require.NoError(t, mgr.UnsealFromKey(key))

	mv := vault.NewMemoryVault()
	return NewService(mgr, mv, log), mgr, mv
}

func sampleState() *interfaces.ResidentState {
	return &interfaces.ResidentState{
		ID:           interfaces.NewResidentID(),
		Identity:     interfaces.ResidentIdentity{DisplayName: "Juniper"},
		Instructions: "Tend your notebook.",
		History: []interfaces.ChatMessage{
			{Role: "assistant", Content: "day one", At: time.Now().UTC().Truncate(time.Second)},
		},
		Memory:    map[string]string{"garden": "thriving"},
		Status:    interfaces.ResidentActive,
		TokenBank: 5_000,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc, _, _ := newTestService(t)
	state := sampleState()

	blob, err := svc.Encrypt(state)
	require.NoError(t, err)
	assert.Equal(t, state.ID, blob.ResidentID)
	assert.Equal(t, interfaces.BlobFormatVersion, blob.Version)
	assert.NotEmpty(t, blob.WrappedDEK.Nonce)
	assert.NotEmpty(t, blob.Payload.Data)

	got, err := svc.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, state, got)
}

func TestEncryptUsesFreshDEKPerWrite(t *testing.T) {
	svc, _, _ := newTestService(t)
	state := sampleState()

	a, err := svc.Encrypt(state)
	require.NoError(t, err)
	b, err := svc.Encrypt(state)
	require.NoError(t, err)

	// Same plaintext, different DEK and nonces every time.
	assert.NotEqual(t, a.WrappedDEK.Data, b.WrappedDEK.Data)
	assert.NotEqual(t, a.WrappedDEK.Nonce, b.WrappedDEK.Nonce)
	assert.NotEqual(t, a.Payload.Nonce, b.Payload.Nonce)
	assert.NotEqual(t, a.Payload.Data, b.Payload.Data)
}

func TestFailsClosedWhileSealed(t *testing.T) {
	svc, mgr, _ := newTestService(t)
	state := sampleState()

	blob, err := svc.Encrypt(state)
	require.NoError(t, err)

	mgr.Reseal()

	_, err = svc.Encrypt(state)
	require.ErrorIs(t, err, interfaces.ErrKeyUnavailable)

	_, err = svc.Decrypt(blob)
	require.ErrorIs(t, err, interfaces.ErrKeyUnavailable)

	_, err = svc.Load(context.Background(), state.ID)
	require.ErrorIs(t, err, interfaces.ErrKeyUnavailable)
}

func TestDecryptDetectsTampering(t *testing.T) {
	svc, _, _ := newTestService(t)

	blob, err := svc.Encrypt(sampleState())
	require.NoError(t, err)

	tampered := *blob
	tampered.Payload.Data = append([]byte(nil), blob.Payload.Data...)
	tampered.Payload.Data[0] ^= 0xff
	_, err = svc.Decrypt(&tampered)
	require.ErrorIs(t, err, interfaces.ErrDecryptFailed)

	tampered = *blob
	tampered.WrappedDEK.Data = append([]byte(nil), blob.WrappedDEK.Data...)
	tampered.WrappedDEK.Data[0] ^= 0xff
	_, err = svc.Decrypt(&tampered)
	require.ErrorIs(t, err, interfaces.ErrDecryptFailed)
}

func TestDecryptRejectsUnknownVersion(t *testing.T) {
	svc, _, _ := newTestService(t)

	blob, err := svc.Encrypt(sampleState())
	require.NoError(t, err)

	blob.Version = 99
	_, err = svc.Decrypt(blob)
	require.Error(t, err)
	require.NotErrorIs(t, err, interfaces.ErrDecryptFailed)
}

func TestDecryptUnderDifferentMasterKey(t *testing.T) {
	svc, _, _ := newTestService(t)
	blob, err := svc.Encrypt(sampleState())
	require.NoError(t, err)

	other, _, _ := newTestService(t)
	_, err = other.Decrypt(blob)
	require.ErrorIs(t, err, interfaces.ErrDecryptFailed)
}

func TestStoreLoadErase(t *testing.T) {
	svc, _, mv := newTestService(t)
	ctx := context.Background()
	state := sampleState()

	require.NoError(t, svc.Store(ctx, state))

	exists, err := mv.Exists(ctx, state.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := svc.Load(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, state, got)

	require.NoError(t, svc.Erase(ctx, state.ID))

	_, err = svc.Load(ctx, state.ID)
	require.ErrorIs(t, err, interfaces.ErrBlobNotFound)
}
