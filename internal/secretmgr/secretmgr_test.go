package secretmgr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkeep-io/arkeep/server/internal/repository"
)

type fakeSettingsRepo struct {
	values map[string]string
}

func newFakeSettingsRepo() *fakeSettingsRepo {
	return &fakeSettingsRepo{values: make(map[string]string)}
}

func (f *fakeSettingsRepo) Get(ctx context.Context, key string) (string, error) {
	v, ok := f.values[key]
	if !ok {
		return "", repository.ErrNotFound
	}
	return v, nil
}

func (f *fakeSettingsRepo) Set(ctx context.Context, key, value string) error {
	f.values[key] = value
	return nil
}

func (f *fakeSettingsRepo) GetAllWithPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	return nil, nil
}

func TestLoadOrCreateSigningSecretGeneratesOnFirstBoot(t *testing.T) {
	repo := newFakeSettingsRepo()
	m := New(repo)

	require.NoError(t, m.LoadOrCreateSigningSecret(context.Background()))
	assert.NotEmpty(t, m.SigningSecret())
	assert.Equal(t, string(m.SigningSecret()), repo.values[signingSecretKey])
}

func TestLoadOrCreateSigningSecretIsIdempotentAcrossRestarts(t *testing.T) {
	repo := newFakeSettingsRepo()
	first := New(repo)
	require.NoError(t, first.LoadOrCreateSigningSecret(context.Background()))

	second := New(repo)
	require.NoError(t, second.LoadOrCreateSigningSecret(context.Background()))

	assert.Equal(t, first.SigningSecret(), second.SigningSecret())
}

func TestGenerateMachineSecretIsNormalized(t *testing.T) {
	secret, err := GenerateMachineSecret()
	require.NoError(t, err)
	assert.True(t, IsNormalized(secret))
	assert.Len(t, secret, 64)
}

func TestGenerateMachineSecretIsUnique(t *testing.T) {
	a, err := GenerateMachineSecret()
	require.NoError(t, err)
	b, err := GenerateMachineSecret()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestHashSecretIsDeterministic(t *testing.T) {
	h1 := HashSecret("plain-text-secret")
	h2 := HashSecret("plain-text-secret")
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, "plain-text-secret", h1)
}

func TestIsNormalized(t *testing.T) {
	assert.True(t, IsNormalized("aaaabbbbccccddddeeeeffff0000111122223333444455556666777788889999"))
	assert.False(t, IsNormalized("not-hex"))
	assert.False(t, IsNormalized("deadbeef"))
}

func TestNormalizeLegacySecretPassesThroughAlreadyNormalized(t *testing.T) {
	normalized := "aaaabbbbccccddddeeeeffff0000111122223333444455556666777788889999"
	out, err := NormalizeLegacySecret(normalized)
	require.NoError(t, err)
	assert.Equal(t, normalized, out)
}

func TestNormalizeLegacySecretHashesAndSignalsReregister(t *testing.T) {
	out, err := NormalizeLegacySecret("my-old-legacy-secret")
	assert.ErrorIs(t, err, ErrLegacySecretNormalized)
	assert.True(t, IsNormalized(out))
}
