package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bandforband/dueld/internal/domain"
)

func testUpdate() domain.PositionUpdate {
	return domain.PositionUpdate{
		DuelID:        3,
		CreatorValue:  1_100_000,
		OpponentValue: 900_000,
		Timestamp:     1_700_000_000,
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	a, err := NewAttestor("oracle-1", []byte("topsecret"))
	require.NoError(t, err)

	signed := a.Sign(testUpdate())
	assert.Equal(t, "oracle-1", signed.OracleID)
	assert.NotEmpty(t, signed.Signature)
	assert.NoError(t, a.Verify(signed))
}

func TestVerifyRejectsTamperedValues(t *testing.T) {
	a, err := NewAttestor("oracle-1", []byte("topsecret"))
	require.NoError(t, err)

	signed := a.Sign(testUpdate())
	signed.CreatorValue++
	assert.ErrorIs(t, a.Verify(signed), domain.ErrBadSignature)
}

func TestVerifyRejectsWrongOracle(t *testing.T) {
	a, err := NewAttestor("oracle-1", []byte("topsecret"))
	require.NoError(t, err)
	b, err := NewAttestor("oracle-2", []byte("topsecret"))
	require.NoError(t, err)

	assert.ErrorIs(t, a.Verify(b.Sign(testUpdate())), domain.ErrBadSignature)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	a, err := NewAttestor("oracle-1", []byte("topsecret"))
	require.NoError(t, err)
	imposter, err := NewAttestor("oracle-1", []byte("guessed"))
	require.NoError(t, err)

	assert.ErrorIs(t, a.Verify(imposter.Sign(testUpdate())), domain.ErrBadSignature)
}

func TestNewAttestorValidation(t *testing.T) {
	_, err := NewAttestor("", []byte("s"))
	assert.Error(t, err)
	_, err = NewAttestor("oracle-1", nil)
	assert.Error(t, err)
}

func TestEncryptDecryptSecret(t *testing.T) {
	blob, err := EncryptSecret([]byte("hunter2"), "pass")
	require.NoError(t, err)

	secret, err := DecryptSecret(blob, "pass")
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), secret)

	_, err = DecryptSecret(blob, "wrong")
	assert.Error(t, err)
}

func TestLoadSecretRawTakesPrecedence(t *testing.T) {
	secret, err := LoadSecret(SecretConfig{RawSecret: "abc"})
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), secret)

	_, err = LoadSecret(SecretConfig{})
	assert.Error(t, err)
}
