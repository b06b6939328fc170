package cryptoframe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpforge/wdt/pkg/protocol"
)

func TestNewWithNoneReturnsNil(t *testing.T) {
	c, err := New(protocol.EncNone, nil)
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Nil(t, c.ComputeCurTag())
}

func TestSealOpenRoundTrip(t *testing.T) {
	secret, err := GenerateSecret()
	require.NoError(t, err)

	sender, err := New(protocol.EncAES128GCM, secret)
	require.NoError(t, err)
	receiver, err := New(protocol.EncAES128GCM, secret)
	require.NoError(t, err)

	plaintext := []byte("some file bytes in a block")
	sealed := sender.Seal(plaintext)
	opened, err := receiver.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
	assert.Equal(t, sender.ComputeCurTag(), receiver.ComputeCurTag())
}

func TestOpenFailsOnTampering(t *testing.T) {
	secret, err := GenerateSecret()
	require.NoError(t, err)
	sender, err := New(protocol.EncAES128GCM, secret)
	require.NoError(t, err)
	receiver, err := New(protocol.EncAES128GCM, secret)
	require.NoError(t, err)

	sealed := sender.Seal([]byte("payload"))
	sealed[0] ^= 0xFF
	_, err = receiver.Open(sealed)
	assert.Error(t, err)
}

func TestNonceAdvancesEachChunk(t *testing.T) {
	secret, err := GenerateSecret()
	require.NoError(t, err)
	sender, err := New(protocol.EncAES128GCM, secret)
	require.NoError(t, err)

	first := sender.Seal([]byte("a"))
	second := sender.Seal([]byte("a"))
	assert.NotEqual(t, first, second)
}
