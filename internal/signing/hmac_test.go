package signing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignKnownVector(t *testing.T) {
	// echo -n "payload" | openssl dgst -sha256 -hmac "secret"
	expected := "sha256=b82fcb791acec57859b989b430a826488ce2e479fdf92326bd0a2e8375a42ba4"

	assert.Equal(t, expected, Sign([]byte("payload"), "secret"))
}

func TestSignIsDeterministic(t *testing.T) {
	payload := []byte(`{"id":"dlv_1","event":"task.created","data":{"task_id":"t1"}}`)

	assert.Equal(t, Sign(payload, "whsec_a"), Sign(payload, "whsec_a"))
	assert.NotEqual(t, Sign(payload, "whsec_a"), Sign(payload, "whsec_b"))
}

func TestVerify(t *testing.T) {
	payload := []byte(`{"id":"dlv_1","event":"task.created","data":{"task_id":"t1"}}`)
	secret := "whsec_0123456789abcdef"
	sig := Sign(payload, secret)

	t.Run("round trip", func(t *testing.T) {
		assert.True(t, Verify(sig, payload, secret))
	})

	t.Run("one byte of payload changed", func(t *testing.T) {
		tampered := append([]byte(nil), payload...)
		tampered[len(tampered)-3] = 'X'
		assert.False(t, Verify(sig, tampered, secret))
	})

	t.Run("one byte of secret changed", func(t *testing.T) {
		assert.False(t, Verify(sig, payload, "whsec_0123456789abcdeF"))
	})

	t.Run("missing algorithm tag", func(t *testing.T) {
		assert.False(t, Verify(sig[len(Prefix):], payload, secret))
	})
}
