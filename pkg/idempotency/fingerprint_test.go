package idempotency

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintIgnoresJSONMemberOrder(t *testing.T) {
	a := Fingerprint("POST", "/api/cases", []byte(`{"priority":"high","title":"outage"}`))
	b := Fingerprint("POST", "/api/cases", []byte(`{"title":"outage","priority":"high"}`))
	assert.Equal(t, a, b)
}

func TestFingerprintIgnoresInsignificantWhitespace(t *testing.T) {
	a := Fingerprint("POST", "/api/cases", []byte(`{"title":"outage"}`))
	b := Fingerprint("POST", "/api/cases", []byte("{\n  \"title\": \"outage\"\n}"))
	assert.Equal(t, a, b)
}

func TestFingerprintVariesByComponent(t *testing.T) {
	base := Fingerprint("POST", "/api/cases", []byte(`{"title":"outage"}`))

	assert.NotEqual(t, base, Fingerprint("PUT", "/api/cases", []byte(`{"title":"outage"}`)))
	assert.NotEqual(t, base, Fingerprint("POST", "/api/cases/c-1", []byte(`{"title":"outage"}`)))
	assert.NotEqual(t, base, Fingerprint("POST", "/api/cases", []byte(`{"title":"other"}`)))
}

func TestFingerprintNonJSONBodyHashesRaw(t *testing.T) {
	a := Fingerprint("POST", "/api/cases", []byte("plain text"))
	b := Fingerprint("POST", "/api/cases", []byte("plain text"))
	c := Fingerprint("POST", "/api/cases", []byte("plain  text"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestFingerprintEmptyBody(t *testing.T) {
	assert.Equal(t,
		Fingerprint("DELETE", "/api/cases/c-1/lock", nil),
		Fingerprint("DELETE", "/api/cases/c-1/lock", []byte{}))
}
