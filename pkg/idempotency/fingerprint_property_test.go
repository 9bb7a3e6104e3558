//go:build property
// +build property

// Package idempotency_test contains property-based tests for fingerprint
// determinism and order independence.
package idempotency_test

import (
	"bytes"
	"encoding/json"
	"slices"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Caseline-Labs/caseline/core/pkg/idempotency"
)

// encodeOrdered emits obj as a JSON object with members in the given key
// order.
func encodeOrdered(obj map[string]string, order []string) []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range order {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(obj[k])
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// TestFingerprintDeterminism verifies the same request always yields the
// same fingerprint.
func TestFingerprintDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("fingerprint is deterministic", prop.ForAll(
		func(method, path string, body string) bool {
			a := idempotency.Fingerprint(method, path, []byte(body))
			b := idempotency.Fingerprint(method, path, []byte(body))
			return a == b
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestFingerprintOrderIndependence verifies JSON bodies fingerprint the
// same regardless of how encoding/json happens to emit their members.
func TestFingerprintOrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("member order does not change the fingerprint", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]string)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}
			if len(obj) < 2 {
				return true
			}

			// Emit the same members in forward and reverse key order.
			ordered := make([]string, 0, len(obj))
			for k := range obj {
				ordered = append(ordered, k)
			}
			sort.Strings(ordered)

			forward := encodeOrdered(obj, ordered)
			slices.Reverse(ordered)
			reverse := encodeOrdered(obj, ordered)

			return idempotency.Fingerprint("POST", "/api/cases", forward) ==
				idempotency.Fingerprint("POST", "/api/cases", reverse)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestFingerprintBodySensitivity verifies distinct bodies produce distinct
// fingerprints.
func TestFingerprintBodySensitivity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("different bodies yield different fingerprints", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			bodyA, _ := json.Marshal(map[string]string{"v": a})
			bodyB, _ := json.Marshal(map[string]string{"v": b})
			return idempotency.Fingerprint("POST", "/api/cases", bodyA) !=
				idempotency.Fingerprint("POST", "/api/cases", bodyB)
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
