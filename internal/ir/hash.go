package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainPayload  = "snowmirror/payload/v1"
	DomainEnvelope = "snowmirror/envelope/v1"
	DomainMutation = "snowmirror/mutation/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadID computes the content-addressed ID of an inbound payload.
// The receive sequence is part of the identity: the same fragment arriving
// twice is two payloads.
func PayloadID(ref Ref, container int64, fragment Object, removed bool, seq int64) (string, error) {
	if fragment == nil {
		fragment = Object{}
	}
	obj := Object{
		"kind":      String(ref.Kind),
		"id":        Int(ref.ID.Int64()),
		"container": Int(container),
		"fragment":  fragment,
		"removed":   Bool(removed),
		"seq":       Int(seq),
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("PayloadID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainPayload, canonical), nil
}

// EnvelopeID computes the content-addressed ID of one delivered change.
func EnvelopeID(seq int64, ref Ref, field string, oldValue, newValue Value) (string, error) {
	obj := Object{
		"seq":   Int(seq),
		"kind":  String(ref.Kind),
		"id":    Int(ref.ID.Int64()),
		"field": String(field),
		"old":   orNull(oldValue),
		"new":   orNull(newValue),
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EnvelopeID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEnvelope, canonical), nil
}

// MutationID computes the content-addressed ID of an outbound mutation request.
func MutationID(kind Kind, container, source int64, fields Object) (string, error) {
	obj := Object{
		"kind":      String(kind),
		"container": Int(container),
		"source":    Int(source),
		"fields":    fields,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("MutationID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainMutation, canonical), nil
}

func orNull(v Value) Value {
	if v == nil {
		return Null{}
	}
	return v
}
