package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func Test_marshal_unmarshal_round_trip(t *testing.T) {
	original := &Frame{
		Type:      TypeData,
		RequestID: "abc-123",
		Data:      []byte("hello world"),
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if decoded.Type != original.Type {
		t.Errorf("type mismatch: got %q, want %q", decoded.Type, original.Type)
	}
	if decoded.RequestID != original.RequestID {
		t.Errorf("requestId mismatch: got %q, want %q", decoded.RequestID, original.RequestID)
	}
	if !bytes.Equal(decoded.Data, original.Data) {
		t.Errorf("data mismatch: got %q, want %q", decoded.Data, original.Data)
	}
}

func Test_marshal_rejects_untyped_frame(t *testing.T) {
	_, err := Marshal(&Frame{RequestID: "x"})
	if err == nil {
		t.Fatal("expected error for untyped frame")
	}
	var malformed *ErrMalformedFrame
	if !errors.As(err, &malformed) {
		t.Fatalf("expected ErrMalformedFrame, got %T", err)
	}
}

func Test_unmarshal_rejects_missing_type(t *testing.T) {
	_, err := Unmarshal([]byte(`{"requestId":"abc"}`))
	if err == nil {
		t.Fatal("expected error for frame missing type")
	}
}

func Test_unmarshal_rejects_garbage(t *testing.T) {
	_, err := Unmarshal([]byte(`not json`))
	if err == nil {
		t.Fatal("expected error for malformed json")
	}
	var malformed *ErrMalformedFrame
	if !errors.As(err, &malformed) {
		t.Fatalf("expected ErrMalformedFrame, got %T", err)
	}
}

func Test_unmarshal_rejects_oversize(t *testing.T) {
	huge := make([]byte, MaxFrameBytes+1)
	_, err := Unmarshal(huge)
	if err == nil {
		t.Fatal("expected error for oversize frame")
	}
}

func Test_http_request_round_trip_with_headers_and_body(t *testing.T) {
	original := &Frame{
		Type:      TypeHTTPRequest,
		RequestID: "req-1",
		Method:    "GET",
		URL:       "/x",
		Headers:   map[string]string{"Host": "foo.tunnel.example.com"},
		Body:      []byte("payload"),
	}
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Headers["Host"] != "foo.tunnel.example.com" {
		t.Errorf("header mismatch: got %v", decoded.Headers)
	}
	if !bytes.Equal(decoded.Body, original.Body) {
		t.Errorf("body mismatch: got %q, want %q", decoded.Body, original.Body)
	}
}
