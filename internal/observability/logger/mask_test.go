package logger

import (
	"net/http"
	"testing"
)

func TestMaskAuthorization(t *testing.T) {
	got := MaskAuthorization("Bearer abcdef1234")
	want := "Bearer ****1234"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestMaskHeadersHidesSignatures(t *testing.T) {
	headers := http.Header{}
	headers.Set("Gateway-Signature", "eyJhbGciOiJIUzI1NiJ9.payload.sig9876")
	headers.Set("Content-Type", "application/json")

	masked := MaskHeaders(headers)
	if masked["Gateway-Signature"] != "****9876" {
		t.Fatalf("expected masked signature, got %q", masked["Gateway-Signature"])
	}
	if masked["Content-Type"] != "application/json" {
		t.Fatalf("expected content type untouched, got %q", masked["Content-Type"])
	}
}

func TestMaskPayload(t *testing.T) {
	masked := MaskPayload([]byte(`{
		"order_id": "pi_1",
		"signature_key": "abcdef0123456789",
		"data": {"object": {"destination_account_id": "acct_00001234", "amount": 500}}
	}`))

	if masked["order_id"] != "pi_1" {
		t.Fatalf("expected order id untouched, got %v", masked["order_id"])
	}
	if masked["signature_key"] != "****6789" {
		t.Fatalf("expected masked signature, got %v", masked["signature_key"])
	}
	object := masked["data"].(map[string]any)["object"].(map[string]any)
	if object["destination_account_id"] != "****1234" {
		t.Fatalf("expected masked account, got %v", object["destination_account_id"])
	}
	if object["amount"] != float64(500) {
		t.Fatalf("expected amount untouched, got %v", object["amount"])
	}
}

func TestMaskPayloadNotJSON(t *testing.T) {
	masked := MaskPayload([]byte("order_id=1"))
	if masked["unparsed_bytes"] != 10 {
		t.Fatalf("expected size only, got %v", masked)
	}
}
