package tracing

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/smallbiznis/settlement/internal/apperr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSafeAttributesDropsSecrets(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("charge.id", "1"),
		attribute.String("destination_account_id", "acct_1"),
		attribute.String("client_secret", "pi_secret"),
	)
	if len(attrs) != 1 || attrs[0].Key != "charge.id" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}

func TestEndRecordsErrorKind(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(orig)

	errCoded := apperr.Define(apperr.ErrValidation, "bad_amount", "bad amount")
	_, span := Start(context.Background(), "charge.refund", attribute.String("charge.id", "7"))
	End(span, fmt.Errorf("wrap: %w", errCoded))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	got := spans[0]
	if got.Status().Code != codes.Error || got.Status().Description != "validation_error" {
		t.Fatalf("unexpected status %+v", got.Status())
	}
	var code string
	for _, attr := range got.Attributes() {
		if attr.Key == "error.code" {
			code = attr.Value.AsString()
		}
	}
	if code != "bad_amount" {
		t.Fatalf("expected error.code attribute, got %q", code)
	}
}

func TestSafeErrorHidesMessage(t *testing.T) {
	err := SafeError(errors.New("card 4242 declined"))
	if err.Error() != "*errors.errorString" {
		t.Fatalf("unexpected %q", err.Error())
	}
}
