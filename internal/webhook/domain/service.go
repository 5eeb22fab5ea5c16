package domain

import (
	"context"
	"errors"
	"net/http"
)

type Service interface {
	Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) error
	ReplayUnprocessed(ctx context.Context, limit int) (int, error)
}

var (
	ErrInvalidProvider = errors.New("invalid_provider")
	ErrInvalidPayload  = errors.New("invalid_payload")
	ErrInvalidEvent    = errors.New("invalid_event")
)
