package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"coach-chat/handler"
	"coach-chat/internal/domain"
	"coach-chat/internal/usecase"
)

// authOnly rejects every call the way the service does for a bad credential.
type authOnly struct{ handler.ChatUseCase }

func (authOnly) Usage(context.Context, string) (usecase.UsageOutput, error) {
	return usecase.UsageOutput{}, &usecase.Error{Code: usecase.ErrorAuthInvalid, Reason: "missing_credential"}
}

func (authOnly) ListTurns(_ context.Context, _, id string) ([]domain.Turn, error) {
	return []domain.Turn{{ID: "t1", ConversationID: id}}, nil
}

func TestRouter(t *testing.T) {
	h, err := handler.NewHandler(authOnly{})
	require.NoError(t, err)
	srv := httptest.NewServer(newRouter(h))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(srv.URL + "/usage")
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	require.NotEmpty(t, res.Header.Get("X-Correlation-Id"))

	res, err = http.Get(srv.URL + "/conversations/conv-7/turns")
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}
