//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatexcel/datalab/resolver"
)

func testRequest() resolver.AnalysisRequest {
	return resolver.AnalysisRequest{
		UserInput: "sum revenue by region",
		TableInfo: map[string]resolver.TableInfo{
			"sales.csv": {
				Dtypes:   map[string]string{"region": "string", "revenue": "float64"},
				FileType: "csv",
			},
		},
		Mode: resolver.ModeBasic,
	}
}

func TestResolveSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req resolver.AnalysisRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sum revenue by region", req.UserInput)
		assert.Equal(t, resolver.ModeBasic, req.Mode)

		json.NewEncoder(w).Encode(resolver.ResolvedCommand{
			NextStep: resolver.StepExecute,
			Command: &resolver.Command{
				Code:           "df.groupby('region')['revenue'].sum()",
				OutputFilename: []string{"result.xlsx"},
			},
		})
	}))
	defer srv.Close()

	cli := New(srv.URL, WithAPIKey("sk-test"), WithHTTPClient(srv.Client()))
	cmd, err := cli.Resolve(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, resolver.StepExecute, cmd.NextStep)
	require.NotNil(t, cmd.Command)
	assert.Equal(t, []string{"result.xlsx"}, cmd.Command.OutputFilename)
}

func TestResolveClarification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(resolver.ResolvedCommand{
			NextStep: resolver.StepNeedMoreInfo,
			Message:  "which column holds the revenue?",
		})
	}))
	defer srv.Close()

	cli := New(srv.URL)
	cmd, err := cli.Resolve(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, resolver.StepNeedMoreInfo, cmd.NextStep)
	assert.Nil(t, cmd.Command)
	assert.Equal(t, "which column holds the revenue?", cmd.Message)
}

func TestResolveServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"detail":      "monthly quota exhausted",
			"status_code": 429,
		})
	}))
	defer srv.Close()

	cli := New(srv.URL)
	_, err := cli.Resolve(context.Background(), testRequest())
	var statusErr *resolver.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 429, statusErr.Code)
	assert.Equal(t, "monthly quota exhausted", statusErr.Detail)
}

func TestResolveServiceErrorWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cli := New(srv.URL)
	_, err := cli.Resolve(context.Background(), testRequest())
	var statusErr *resolver.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.Code)
}

func TestResolveTransportFailure(t *testing.T) {
	// A closed server makes the dial fail.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	cli := New(srv.URL)
	_, err := cli.Resolve(context.Background(), testRequest())
	assert.ErrorIs(t, err, resolver.ErrServiceUnavailable)
}

func TestResolveRejectsInvalidRequest(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	cli := New(srv.URL)
	req := testRequest()
	req.UserInput = ""
	_, err := cli.Resolve(context.Background(), req)
	assert.ErrorIs(t, err, resolver.ErrInvalidRequest)
	assert.Zero(t, calls)
}

func TestResolveNoRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cli := New(srv.URL)
	_, err := cli.Resolve(context.Background(), testRequest())
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
