package huggingface

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/llms"
)

func TestNew_RequiresToken(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestNew_AppliesDefaults(t *testing.T) {
	g, err := New(Config{Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, defaultRepoID, g.config.RepoID)
	assert.Equal(t, defaultBaseURL, g.config.BaseURL)
}

func TestGenerator_Generate(t *testing.T) {
	var gotPath, gotAuth string
	var gotReq inferenceRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode([]inferenceChoice{
			{GeneratedText: gotReq.Inputs + " completion text\nnext line"},
		})
	}))
	defer server.Close()

	g, err := New(Config{Token: "tok", RepoID: "gpt2", BaseURL: server.URL})
	require.NoError(t, err)

	results, err := g.Generate(context.Background(), []string{"Once upon a time"}, llms.Options{Stop: []string{"\n"}})
	require.NoError(t, err)
	require.Len(t, results, 1)

	// Prompt echo stripped, stop token enforced client-side.
	assert.Equal(t, []string{" completion text"}, results[0].Generations)
	assert.Equal(t, "/gpt2", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "Once upon a time", gotReq.Inputs)
	assert.Equal(t, 1, gotReq.Parameters.NumReturnSequences)
}

func TestGenerator_Generate_MultipleCompletions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req inferenceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		choices := make([]inferenceChoice, req.Parameters.NumReturnSequences)
		for i := range choices {
			choices[i] = inferenceChoice{GeneratedText: req.Inputs + " done"}
		}
		json.NewEncoder(w).Encode(choices)
	}))
	defer server.Close()

	g, err := New(Config{Token: "tok", BaseURL: server.URL})
	require.NoError(t, err)

	results, err := g.Generate(context.Background(), []string{"p"}, llms.Options{N: 3})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Len(t, results[0].Generations, 3)
}

func TestGenerator_Generate_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model is loading", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	g, err := New(Config{Token: "tok", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), []string{"p"}, llms.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestGenerator_Generate_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("[]"))
	}))
	defer server.Close()

	g, err := New(Config{Token: "tok", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), []string{"p"}, llms.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no generations")
}
