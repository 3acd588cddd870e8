package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmgr818/automl-console/internal/urls"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	resolver, err := urls.NewResolver(srv.URL+"/", "", "")
	require.NoError(t, err)
	return NewClient(resolver)
}

func TestListJobs(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/historic_jobs", r.URL.Path)
			assert.Equal(t, http.MethodGet, r.Method)
			json.NewEncoder(w).Encode(map[string]any{"ok": true, "job_ids": []string{"job_a", "job_b"}})
		}))

		jobs, err := c.ListJobs(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"job_a", "job_b"}, jobs)
	})

	t.Run("ok false is a failure despite 200", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"ok": false})
		}))
		_, err := c.ListJobs(context.Background())
		assert.Error(t, err)
	})

	t.Run("wrong shape is a failure despite 200", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"jobs":["a"]}`))
		}))
		_, err := c.ListJobs(context.Background())
		assert.Error(t, err)
	})

	t.Run("non-JSON body is a failure", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>proxy error</html>"))
		}))
		_, err := c.ListJobs(context.Background())
		assert.Error(t, err)
	})

	t.Run("completed request releases its cancel slot", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"ok": true, "job_ids": []string{}})
		}))

		_, err := c.ListJobs(context.Background())
		require.NoError(t, err)

		c.mu.Lock()
		defer c.mu.Unlock()
		assert.Nil(t, c.cancelList, "finished listing must not keep its context alive")
	})

	t.Run("superseding request cancels the previous one", func(t *testing.T) {
		release := make(chan struct{})
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"ok": true, "job_ids": []string{}})
		}))

		firstErr := make(chan error, 1)
		go func() {
			_, err := c.ListJobs(context.Background())
			firstErr <- err
		}()

		time.Sleep(100 * time.Millisecond) // first request is now blocked server-side
		go func() {
			time.Sleep(100 * time.Millisecond)
			close(release)
		}()

		_, err := c.ListJobs(context.Background())
		require.NoError(t, err)
		assert.Error(t, <-firstErr, "the superseded request must be aborted")
	})
}

func TestInference(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/inference", r.URL.Path)
			var req InferenceRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "job_a", req.JobID)
			assert.True(t, req.Proba)
			json.NewEncoder(w).Encode(map[string]any{
				"ok":          true,
				"result":      map[string]any{"rows": 3},
				"output_path": "/out/preds.csv",
			})
		}))

		res, err := c.Inference(context.Background(), InferenceRequest{
			JobID:      "job_a",
			TestPath:   "./test.csv",
			OutputPath: "/out/preds.csv",
			Proba:      true,
		})
		require.NoError(t, err)
		assert.Equal(t, "/out/preds.csv", res.OutputPath)
		assert.JSONEq(t, `{"rows":3}`, string(res.Result))
	})

	t.Run("non-2xx with detail", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"detail": "unknown job_id"})
		}))
		_, err := c.Inference(context.Background(), InferenceRequest{JobID: "nope"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown job_id")
	})

	t.Run("2xx without ok is a failure", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"output_path":"/out"}`))
		}))
		_, err := c.Inference(context.Background(), InferenceRequest{JobID: "job_a"})
		assert.Error(t, err)
	})
}
