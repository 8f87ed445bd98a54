package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/heads/internal/head"
	"github.com/samcharles93/heads/internal/headed"
	"github.com/samcharles93/heads/internal/logger"
	"github.com/samcharles93/heads/internal/toy"
)

func testModel(t *testing.T) *headed.Model {
	t.Helper()
	base := toy.DefaultConfig()
	base.HiddenSize = 16
	base.IntermediateSize = 32
	base.NumAttentionHeads = 2
	base.NumKeyValueHeads = 1
	base.VocabSize = 12

	cls := head.Defaults()
	cls.Name = "sentiment"
	cls.LayerHook = -1
	cls.InSize = 16
	cls.NumOutputs = head.Ptr(2)
	cls.LossFct = head.Ptr("cross_entropy")

	score := head.Defaults()
	score.Name = "score"
	score.LayerHook = 1
	score.InSize = 16
	score.NumOutputs = head.Ptr(1)
	score.IsRegression = true
	score.LossFct = head.Ptr("mse")

	lm := head.Defaults()
	lm.Name = head.LMHeadName
	lm.LayerHook = -1
	lm.InSize = 16
	lm.IsCausalLM = true
	lm.LossFct = head.Ptr("cross_entropy")

	cfg, err := headed.FromBase(base, []head.Config{cls, score, lm})
	if err != nil {
		t.Fatalf("FromBase: %v", err)
	}
	m, err := headed.New(cfg, headed.Options{Seed: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func newTestEcho(t *testing.T) *echo.Echo {
	t.Helper()
	server := NewServer(NewStaticProvider("toy", testModel(t)), logger.Discard())
	e := echo.New()
	server.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()

	rec := doJSON(t, newTestEcho(t), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
}

func TestListHeads(t *testing.T) {
	t.Parallel()

	rec := doJSON(t, newTestEcho(t), http.MethodGet, "/v1/heads", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var list HeadList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Model != "toy" || len(list.Data) != 3 {
		t.Fatalf("unexpected list: %+v", list)
	}
	if list.Data[0].Config.Name != "sentiment" || list.Data[0].OutputSize != 2 {
		t.Fatalf("first head: %+v", list.Data[0])
	}
	if list.Data[1].Config.Name != "score" || list.Data[1].Layer != 1 {
		t.Fatalf("score head: %+v", list.Data[1])
	}
	if list.Data[2].Config.Name != head.LMHeadName || list.Data[2].OutputSize != 12 || list.Data[2].Layer != 2 {
		t.Fatalf("lm head: %+v", list.Data[2])
	}
}

func TestForwardWithLabels(t *testing.T) {
	t.Parallel()

	body := `{
		"input_ids": [[1, 2, 3], [4, 5, 6]],
		"labels": {"sentiment": {"shape": [2, 3], "data": [0, 1, 1, 0, 0, 1]}}
	}`
	rec := doJSON(t, newTestEcho(t), http.MethodPost, "/v1/forward", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp ForwardResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(resp.ID, "fwd_") {
		t.Fatalf("id: %q", resp.ID)
	}
	if resp.Loss == nil || *resp.Loss <= 0 {
		t.Fatalf("expected positive loss, got %v", resp.Loss)
	}
	if _, ok := resp.LossByHead[head.LMHeadName]; ok {
		t.Fatalf("lm_head had no labels but reported a loss")
	}
	out := resp.Outputs["sentiment"]
	if len(out.Shape) != 3 || out.Shape[0] != 2 || out.Shape[1] != 3 || out.Shape[2] != 2 {
		t.Fatalf("sentiment shape: %v", out.Shape)
	}
	if got := resp.Outputs["score"].Shape; len(got) != 3 || got[2] != 1 {
		t.Fatalf("regression head missing from outputs: %v", got)
	}
	if len(resp.HiddenStates) != 0 {
		t.Fatalf("hidden states returned without being requested")
	}
}

func TestForwardHeadFilterAndHiddenStates(t *testing.T) {
	t.Parallel()

	body := `{"input_ids": [[1, 2]], "heads": ["lm_head"], "output_hidden_states": true}`
	rec := doJSON(t, newTestEcho(t), http.MethodPost, "/v1/forward", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp ForwardResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Outputs) != 1 || resp.Loss != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.HiddenStates) != 3 {
		t.Fatalf("hidden states: got %d, want 3", len(resp.HiddenStates))
	}
}

func errorBody(t *testing.T, body []byte) ResponseError {
	t.Helper()
	var env struct {
		Error ResponseError `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode error body %s: %v", body, err)
	}
	return env.Error
}

func TestForwardBadRequests(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)
	tests := []struct {
		name  string
		body  string
		param string
	}{
		{name: "malformed", body: `{"input_ids":`},
		{name: "unknown field", body: `{"input_ids": [[1]], "temperature": 1}`},
		{name: "no input", body: `{}`, param: "input_ids"},
		{name: "token out of range", body: `{"input_ids": [[99]]}`, param: "input_ids"},
		{name: "ragged", body: `{"input_ids": [[1, 2], [3]]}`, param: "input_ids"},
		{name: "label shape", body: `{"input_ids": [[1]], "labels": {"sentiment": {"shape": [2], "data": [0]}}}`, param: "labels.sentiment"},
		{name: "return dict", body: `{"input_ids": [[1]], "return_dict": true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, "/v1/forward", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
			}
			got := errorBody(t, rec.Body.Bytes())
			if got.Type != "invalid_request_error" {
				t.Fatalf("error type: got %q", got.Type)
			}
			if got.Param != tt.param {
				t.Fatalf("param: got %q, want %q", got.Param, tt.param)
			}
		})
	}
}

func TestForwardUnknownHead(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)
	tests := []struct {
		body  string
		param string
	}{
		{body: `{"input_ids": [[1]], "heads": ["nope"]}`, param: "heads"},
		{body: `{"input_ids": [[1]], "labels": {"nope": {"shape": [1, 1], "data": [0]}}}`, param: "labels.nope"},
	}
	for _, tt := range tests {
		rec := doJSON(t, e, http.MethodPost, "/v1/forward", tt.body)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
		}
		got := errorBody(t, rec.Body.Bytes())
		if got.Type != "not_found_error" || got.Param != tt.param {
			t.Fatalf("error: got %+v, want not_found_error on %s", got, tt.param)
		}
		if !strings.Contains(got.Message, `"nope"`) {
			t.Fatalf("message does not name the head: %q", got.Message)
		}
	}
}

func TestStaticProviderHonoursCancellation(t *testing.T) {
	t.Parallel()

	p := NewStaticProvider("toy", testModel(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := p.WithModel(ctx, func(*headed.Model) error {
		called = true
		return nil
	})
	if err == nil || called {
		t.Fatalf("expected cancellation, err=%v called=%v", err, called)
	}
}
