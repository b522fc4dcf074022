package demo

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/oriys/quasar/internal/bindings"
	"github.com/oriys/quasar/internal/executor"
	"github.com/oriys/quasar/internal/functions"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/protocol"
)

func loadApp(t *testing.T, deferred bool) map[string]functions.IndexResult {
	t.Helper()
	m, err := functions.ParseDir(".")
	if err != nil {
		t.Fatalf("ParseDir: %v", err)
	}
	reg := functions.NewRegistry(functions.Options{Loader: Catalog(), DeferredBindings: deferred})
	results := make(map[string]functions.IndexResult)
	for _, res := range reg.Index(m) {
		results[res.Name] = res
	}
	return results
}

func TestManifestIndexes(t *testing.T) {
	results := loadApp(t, true)
	var names []string
	for name, res := range results {
		if res.Err != nil {
			t.Errorf("%s: %v", name, res.Err)
		}
		names = append(names, name)
	}
	if len(names) != 5 {
		t.Fatalf("indexed %d functions: %v", len(names), names)
	}
	if !results["sweep-orders"].Record.Async {
		t.Fatal("sweep-orders should run on the async lane")
	}
	if results["primes"].Record.Implicit == nil {
		t.Fatal("primes should write its result to the activity binding")
	}
}

func TestManifestNeedsDeferredBindings(t *testing.T) {
	results := loadApp(t, false)
	if err := results["archive"].Err; err == nil || !strings.Contains(err.Error(), "deferred bindings are disabled") {
		t.Fatalf("archive error = %v", err)
	}
	if err := results["hello"].Err; err != nil {
		t.Fatalf("hello should not depend on deferred bindings: %v", err)
	}
}

func invoke(t *testing.T, rec *functions.Record, inputs ...*protocol.ParameterBinding) *protocol.InvocationResponse {
	t.Helper()
	e := executor.New(bindings.NewDefaultResolver(), executor.WithLogger(&logging.Logger{}))
	t.Cleanup(func() { e.Shutdown(time.Second) })
	return e.Invoke(context.Background(), rec, &protocol.InvocationRequest{
		InvocationID: "demo-1",
		FunctionID:   rec.ID,
		InputData:    inputs,
	})
}

func TestHello(t *testing.T) {
	rec := loadApp(t, true)["hello"].Record
	resp := invoke(t, rec, &protocol.ParameterBinding{Name: "req", Data: &protocol.TypedData{HTTP: &protocol.RpcHTTP{
		Method: "GET",
		URL:    "http://localhost/api/hello?name=quasar",
		Query:  map[string]string{"name": "quasar"},
	}}})

	if resp.Result.Status != protocol.StatusSuccess {
		t.Fatalf("hello failed: %+v", resp.Result.Exception)
	}
	h := resp.ReturnValue.HTTP
	if h == nil || h.StatusCode != "200" {
		t.Fatalf("return value = %+v", resp.ReturnValue)
	}
	var got helloResponse
	if err := json.Unmarshal(h.Body.Bytes, &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if diff := cmp.Diff(helloResponse{Message: "Hello, quasar!", Runtime: "go"}, got); diff != "" {
		t.Fatalf("body mismatch (-want +got):\n%s", diff)
	}
}

func TestPrimes(t *testing.T) {
	rec := loadApp(t, true)["primes"].Record
	limit := int64(30)
	resp := invoke(t, rec, &protocol.ParameterBinding{Name: "limit", Data: &protocol.TypedData{Int: &limit}})
	if resp.Result.Status != protocol.StatusSuccess {
		t.Fatalf("primes failed: %+v", resp.Result.Exception)
	}

	var got map[string]any
	if err := json.Unmarshal([]byte(*resp.ReturnValue.JSON), &got); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if got["count"] != float64(10) {
		t.Fatalf("count = %v, want 10", got["count"])
	}
	if diff := cmp.Diff([]any{2.0, 3.0, 5.0, 7.0, 11.0, 13.0, 17.0, 19.0, 23.0, 29.0}, got["last_10"]); diff != "" {
		t.Fatalf("last_10 mismatch (-want +got):\n%s", diff)
	}
	if len(resp.OutputData) != 1 || resp.OutputData[0].Name != "limit" {
		t.Fatalf("implicit output = %+v", resp.OutputData)
	}
}

func TestAcceptOrder(t *testing.T) {
	rec := loadApp(t, true)["accept-order"].Record

	good := `{"id":"o-1","quantity":3,"price":2.5}`
	resp := invoke(t, rec, &protocol.ParameterBinding{Name: "msg", Data: &protocol.TypedData{String: &good}})
	if resp.Result.Status != protocol.StatusSuccess {
		t.Fatalf("accept failed: %+v", resp.Result.Exception)
	}
	if len(resp.OutputData) != 1 || resp.OutputData[0].Name != "receipt" {
		t.Fatalf("outputs = %+v", resp.OutputData)
	}
	var receipt map[string]any
	if err := json.Unmarshal([]byte(*resp.OutputData[0].Data.JSON), &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt["order"] != "o-1" || receipt["total"] != 7.5 {
		t.Fatalf("receipt = %v", receipt)
	}

	bad := `{"id":"o-2","quantity":0}`
	resp = invoke(t, rec, &protocol.ParameterBinding{Name: "msg", Data: &protocol.TypedData{String: &bad}})
	if resp.Result.Status != protocol.StatusFailure {
		t.Fatalf("expected failure, got %s", resp.Result.Status)
	}
	if !strings.Contains(resp.Result.Exception.Message, "invalid order") {
		t.Fatalf("message = %q", resp.Result.Exception.Message)
	}
}
