package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/oriys/quasar/internal/bindings"
	"github.com/oriys/quasar/internal/functions"
)

type helloEvent struct {
	Name string `json:"name"`
}

type helloResponse struct {
	Message string `json:"message"`
	Runtime string `json:"runtime"`
}

func helloModule() *functions.Module {
	return &functions.Module{
		Name: "hello",
		Entries: map[string]functions.EntryPoint{
			"Hello": {
				Signature: functions.Signature{
					Params: []functions.Param{{Name: "req", Type: bindings.TypeHTTPRequest}},
					Return: bindings.TypeHTTPResponse,
				},
				Call: hello,
			},
		},
	}
}

// hello greets the caller named in the query string or the JSON body.
func hello(ctx context.Context, args *functions.Args) (any, error) {
	req, _ := functions.Arg[*bindings.HTTPRequest](args, "req")
	if req == nil {
		return bindings.NewHTTPResponse(http.StatusBadRequest, []byte("missing request")), nil
	}

	name := req.Query["name"]
	if name == "" && len(req.Body) > 0 {
		var event helloEvent
		if err := req.JSON(&event); err != nil {
			return bindings.NewHTTPResponse(http.StatusBadRequest, []byte(err.Error())), nil
		}
		name = event.Name
	}
	if name == "" {
		name = "Anonymous"
	}
	if ic, ok := functions.FromContext(ctx); ok {
		ic.Logger().Info("greeting", "name", name)
	}

	body, err := json.Marshal(helloResponse{
		Message: fmt.Sprintf("Hello, %s!", name),
		Runtime: "go",
	})
	if err != nil {
		return nil, err
	}
	resp := bindings.NewHTTPResponse(http.StatusOK, body)
	resp.Headers = map[string]string{"Content-Type": "application/json"}
	return resp, nil
}
