package protocol

// TypedData is the wire representation of a single value. Exactly one field
// is set; a TypedData with no field set represents "none".
type TypedData struct {
	String           *string           `json:"string,omitempty"`
	JSON             *string           `json:"json,omitempty"`
	Bytes            []byte            `json:"bytes,omitempty"`
	Stream           []byte            `json:"stream,omitempty"`
	Int              *int64            `json:"int,omitempty"`
	Double           *float64          `json:"double,omitempty"`
	HTTP             *RpcHTTP          `json:"http,omitempty"`
	CollectionBytes  *CollectionBytes  `json:"collection_bytes,omitempty"`
	CollectionString *CollectionString `json:"collection_string,omitempty"`
	CollectionDouble *CollectionDouble `json:"collection_double,omitempty"`
	CollectionSint64 *CollectionSint64 `json:"collection_sint64,omitempty"`
	ModelBindingData *ModelBindingData `json:"model_binding_data,omitempty"`
}

// RpcHTTP is the HTTP request/response shape carried inside TypedData.
type RpcHTTP struct {
	Method     string            `json:"method,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       *TypedData        `json:"body,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	Query      map[string]string `json:"query,omitempty"`
	StatusCode string            `json:"status_code,omitempty"`
}

type CollectionBytes struct {
	Bytes [][]byte `json:"bytes"`
}

type CollectionString struct {
	String []string `json:"string"`
}

type CollectionDouble struct {
	Double []float64 `json:"double"`
}

type CollectionSint64 struct {
	Sint64 []int64 `json:"sint64"`
}

// ModelBindingData describes an SDK-bound resource instead of its content.
// The worker resolves it into a client object on first use.
type ModelBindingData struct {
	Version     string `json:"version"`
	Source      string `json:"source"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}
