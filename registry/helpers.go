package registry

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fluxion-engine/fluxion/types"
)

// Helpers bundles the utilities exposed to execute functions: outbound
// requests, authenticated requests, and item normalization. Third-party
// service calls made through it are opaque to the engine.
type Helpers struct {
	client *http.Client
	logger *zap.Logger
}

// NewHelpers creates a helper set. A nil client gets a default with a
// 30 second timeout.
func NewHelpers(client *http.Client, logger *zap.Logger) *Helpers {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Helpers{client: client, logger: logger}
}

// Request performs an outbound HTTP request and returns the response as a
// single item: {status, headers, body}. A JSON response body is decoded;
// anything else is carried as a string.
func (h *Helpers) Request(ctx context.Context, method, url string, headers map[string]string, body any) (types.Item, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, types.NewError(types.ErrKindValidation, "request body is not serializable").WithCause(err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, types.NewError(types.ErrKindValidation, "invalid outbound request").WithCause(err)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrKindTimeout, "outbound request timed out").WithCause(err)
		}
		return nil, types.NewError(types.ErrKindNetwork, "outbound request failed").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewError(types.ErrKindNetwork, "reading response body failed").WithCause(err).WithRetryable(true)
	}

	item := types.Item{
		"status":  resp.StatusCode,
		"headers": flattenHeader(resp.Header),
	}
	var decoded any
	if json.Unmarshal(raw, &decoded) == nil {
		item["body"] = decoded
	} else {
		item["body"] = string(raw)
	}
	return item, nil
}

// AuthenticatedRequest applies credentials to an outbound request. Known
// credential shapes: {"headerName","headerValue"} for header auth,
// {"user","password"} for basic auth, {"token"} for bearer auth.
func (h *Helpers) AuthenticatedRequest(ctx context.Context, method, url string, headers map[string]string, body any, creds map[string]any) (types.Item, error) {
	merged := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		merged[k] = v
	}
	switch {
	case creds["headerName"] != nil:
		merged[fmt.Sprint(creds["headerName"])] = fmt.Sprint(creds["headerValue"])
	case creds["token"] != nil:
		merged["Authorization"] = "Bearer " + fmt.Sprint(creds["token"])
	case creds["user"] != nil:
		pair := fmt.Sprint(creds["user"]) + ":" + fmt.Sprint(creds["password"])
		merged["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(pair))
	}
	return h.Request(ctx, method, url, merged, body)
}

// NormalizeItems coerces an arbitrary decoded value into a batch: a map
// becomes one item, a slice becomes one item per element, scalars are
// wrapped under "data".
func NormalizeItems(v any) types.Batch {
	switch val := v.(type) {
	case nil:
		return types.Batch{}
	case types.Batch:
		return val
	case types.Item:
		return types.Batch{val}
	case map[string]any:
		return types.Batch{types.Item(val)}
	case []types.Item:
		return types.Batch(val)
	case []any:
		out := make(types.Batch, 0, len(val))
		for _, el := range val {
			switch m := el.(type) {
			case map[string]any:
				out = append(out, types.Item(m))
			case types.Item:
				out = append(out, m)
			default:
				out = append(out, types.Item{"data": el})
			}
		}
		return out
	default:
		return types.Batch{{"data": v}}
	}
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
