package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/fluxion-engine/fluxion/types"
)

// subprocessStrategy executes user code in a short-lived child
// interpreter. The child receives {"items": [...]} on stdin and must
// write exactly one JSON object {"items": [...]} to stdout; malformed or
// multi-part output is a runtime error, never a partial success.
type subprocessStrategy struct {
	command string
	logger  *zap.Logger
}

// harness wraps the user source as a function body receiving the input
// items and serializing the single result payload.
const jsHarness = `let __input = "";
process.stdin.on("data", (c) => { __input += c; });
process.stdin.on("end", () => {
	const items = JSON.parse(__input).items;
	const __run = new Function("items", %s);
	const result = __run(items);
	if (!Array.isArray(result)) {
		process.stderr.write("code must return an array of items");
		process.exit(3);
	}
	process.stdout.write(JSON.stringify({ items: result }));
});`

type subprocessPayload struct {
	Items []map[string]any `json:"items"`
}

func (s *subprocessStrategy) run(ctx context.Context, source string, items types.Batch) (types.Batch, error) {
	encodedSource, err := json.Marshal(source)
	if err != nil {
		return nil, types.NewError(types.ErrKindValidation, "source is not encodable").WithCause(err)
	}
	script := fmt.Sprintf(jsHarness, string(encodedSource))

	input := subprocessPayload{Items: make([]map[string]any, len(items))}
	for i, item := range items {
		input.Items[i] = map[string]any(item)
	}
	stdin, err := json.Marshal(input)
	if err != nil {
		return nil, types.NewError(types.ErrKindValidation, "input items are not serializable").WithCause(err)
	}

	cmd := exec.CommandContext(ctx, s.command, "-e", script)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			// CommandContext already killed the child.
			return nil, types.NewError(types.ErrKindTimeout, "child interpreter terminated at deadline").WithCause(err)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, types.Errorf(types.ErrKindRuntime, "code execution failed: %s", firstLine(msg))
	}

	return decodeSubprocessOutput(stdout.Bytes())
}

// decodeSubprocessOutput enforces the single-payload contract.
func decodeSubprocessOutput(raw []byte) (types.Batch, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var payload subprocessPayload
	if err := dec.Decode(&payload); err != nil {
		return nil, types.NewError(types.ErrKindRuntime, "child interpreter produced malformed output").WithCause(err)
	}
	if dec.More() {
		return nil, types.NewError(types.ErrKindRuntime, "child interpreter produced multi-part output")
	}

	out := make(types.Batch, len(payload.Items))
	for i, item := range payload.Items {
		out[i] = types.Item(item)
	}
	return out, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
