package ipc

import (
	"encoding/json"
	"fmt"
)

// ScriptRequest asks the parent to fork/exec a health-check script under the
// unprivileged account with a hard wall-clock limit; only the parent has
// the privilege to fork/exec. RequestID correlates the
// eventual SCRIPT_RESULT back to the prober awaiting it, since a single
// HCE<->parent channel multiplexes every in-flight script check.
type ScriptRequest struct {
	RequestID uint32
	Path      string
	Host      string
	TimeoutMS int64
}

// EncodeScriptRequest serialises r as JSON: scripts run at most once per
// probe interval per host, far below any rate where a binary codec would
// matter (the same no-hot-path rationale as supervisor's CFG_* codec).
func EncodeScriptRequest(r ScriptRequest) []byte {
	buf, err := json.Marshal(r)
	if err != nil {
		panic(fmt.Sprintf("ipc: encode ScriptRequest: %v", err))
	}
	return buf
}

// DecodeScriptRequest reverses EncodeScriptRequest.
func DecodeScriptRequest(payload []byte) (ScriptRequest, error) {
	var r ScriptRequest
	if err := json.Unmarshal(payload, &r); err != nil {
		return ScriptRequest{}, fmt.Errorf("ipc: decode ScriptRequest: %w", err)
	}
	return r, nil
}

// ScriptResult is the parent's reply: the script's exit code, or a non-empty
// Err if the script could not even be started (e.g. file not found) or ran
// past its timeout.
type ScriptResult struct {
	RequestID uint32
	ExitCode  int
	Err       string
}

func EncodeScriptResult(r ScriptResult) []byte {
	buf, err := json.Marshal(r)
	if err != nil {
		panic(fmt.Sprintf("ipc: encode ScriptResult: %v", err))
	}
	return buf
}

func DecodeScriptResult(payload []byte) (ScriptResult, error) {
	var r ScriptResult
	if err := json.Unmarshal(payload, &r); err != nil {
		return ScriptResult{}, fmt.Errorf("ipc: decode ScriptResult: %w", err)
	}
	return r, nil
}
