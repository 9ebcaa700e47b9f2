package relay

// SideEffect is a secondary invocation bundled with a call, executed
// sequentially after the primary call completes.
type SideEffect struct {
	SideEffectID string `json:"sideEffectId"`
	Method       string `json:"method"`
	Params       any    `json:"params"`
}

// Call is one RPC invocation. CallID is client-supplied and used only as a
// correlation key for the response frame.
type Call struct {
	CallID      string       `json:"callId"`
	Method      string       `json:"method"`
	Params      any          `json:"params"`
	SideEffects []SideEffect `json:"sideEffects,omitempty"`
}

// SideEffectResult pairs a side effect's id with its result or error.
type SideEffectResult struct {
	SideEffectID string `json:"sideEffectId"`
	Result       any    `json:"result"`
}

// CallResponse is the envelope sent as response.<callId>. SideEffectResults
// preserves the order of the request's side effects, one entry each,
// regardless of individual failures.
type CallResponse struct {
	MutationResult    any                `json:"mutationResult"`
	SideEffectResults []SideEffectResult `json:"sideEffectResults"`
}
