package session

// ResetState carries the context-reset flags for one session across
// iterations. The runner consumes NeedsContextReset when it builds an
// invocation and returns an updated value; the Session itself is never
// mutated by the runner.
type ResetState struct {
	// NeedsContextReset requests that the next iteration start with a fresh
	// context instead of continuing the previous conversation.
	NeedsContextReset bool

	// ContextResetAttempted records that the one free reset has been spent;
	// a later exit-1 is treated as a real failure.
	ContextResetAttempted bool

	// FailedAfterReset is set when an iteration fails even though a reset
	// was already attempted.
	FailedAfterReset bool
}
