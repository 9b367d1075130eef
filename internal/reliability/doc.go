// Package reliability provides the retry policies used by the connection
// supervisor and by handler retries.
//
// SequenceBackoff walks an ordered list of delays and stays on the last
// entry once the list is exhausted:
//
//	policy, _ := reliability.NewSequenceBackoff(reliability.DefaultReconnectSequence)
//	policy.Delay(1) // 500ms
//	policy.Delay(8) // 30s
//
// Retry runs a function under any policy; wrap a policy in Limited to bound it:
//
//	err := reliability.Retry(ctx, reliability.Limited{Policy: policy, Max: 3}, send)
package reliability
