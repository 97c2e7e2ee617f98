package graph

import (
	"context"
	"fmt"
	"time"
)

// getNodeTimeout determines the timeout for a node based on precedence:
// 1. NodePolicy.Timeout (per-node override)
// 2. defaultTimeout (engine-wide default)
// 3. 0 (no timeout)
func getNodeTimeout(policy *NodePolicy, defaultTimeout time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// executeNodeWithTimeout runs node once under the resolved timeout.
//
// A panic inside the node is recovered and reported as a NodeError so a
// misbehaving node only fails its own branch. When the timeout fires the
// returned error is a NODE_TIMEOUT EngineError regardless of what the node
// returned.
func executeNodeWithTimeout(
	ctx context.Context,
	node Node,
	nodeID string,
	state State,
	policy *NodePolicy,
	defaultTimeout time.Duration,
) (result NodeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = NodeResult{}
			err = &NodeError{
				Message: fmt.Sprintf("panic: %v", r),
				Code:    "NODE_PANIC",
				NodeID:  nodeID,
			}
		}
	}()

	timeout := getNodeTimeout(policy, defaultTimeout)
	if timeout == 0 {
		return node.Run(ctx, state), nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result = node.Run(timeoutCtx, state)

	// Only the node's own deadline counts; a cancelled parent is handled by
	// the engine as a run timeout.
	if timeoutCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return result, &EngineError{
			Message: fmt.Sprintf("node %s exceeded timeout of %v", nodeID, timeout),
			Code:    "NODE_TIMEOUT",
		}
	}
	return result, nil
}
