package functions

import (
	"context"
)

// end_call and transfer_call only describe what should happen; the AI bridge
// acts on Result.Action after the output has been sent.

func endCallTool() Tool {
	return Tool{
		Spec: ToolSpec{
			Name:        "end_call",
			Description: "Hang up after saying goodbye, once the caller has nothing else to ask.",
			Parameters: objectSchema(map[string]interface{}{
				"reason": stringProperty("Why the call is ending"),
			}),
		},
		Handler: func(ctx context.Context, call FunctionCall) (Result, error) {
			var args struct {
				Reason string `json:"reason"`
			}
			if err := decodeArguments(call.Name, call.Arguments, &args); err != nil {
				return Result{}, err
			}
			return Result{
				Success: true,
				Message: "the call will end after the current response",
				Data:    map[string]string{"reason": args.Reason},
				Action:  ActionEndCall,
			}, nil
		},
	}
}

func transferCallTool() Tool {
	return Tool{
		Spec: ToolSpec{
			Name:        "transfer_call",
			Description: "Transfer the caller to a human operator.",
			Parameters: objectSchema(map[string]interface{}{
				"reason": stringProperty("Why the caller needs an operator"),
			}),
		},
		Handler: func(ctx context.Context, call FunctionCall) (Result, error) {
			if call.Profile == nil || call.Profile.TransferTarget == "" {
				return Failure("transfers are not available on this line"), nil
			}
			return Result{
				Success: true,
				Message: "transferring the caller",
				Action:  ActionTransfer,
				Target:  call.Profile.TransferTarget,
			}, nil
		},
	}
}
