package frames

// FunctionCallFromLLM describes one tool call requested by the language model
type FunctionCallFromLLM struct {
	ToolCallID   string
	FunctionName string
	Arguments    map[string]interface{}
}

// FunctionCallsStartedFrame announces the tool calls of one model turn
type FunctionCallsStartedFrame struct {
	*ControlFrame
	FunctionCalls []FunctionCallFromLLM
}

func NewFunctionCallsStartedFrame(calls []FunctionCallFromLLM) *FunctionCallsStartedFrame {
	return &FunctionCallsStartedFrame{
		ControlFrame:  newControlFrame("FunctionCallsStartedFrame"),
		FunctionCalls: calls,
	}
}

// FunctionCallInProgressFrame marks a tool call as executing
type FunctionCallInProgressFrame struct {
	*ControlFrame
	ToolCallID           string
	FunctionName         string
	Arguments            map[string]interface{}
	CancelOnInterruption bool
}

func NewFunctionCallInProgressFrame(call FunctionCallFromLLM, cancelOnInterruption bool) *FunctionCallInProgressFrame {
	return &FunctionCallInProgressFrame{
		ControlFrame:         newControlFrame("FunctionCallInProgressFrame"),
		ToolCallID:           call.ToolCallID,
		FunctionName:         call.FunctionName,
		Arguments:            call.Arguments,
		CancelOnInterruption: cancelOnInterruption,
	}
}

// FunctionCallResultFrame carries the result of a tool call.
// RunLLM nil means run the model once no other call is in progress.
type FunctionCallResultFrame struct {
	*ControlFrame
	ToolCallID   string
	FunctionName string
	Arguments    map[string]interface{}
	Result       interface{}
	RunLLM       *bool
}

func NewFunctionCallResultFrame(call FunctionCallFromLLM, result interface{}) *FunctionCallResultFrame {
	return &FunctionCallResultFrame{
		ControlFrame: newControlFrame("FunctionCallResultFrame"),
		ToolCallID:   call.ToolCallID,
		FunctionName: call.FunctionName,
		Arguments:    call.Arguments,
		Result:       result,
	}
}

// FunctionCallCancelFrame cancels an in-progress tool call
type FunctionCallCancelFrame struct {
	*ControlFrame
	ToolCallID   string
	FunctionName string
}

func NewFunctionCallCancelFrame(toolCallID, functionName string) *FunctionCallCancelFrame {
	return &FunctionCallCancelFrame{
		ControlFrame: newControlFrame("FunctionCallCancelFrame"),
		ToolCallID:   toolCallID,
		FunctionName: functionName,
	}
}
