// Package agent defines the assistant a session talks as.
package agent

import (
	"github.com/square-key-labs/strawgo-callagent/src/tools"
)

const (
	// DefaultInstructions is the system prompt of the call assistant
	DefaultInstructions = "You are a helpful voice AI assistant. You can check the weather in a given location."

	// GreetingInstructions asks the assistant to open an inbound call
	GreetingInstructions = "Greet the user and offer your assistance."
)

// Assistant bundles the instructions the model follows with the tools it
// may call
type Assistant struct {
	Instructions string
	Tools        *tools.Registry
}

// NewAssistant creates the call assistant with the weather tool registered
func NewAssistant(weather *tools.Weather) (*Assistant, error) {
	registry := tools.NewRegistry()
	if weather != nil {
		if err := registry.Register(weather.Tool()); err != nil {
			return nil, err
		}
	}
	return &Assistant{
		Instructions: DefaultInstructions,
		Tools:        registry,
	}, nil
}
