// Package prompts holds the instructions sent to the model.
//
// Prompt text is Go code rather than config because it is program logic:
// the action protocol it describes must match what the agent parses, and
// tests can check that it does. Each prompt gets an exported function
// that accepts the dynamic parts and returns the finished string.
package prompts
