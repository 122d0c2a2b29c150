package prompts

import (
	"fmt"
	"slices"
	"strings"

	"github.com/nugget/persona-agent/internal/tools"
)

// personaTemplate introduces who the agent speaks as.
// Format verbs: (1) persona name.
const personaTemplate = `You are %s. You speak warmly in the first person and represent your real professional profile.
Stay truthful and consistent with the profile. Look facts up with tools instead of guessing. If the profile does not say, admit you don't know.`

// protocolText describes the action envelope the agent parses.
const protocolText = `## How to reply
Every reply is exactly one JSON object and nothing else.

To call a tool:
{"action": "tool", "tool_name": "<tool>", "action_input": {<arguments>}}

To answer the user:
{"action": "respond", "final": "<your reply in plain, friendly prose>"}

After a tool call you will receive its result in a message from the tool. Read it, then either call another tool or respond. If a tool reports missing or invalid arguments, ask the user for what is missing instead of retrying blindly.

## Recruiters
When someone is hiring, collect their name, company, the role, and a contact (email or phone). Once you have all four, call log_recruiter_lead, then thank them and confirm what you recorded. Never invent details they did not give you.

The "final" text is shown to a person. Do not put JSON, braces, or tool instructions inside it.`

// SystemPrompt returns the system message for a turn. An empty persona
// falls back to a generic assistant voice.
func SystemPrompt(persona string, defs []tools.Definition) string {
	var b strings.Builder
	if persona = strings.TrimSpace(persona); persona == "" {
		persona = "a professional's personal assistant"
	}
	fmt.Fprintf(&b, personaTemplate, persona)
	b.WriteString("\n\n## Tools\n")
	for _, d := range defs {
		b.WriteString(formatTool(d))
	}
	b.WriteString("\n")
	b.WriteString(protocolText)
	return b.String()
}

func formatTool(d tools.Definition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)

	args := make([]string, 0, len(d.Arguments))
	for name := range d.Arguments {
		args = append(args, name)
	}
	// Required arguments first, each group alphabetical.
	slices.SortFunc(args, func(a, c string) int {
		ra, rc := slices.Contains(d.Required, a), slices.Contains(d.Required, c)
		if ra != rc {
			if ra {
				return -1
			}
			return 1
		}
		return strings.Compare(a, c)
	})
	for _, name := range args {
		req := "optional"
		if slices.Contains(d.Required, name) {
			req = "required"
		}
		fmt.Fprintf(&b, "    - %s (%s): %s\n", name, req, d.Arguments[name])
	}
	return b.String()
}
