package agent

import "errors"

// ErrModelUnavailable is returned by RunTurn, wrapped around the
// provider error, when the model could not be reached. The TurnResult
// returned with it still carries a user-safe apology.
var ErrModelUnavailable = errors.New("language model unavailable")

// Fixed replies.
const (
	ExhaustedText = "I'm sorry, I couldn't finish working that out. Could you try asking in a different way?"

	EmptyReplyText = "I heard your question, but I'm not sure how to answer that. Could you rephrase?"

	ModelUnavailableText = "I ran into an issue talking to my language model backend. " +
		"Please make sure the model server is running and the model is available."
)
