package conversation

import (
	"fmt"
	"strings"
)

const persona = `You are a productivity buddy that lives on the user's desktop. Every few minutes you may be shown what the user has been doing.
If they are on something they said they don't want to spend time on, ask them why and nicely try to motivate them to get back to work, ideally towards one of the things they do want to spend time on.
Try to understand their preferences and motivations, they might have a good reason for an exception.
If they ask for a break or you agree they deserve one, call start_break with the number of minutes instead of replying.
If there is nothing worth saying, reply with an empty message.
Write in an informal texting style, as if you were a friend. Include cute faces :D. Send short messages.`

// SystemPrompt renders the persona with the user's current settings.
func SystemPrompt(timesinks, endorsed string) string {
	var b strings.Builder
	b.WriteString(persona)
	fmt.Fprintf(&b, "\n\nThings the user wants to avoid spending time on:\n%s", orNone(timesinks))
	fmt.Fprintf(&b, "\n\nThings the user is happy to spend time on:\n%s", orNone(endorsed))
	return b.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none given)"
	}
	return s
}

// checkInMessage is stored as the user's turn when a check-in fires.
func checkInMessage(report string) string {
	return "Here's what I've been doing lately:\n" + report
}
