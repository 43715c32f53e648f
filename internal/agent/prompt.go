package agent

import (
	"fmt"
	"strings"
	"time"
)

const defaultIdentity = "You are Finch, a helpful multi-channel assistant. " +
	"Be concise. Use tools when they help; answer directly when they don't."

// systemPrompt assembles the turn's system prompt: identity, matched skills,
// local date, tool inventory, todo state, and the caller's trust level. The
// prompt is stable for the lifetime of the turn.
func (d *Driver) systemPrompt(req TurnRequest) string {
	var b strings.Builder

	identity := d.identity
	if identity == "" {
		identity = defaultIdentity
	}
	b.WriteString(identity)
	b.WriteString("\n\n")

	now := time.Now().In(d.tz)
	fmt.Fprintf(&b, "Current date and time: %s\n", now.Format("Monday, 2006-01-02 15:04 MST"))
	fmt.Fprintf(&b, "Channel: %s\n", req.Channel)
	fmt.Fprintf(&b, "Trust level: %s\n", d.trustLevel(req.UserID))

	if specs := d.tools.List(); len(specs) > 0 {
		b.WriteString("\nAvailable tools:\n")
		for _, spec := range specs {
			fmt.Fprintf(&b, "- %s: %s\n", spec.Name, spec.Description)
		}
	}

	if d.skills != nil {
		if matched := d.skills.Match(req.Text); len(matched) > 0 {
			b.WriteString("\n## Skills\n")
			for _, sk := range matched {
				fmt.Fprintf(&b, "\n### %s\n%s\n", sk.Name, sk.Content)
			}
		}
	}

	if d.todos != nil {
		if rendered := d.todos.Render(); rendered != "" {
			b.WriteString("\n## Current todo list\n")
			b.WriteString(rendered)
			b.WriteString("\n")
		}
	}

	b.WriteString("\nIf no reply is warranted, respond with exactly NO_REPLY.\n")
	return b.String()
}

// trustLevel classifies the sender. Owners may manage approvals and
// schedules; everyone else gets the standard level.
func (d *Driver) trustLevel(userID string) string {
	if d.ownerIDs[userID] {
		return "owner"
	}
	return "standard"
}
