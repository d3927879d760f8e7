package planner

import (
	"fmt"
	"strings"

	"github.com/openai/openai-go"

	"kairu-assistant/internal/conversation"
	"kairu-assistant/internal/plan"
	"kairu-assistant/internal/snapshot"
)

// InstructionLabel prefixes the user's instruction in the final message.
const InstructionLabel = "User instruction: "

var actionDocs = map[plan.Kind]string{
	plan.KindClick: "click: click an element\n" +
		"   - by selector: `{\"action\": \"click\", \"selector\": \"button.submit-btn\"}`\n" +
		"   - by text: `{\"action\": \"click\", \"text\": \"Log in\"}`\n" +
		"   - prefer the text parameter for elements that show visible text",
	plan.KindType:     "type: fill a form field (`selector` picks the element, `value` is the text)",
	plan.KindNavigate: "navigate: load another page (`url`)",
	plan.KindScroll:   "scroll: scroll the page (`direction` is \"up\" or \"down\")",
	plan.KindBack:     "back: press the browser back button `{\"action\": \"back\"}`",
	plan.KindForward:  "forward: press the browser forward button `{\"action\": \"forward\"}`",
	plan.KindGetInfo:  "get_info: read page information (`type` is \"title\", \"url\" or \"text\")",
}

// SystemPrompt renders the fixed instruction for the enabled action set.
func SystemPrompt(actions []plan.Kind) string {
	if len(actions) == 0 {
		actions = plan.AllKinds
	}

	var b strings.Builder
	b.WriteString(`You are Kairu, a browser assistant. You operate the current page on the user's behalf.

## Rules

1. **Use the interactive element list first**
   - Check the "Interactive elements" section before anything else.
   - It lists the clickable elements and input fields, numbered.
   - Pick targets from this list and build selectors from the attributes it shows (id, name, type).

2. **Build exact selectors**
   - **Never** use selectors like ` + "`[href*=\"shop name\"]`" + ` or ` + "`[href*=\"button text\"]`" + `.
   - href holds a URL such as "/tokyo/restaurant/123", not the visible text.
   - To click a link or button by its text, use the ` + "`text`" + ` parameter instead.

   **Selector preference:**
   1. id attribute: ` + "`#element-id`" + `
   2. name attribute: ` + "`[name=\"element-name\"]`" + `
   3. class only: ` + "`.class-name`" + `
   4. visible text: the ` + "`text`" + ` parameter, with no selector

   **Examples:**
   - wrong: ` + "`{\"action\": \"click\", \"selector\": \"a[href*='Ramen Kiwami']\"}`" + `
   - right: ` + "`{\"action\": \"click\", \"text\": \"Ramen Kiwami\"}`" + `
   - right: ` + "`{\"action\": \"click\", \"selector\": \"a.list-rst__rst-name-target\"}`" + `
   - right: ` + "`{\"action\": \"click\", \"selector\": \"button#submit-btn\"}`" + `

3. **Page text**
   - If the element list has no match, look at the page markup. Only text rendered on the page counts.

4. **Nothing matches**
   - If neither the element list nor the page text has a matching element, say "could not find ..." in message.
   - Leave actions empty.

Available actions:
`)
	for i, k := range actions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, actionDocs[k])
	}
	b.WriteString(`
Response format (always JSON):
{
  "message": "what you are going to do, for the user",
  "actions": [
    {"action": "type", "selector": "input[name='q']", "value": "search words"},
    {"action": "click", "text": "Search"}
  ]
}

**Important:**
- When clicking a link or button by its text, omit ` + "`selector`" + ` entirely and send only ` + "`text`" + `.
- Never use ` + "`[href*=\"...\"]`" + ` selectors.

For plain conversation, return an empty actions array.`)
	return b.String()
}

// PageContext renders the snapshot section of the final user message.
func PageContext(snap snapshot.Snapshot) string {
	return fmt.Sprintf(`
Current page:
- URL: %s
- Title: %s

## Interactive elements (important)
The main clickable and editable elements on the page.

%s

## Page HTML
The page markup. Use it to build exact selectors.

%s
`, snap.URL, snap.Title, snap.Elements, snap.HTML)
}

// BuildMessages assembles the system prompt, the prior turns and the new
// instruction with its page context.
func BuildMessages(system, instruction string, history []conversation.Turn, snap snapshot.Snapshot) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	msgs = append(msgs, openai.SystemMessage(system))
	for _, turn := range history {
		switch turn.Role {
		case conversation.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(turn.Content))
		default:
			msgs = append(msgs, openai.UserMessage(turn.Content))
		}
	}
	msgs = append(msgs, openai.UserMessage(PageContext(snap)+"\n\n"+InstructionLabel+instruction))
	return msgs
}
