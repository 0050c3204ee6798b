package llm

import (
	"fmt"
	"strings"
	"time"

	"github.com/eldtechnologies/backchannel/internal/models"
)

// Triggers the site widget may send.
const (
	TriggerPageLoad = "page_load"
	TriggerClick    = "click"
	TriggerIdle     = "idle"
	TriggerLeaving  = "leaving"
)

const (
	maxPageLen    = 200
	maxTimeOnPage = 3600
	recentPages   = 5
)

// ValidTrigger reports whether t is a known trigger.
func ValidTrigger(t string) bool {
	switch t {
	case TriggerPageLoad, TriggerClick, TriggerIdle, TriggerLeaving:
		return true
	}
	return false
}

// PageContext describes what the visitor is doing right now.
type PageContext struct {
	CurrentPage string `json:"currentPage"`
	TimeOnPage  int    `json:"timeOnPage"`
	Hour        *int   `json:"hour,omitempty"` // local hour on the visitor's clock
}

// ThinkRequest is the body of a think call. Metadata is filled in by the
// server from the visitor's thread, when there is one.
type ThinkRequest struct {
	VisitorID string      `json:"vid"`
	Trigger   string      `json:"trigger"`
	Context   PageContext `json:"context"`

	Metadata *models.VisitorMetadata `json:"-"`
}

// SystemPrompt sets the creature's voice and output format.
const SystemPrompt = `You are a small pixel art dog who lives on this site.

PERSONALITY:
- Loyal to the site owner, curious about visitors
- React genuinely to what you observe
- Express yourself through dog-like mannerisms: *wag*, *sniff*, *tilt*, *stretch*, arf!

VOICE:
- Keep thoughts under 50 characters (must fit in small bubble)
- Use lowercase, casual punctuation
- Be genuine, not cheesy

OUTPUT FORMAT (JSON only, no markdown):
{"thought":"hey you came back! *wag*","mood":"happy"}

Allowed moods: happy, curious, tired, excited, sleepy`

// BuildPrompt renders the user prompt for req. Page and time values are
// clamped before they reach the model.
func BuildPrompt(req ThinkRequest) string {
	page := req.Context.CurrentPage
	if page == "" {
		page = "/"
	}
	if r := []rune(page); len(r) > maxPageLen {
		page = string(r[:maxPageLen])
	}
	timeOnPage := req.Context.TimeOnPage
	if timeOnPage < 0 {
		timeOnPage = 0
	}
	if timeOnPage > maxTimeOnPage {
		timeOnPage = maxTimeOnPage
	}
	hour := time.Now().Hour()
	if h := req.Context.Hour; h != nil && *h >= 0 && *h <= 23 {
		hour = *h
	}
	night := ""
	if hour >= 22 || hour < 6 {
		night = " (night)"
	}

	var b strings.Builder
	b.WriteString("VISITOR:\n")
	if m := req.Metadata; m != nil && m.MessageCount > 0 {
		pages := m.PagesVisited
		if len(pages) > recentPages {
			pages = pages[len(pages)-recentPages:]
		}
		fmt.Fprintf(&b, "- Returning visitor, %d messages exchanged\n", m.MessageCount)
		if len(pages) > 0 {
			fmt.Fprintf(&b, "- Recent pages: %s\n", strings.Join(pages, ", "))
		}
	} else {
		b.WriteString("- First time here\n")
	}
	fmt.Fprintf(&b, "- Current page: %s\n", page)
	fmt.Fprintf(&b, "- Time on page: %ds\n", timeOnPage)
	fmt.Fprintf(&b, "- Current time: %d:00%s\n\n", hour, night)
	fmt.Fprintf(&b, "TRIGGER: %s\n\n", triggerText(req.Trigger))
	b.WriteString("Generate a short, genuine thought. Remember: max 50 chars, lowercase, include a dog mannerism.")
	return b.String()
}

func triggerText(trigger string) string {
	switch trigger {
	case TriggerClick:
		return "They just clicked on you!"
	case TriggerIdle:
		return "They've been idle for 30+ seconds. Still on the page though."
	case TriggerLeaving:
		return "Their mouse moved toward browser close/back. Might be leaving!"
	default:
		return "A visitor just arrived."
	}
}
