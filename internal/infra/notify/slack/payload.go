package slack

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

// Block Kit message subset used by the integrator.
type message struct {
	Text   string  `json:"text"`
	Blocks []block `json:"blocks"`
}

type block struct {
	Type     string    `json:"type"`
	Text     *text     `json:"text,omitempty"`
	Fields   []text    `json:"fields,omitempty"`
	Elements []element `json:"elements,omitempty"`
}

type text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type element struct {
	Type string `json:"type"`
	Text text   `json:"text"`
	URL  string `json:"url"`
}

func mrkdwn(s string) text { return text{Type: "mrkdwn", Text: s} }

func field(name, value string) text { return mrkdwn("*" + name + "*\n" + value) }

var headings = map[scanning.NotificationKind]struct{ title, emoji string }{
	scanning.NotifyStart:  {title: "Now Scanning"},
	scanning.NotifyError:  {title: "Scan Failed", emoji: ":rotating_light:"},
	scanning.NotifyResult: {title: "Scan Completed", emoji: ":sparkles:"},
}

// buildMessage renders n. detector is the detector label shown to readers.
func buildMessage(n scanning.Notification, detector, consoleURL string) message {
	h := headings[n.Kind]

	target, module := n.Scan.Target, n.Scan.Module
	if n.Task != nil {
		target, module = n.Task.Target, n.Task.Module
	}
	if detector == "" {
		detector = module
	}

	fields := []text{
		field("Scan Name", n.Scan.Name),
		field("Target", target),
		field("Detector", detector),
	}
	switch n.Kind {
	case scanning.NotifyError:
		fields = append(fields, field("Error", n.Scan.ErrorReason))
	case scanning.NotifyResult:
		fields = append(fields, field("Total", strconv.Itoa(len(n.Results))))
		counts := scanning.CountBySeverity(n.Results)
		for _, sev := range scanning.Severities() {
			if c := counts[sev]; c > 0 {
				fields = append(fields, field(string(sev), strconv.Itoa(c)))
			}
		}
	}

	return message{
		Text: h.title,
		Blocks: []block{
			{Type: "section", Text: &text{Type: "mrkdwn", Text: fmt.Sprintf("%s *%s*", h.emoji, h.title)}},
			{Type: "divider"},
			{Type: "section", Fields: fields},
			{Type: "actions", Elements: []element{{
				Type: "button",
				Text: text{Type: "plain_text", Text: "Show Details"},
				URL:  consoleURL + "?" + hex.EncodeToString(n.Scan.ID[:]),
			}}},
		},
	}
}
