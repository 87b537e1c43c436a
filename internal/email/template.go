package email

import (
	"fmt"
	"html"
	"strings"
)

// trackingHeader carries the tracking id on every outgoing message so bounces
// and provider webhooks can be correlated back to a record.
const trackingHeader = "X-Tracking-ID"

func fromHeader(name, addr string) string {
	if name == "" {
		return addr
	}
	return fmt.Sprintf("%s <%s>", name, addr)
}

// ─── TEMPLATES ────────────────────────────────────────────────────────────────

// trackedHTML renders the user's message as escaped paragraphs followed by the
// tracking button. The message is untrusted input.
func trackedHTML(message, trackingURL string) string {
	var paras strings.Builder
	for _, p := range strings.Split(strings.ReplaceAll(message, "\r\n", "\n"), "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		lines := strings.Split(html.EscapeString(p), "\n")
		fmt.Fprintf(&paras, "  <p>%s</p>\n", strings.Join(lines, "<br>"))
	}

	link := html.EscapeString(trackingURL)
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; color: #1a1a1a; max-width: 560px; margin: 0 auto; padding: 24px;">
%s  <p style="margin: 32px 0;">
    <a href="%s"
       style="background: #0f172a; color: #ffffff; padding: 12px 24px;
              border-radius: 6px; text-decoration: none; font-weight: 600;">
      Open link
    </a>
  </p>
  <p style="color: #6b7280; font-size: 14px;">
    If the button above does not work, copy this URL:<br>
    <a href="%s" style="color: #6b7280;">%s</a>
  </p>
</body>
</html>`, paras.String(), link, link, link)
}

func trackedText(message, trackingURL string) string {
	return strings.TrimRight(message, "\n") + "\n\n" + trackingURL + "\n"
}
