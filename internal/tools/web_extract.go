package tools

import (
	"encoding/json"
	"regexp"
	"strings"
)

// extractContent turns a fetched body into model-friendly text. HTML goes
// through the readability pipeline; JSON is pretty-printed; everything else
// passes through raw. Returns the text and the extractor name.
func extractContent(body, contentType, mode string) (string, string) {
	switch {
	case strings.Contains(contentType, "application/json"):
		var data interface{}
		if err := json.Unmarshal([]byte(body), &data); err == nil {
			formatted, _ := json.MarshalIndent(data, "", "  ")
			return string(formatted), "json"
		}
		return body, "raw"

	case strings.Contains(contentType, "text/html"),
		strings.Contains(contentType, "application/xhtml"):
		if mode == "text" {
			return htmlToText(body), "html-to-text"
		}
		return htmlToMarkdown(body), "html-to-markdown"

	default:
		return body, "raw"
	}
}

var (
	reScript  = regexp.MustCompile(`(?is)<script[\s\S]*?</script>`)
	reStyle   = regexp.MustCompile(`(?is)<style[\s\S]*?</style>`)
	reComment = regexp.MustCompile(`<!--[\s\S]*?-->`)
	reNav     = regexp.MustCompile(`(?is)<nav[\s\S]*?</nav>`)
	reFooter  = regexp.MustCompile(`(?is)<footer[\s\S]*?</footer>`)
	reHeader  = regexp.MustCompile(`(?is)<header[\s\S]*?</header>`)
	reAside   = regexp.MustCompile(`(?is)<aside[\s\S]*?</aside>`)
	reTag     = regexp.MustCompile(`<[^>]+>`)
	reMultiNL = regexp.MustCompile(`\n{3,}`)
	reMultiSP = regexp.MustCompile(`[ \t]{2,}`)

	reHeading   = regexp.MustCompile(`(?is)<h([1-6])[^>]*>([\s\S]*?)</h[1-6]>`)
	reParagraph = regexp.MustCompile(`(?is)<p[^>]*>([\s\S]*?)</p>`)
	reBreak     = regexp.MustCompile(`(?i)<br\s*/?>`)
	reListItem  = regexp.MustCompile(`(?is)<li[^>]*>([\s\S]*?)</li>`)
	reAnchor    = regexp.MustCompile(`(?is)<a[^>]*href="([^"]*)"[^>]*>([\s\S]*?)</a>`)
	rePre       = regexp.MustCompile(`(?is)<pre[^>]*>([\s\S]*?)</pre>`)
	reCode      = regexp.MustCompile(`(?is)<code[^>]*>([\s\S]*?)</code>`)
	reStrong    = regexp.MustCompile(`(?is)<(?:strong|b)[^>]*>([\s\S]*?)</(?:strong|b)>`)
	reEmphasis  = regexp.MustCompile(`(?is)<(?:em|i)[^>]*>([\s\S]*?)</(?:em|i)>`)
)

// stripChrome removes the page furniture that never carries article content.
func stripChrome(html string) string {
	s := reScript.ReplaceAllString(html, "")
	s = reStyle.ReplaceAllString(s, "")
	s = reComment.ReplaceAllString(s, "")
	s = reNav.ReplaceAllString(s, "")
	s = reFooter.ReplaceAllString(s, "")
	s = reHeader.ReplaceAllString(s, "")
	s = reAside.ReplaceAllString(s, "")
	return s
}

// htmlToMarkdown converts HTML to a markdown-like rendering. Covers the
// common article structures without a full DOM parse.
func htmlToMarkdown(html string) string {
	s := stripChrome(html)

	s = reHeading.ReplaceAllStringFunc(s, func(match string) string {
		m := reHeading.FindStringSubmatch(match)
		level := int(m[1][0] - '0')
		return "\n" + strings.Repeat("#", level) + " " + strings.TrimSpace(m[2]) + "\n"
	})

	// Code blocks before generic tag stripping so their contents survive.
	s = rePre.ReplaceAllString(s, "\n```\n$1\n```\n")
	s = reCode.ReplaceAllString(s, "`$1`")

	s = reAnchor.ReplaceAllString(s, "[$2]($1)")
	s = reStrong.ReplaceAllString(s, "**$1**")
	s = reEmphasis.ReplaceAllString(s, "*$1*")

	s = reParagraph.ReplaceAllString(s, "\n$1\n")
	s = reBreak.ReplaceAllString(s, "\n")
	s = reListItem.ReplaceAllString(s, "\n- $1")

	s = reTag.ReplaceAllString(s, "")
	s = decodeHTMLEntities(s)
	s = reMultiNL.ReplaceAllString(s, "\n\n")
	s = reMultiSP.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// htmlToText extracts plain text, one trimmed line per block element.
func htmlToText(html string) string {
	s := stripChrome(html)

	s = reParagraph.ReplaceAllString(s, "\n$1\n")
	s = reBreak.ReplaceAllString(s, "\n")
	s = reListItem.ReplaceAllString(s, "\n- $1")

	s = reTag.ReplaceAllString(s, "")
	s = decodeHTMLEntities(s)
	s = reMultiSP.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	clean := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			clean = append(clean, line)
		}
	}
	return strings.Join(clean, "\n")
}

func decodeHTMLEntities(s string) string {
	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&apos;", "'",
		"&nbsp;", " ",
		"&mdash;", "—",
		"&ndash;", "–",
		"&hellip;", "...",
		"&copy;", "(c)",
	)
	return replacer.Replace(s)
}
