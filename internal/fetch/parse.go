package fetch

import (
	"strings"

	"newspipe/internal/ingest"
)

// ParseLinks is the fallback listing parser: it extracts anchor hrefs and
// their visible text from an HTML page. Site-specific parsers do far better;
// this one only exists so a source configured without one still yields
// something for the merge layer to validate.
func ParseLinks(source string, body []byte) []ingest.Candidate {
	html := string(body)
	var out []ingest.Candidate
	seen := map[string]bool{}

	for {
		i := strings.Index(html, "<a ")
		if i < 0 {
			break
		}
		html = html[i:]

		end := strings.Index(html, ">")
		if end < 0 {
			break
		}
		tag := html[:end]
		html = html[end+1:]

		href := attrValue(tag, "href")

		closing := strings.Index(html, "</a>")
		if closing < 0 {
			break
		}
		text := stripTags(html[:closing])
		html = html[closing+4:]

		if href == "" || seen[href] || !strings.HasPrefix(href, "http") {
			continue
		}
		seen[href] = true

		out = append(out, ingest.Candidate{
			Title:  text,
			Source: source,
			URL:    href,
		})
	}
	return out
}

func attrValue(tag, name string) string {
	i := strings.Index(tag, name+`="`)
	if i < 0 {
		return ""
	}
	rest := tag[i+len(name)+2:]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return ""
	}
	return rest[:end]
}

func stripTags(s string) string {
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch r {
		case '<':
			depth++
		case '>':
			if depth > 0 {
				depth--
			}
		default:
			if depth == 0 {
				b.WriteRune(r)
			}
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
