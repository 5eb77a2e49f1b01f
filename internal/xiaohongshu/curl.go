package xiaohongshu

import (
	"fmt"
	"os"
	"strings"

	"github.com/untoldecay/midas/internal/types"
)

// ParseCurl extracts an AuthCapture from a "copy as cURL" export. Both the
// bash form (single quotes, line continuations) and the cmd form are
// accepted as long as headers appear as -H / --header pairs.
func ParseCurl(path string) (*types.AuthCapture, string, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", "", fmt.Errorf("reading cURL file: %w", err)
	}

	tokens := tokenizeCurl(string(raw))
	if len(tokens) == 0 || tokens[0] != "curl" {
		return nil, "", "", fmt.Errorf("%s does not look like a cURL command", path)
	}

	capture := &types.AuthCapture{ExtraHeaders: map[string]string{}}
	reqURL := ""
	method := "GET"
	for i := 1; i < len(tokens); i++ {
		switch tokens[i] {
		case "-H", "--header":
			if i+1 >= len(tokens) {
				continue
			}
			i++
			name, value, ok := strings.Cut(tokens[i], ":")
			if !ok {
				continue
			}
			assignHeader(capture, strings.TrimSpace(name), strings.TrimSpace(value))
		case "-b", "--cookie":
			if i+1 >= len(tokens) {
				continue
			}
			i++
			capture.Cookie = tokens[i]
		case "-X", "--request":
			if i+1 >= len(tokens) {
				continue
			}
			i++
			method = strings.ToUpper(tokens[i])
		case "--data", "--data-raw", "--data-binary", "-d":
			if method == "GET" {
				method = "POST"
			}
			i++
		case "--compressed", "-s", "--silent", "-L", "--location":
		default:
			if strings.HasPrefix(tokens[i], "http") && reqURL == "" {
				reqURL = tokens[i]
			}
		}
	}

	if capture.Cookie == "" {
		return nil, "", "", fmt.Errorf("no cookie header in %s", path)
	}
	if reqURL == "" {
		return nil, "", "", fmt.Errorf("no request URL in %s", path)
	}
	return capture, reqURL, method, nil
}

// tokenizeCurl splits a shell command into words, honoring single and double
// quotes and backslash-newline continuations.
func tokenizeCurl(s string) []string {
	var tokens []string
	var cur strings.Builder
	inSingle, inDouble := false, false
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\\' && i+1 < len(s) && (s[i+1] == '\n' || s[i+1] == '\r'):
			i++
			if s[i] == '\r' && i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
		case ch == '"' && !inSingle:
			inDouble = !inDouble
		case (ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r') && !inSingle && !inDouble:
			flush()
		default:
			cur.WriteByte(ch)
		}
	}
	flush()
	return tokens
}
