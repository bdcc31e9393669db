/*
Package pathutil holds the small url and header helpers shared by both transport
implementations. None of them allocate network resources or fail; malformed input
degrades to the most literal reading of the string.
*/
package pathutil

import "strings"

const (
	headerLineSeparator  = "\r\n"
	headerValueSeparator = ":"
)

type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ParseUrl splits a url into its host (with port) and its path. The scheme, if any,
// is discarded. A url that starts with a path yields an empty host.
func ParseUrl(rawUrl string) (hostAndPort string, pathname string) {
	rest := rawUrl
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+len("://"):]
	} else if strings.HasPrefix(rest, "//") {
		rest = rest[len("//"):]
	} else if strings.HasPrefix(rest, "/") {
		return "", rest
	}

	if i := strings.Index(rest, "/"); i >= 0 {
		return rest[:i], rest[i:]
	}
	return rest, ""
}

// JoinPaths joins two path segments with exactly one slash between them, even when
// one of them is empty
func JoinPaths(basePath string, path string) string {
	return strings.TrimSuffix(basePath, "/") + "/" + strings.TrimPrefix(path, "/")
}

// ParseResponseHeaders reads a raw CRLF separated header block, keeping duplicates and
// their order
func ParseResponseHeaders(raw string) []Header {
	headers := []Header{}

	for _, line := range strings.Split(raw, headerLineSeparator) {
		if line == "" {
			continue
		}

		name, value, found := strings.Cut(line, headerValueSeparator)
		if !found {
			continue
		}

		headers = append(headers, Header{
			Name:  name,
			Value: strings.TrimPrefix(value, " "),
		})
	}

	return headers
}
