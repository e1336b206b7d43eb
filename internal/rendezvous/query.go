package rendezvous

import (
	"net/url"
	"strings"
)

// Attach parameters recognized in a query string: termid= and pream=,
// matching parse_query/extract_query_arg's CGI-style %HH decoding.
type QueryParams struct {
	TermID string
	Pream  string
}

// ParseQueryString parses a raw CGI-style QUERY_STRING value (as the
// source reads from the QUERY_STRING environment variable), decoding
// %HH escapes and recognizing termid= and pream=; unrecognized keys
// are silently skipped exactly as extract_query_arg's caller does.
func ParseQueryString(qs string) QueryParams {
	var p QueryParams
	for _, part := range strings.Split(qs, "&") {
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		decoded, err := url.QueryUnescape(val)
		if err != nil {
			decoded = val
		}
		switch key {
		case "termid":
			p.TermID = decoded
		case "pream":
			p.Pream = decoded
		}
	}
	return p
}

// ParseQueryValues extracts the same termid/pream pair from an
// *http.Request's URL query values — the HTTP-path equivalent of
// QUERY_STRING for the serve upgrade endpoint, where a real Go server
// receives an http.Request rather than a CGI environment variable.
func ParseQueryValues(q url.Values) QueryParams {
	return QueryParams{
		TermID: q.Get("termid"),
		Pream:  q.Get("pream"),
	}
}
