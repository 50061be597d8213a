package learner

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Identifier is a canonical (source, identifier) pair.
type Identifier struct {
	Source Source
	ID     string
}

func (id Identifier) String() string {
	return fmt.Sprintf("%s:%s", id.Source, id.ID)
}

// arXiv ID patterns:
// - New format: YYMM.NNNNN (e.g., 2301.07041, 2301.07041v2)
// - Old format: archive/YYMMNNN (e.g., hep-th/9901001, math.CO/0001001)
var (
	arxivNewRe = regexp.MustCompile(`^(\d{4}\.\d{4,5})(v\d+)?$`)
	arxivOldRe = regexp.MustCompile(`^([a-zA-Z][a-zA-Z-]*(?:\.[A-Z]{2})?/\d{7})(v\d+)?$`)

	// IACR ePrint: YYYY/NNN (e.g., 2016/260)
	iacrRe = regexp.MustCompile(`^(\d{4})/(\d{3,})$`)

	// DOI: 10.<registrant>/<suffix>
	doiRe = regexp.MustCompile(`^10\.\d{4,9}/\S+$`)
)

// recognizer maps a raw input to a canonical identifier for one source.
type recognizer struct {
	source    Source
	recognize func(s string) (string, bool)
}

// recognizers are tried in priority order: arXiv, DOI, IACR.
var recognizers = []recognizer{
	{Arxiv, recognizeArxiv},
	{DOI, recognizeDOI},
	{IACR, recognizeIACR},
}

// Resolve parses a free-form identifier or URL into its canonical
// (source, identifier) pair. Every accepted surface form of the same
// paper resolves to the same pair.
func Resolve(input string) (Identifier, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return Identifier{}, &Error{Kind: ErrUnrecognizedSource, Message: "empty identifier"}
	}
	for _, r := range recognizers {
		if id, ok := r.recognize(s); ok {
			return Identifier{Source: r.source, ID: id}, nil
		}
	}
	return Identifier{}, &Error{Kind: ErrUnrecognizedSource, Message: fmt.Sprintf("unrecognized identifier %q", input)}
}

// ResolveSource canonicalizes an identifier for a known source,
// as used by "download <source> <id>".
func ResolveSource(source Source, input string) (Identifier, error) {
	for _, r := range recognizers {
		if r.source != source {
			continue
		}
		if id, ok := r.recognize(strings.TrimSpace(input)); ok {
			return Identifier{Source: source, ID: id}, nil
		}
		return Identifier{}, &Error{Kind: ErrUnrecognizedSource, Message: fmt.Sprintf("%q is not a valid %s identifier", input, source)}
	}
	return Identifier{}, &Error{Kind: ErrUnrecognizedSource, Message: fmt.Sprintf("unknown source %q", source)}
}

func recognizeArxiv(s string) (string, bool) {
	if u, ok := parseURL(s); ok {
		host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
		if host != "arxiv.org" && host != "export.arxiv.org" {
			return "", false
		}
		path := strings.TrimPrefix(u.Path, "/")
		for _, prefix := range []string{"abs/", "pdf/"} {
			if rest, ok := strings.CutPrefix(path, prefix); ok {
				return canonicalArxivID(strings.TrimSuffix(rest, ".pdf"))
			}
		}
		return "", false
	}
	if len(s) > 6 && strings.EqualFold(s[:6], "arxiv:") {
		s = strings.TrimSpace(s[6:])
	}
	return canonicalArxivID(s)
}

// canonicalArxivID strips the version suffix: 2301.07041v2 -> 2301.07041.
func canonicalArxivID(s string) (string, bool) {
	if m := arxivNewRe.FindStringSubmatch(s); m != nil {
		return m[1], true
	}
	if m := arxivOldRe.FindStringSubmatch(s); m != nil {
		return m[1], true
	}
	return "", false
}

// arxivVersion returns the version suffix of a raw arXiv id ("v2"), if any.
func arxivVersion(s string) string {
	if m := arxivNewRe.FindStringSubmatch(s); m != nil {
		return m[2]
	}
	if m := arxivOldRe.FindStringSubmatch(s); m != nil {
		return m[2]
	}
	return ""
}

func recognizeDOI(s string) (string, bool) {
	if u, ok := parseURL(s); ok {
		host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
		if host != "doi.org" && host != "dx.doi.org" {
			return "", false
		}
		s = strings.TrimPrefix(u.Path, "/")
	} else if len(s) > 4 && strings.EqualFold(s[:4], "doi:") {
		s = strings.TrimSpace(s[4:])
	}
	if !doiRe.MatchString(s) {
		return "", false
	}
	// DOIs are case-insensitive; store them lower-cased.
	return strings.ToLower(s), true
}

func recognizeIACR(s string) (string, bool) {
	if u, ok := parseURL(s); ok {
		if strings.ToLower(u.Host) != "eprint.iacr.org" {
			return "", false
		}
		s = strings.TrimSuffix(strings.Trim(u.Path, "/"), ".pdf")
	}
	m := iacrRe.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1] + "/" + m[2], true
}

func parseURL(s string) (*url.URL, bool) {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return nil, false
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return nil, false
	}
	return u, true
}
