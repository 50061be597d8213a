package learner

import (
	"encoding/json"
	"fmt"
	"strings"
)

// exportMeta is the union of provider metadata fields used in exports.
type exportMeta struct {
	Categories []string `json:"categories"`
	Comment    string   `json:"comment"`
	JournalRef string   `json:"journal_ref"`
	Container  string   `json:"container"`
	Publisher  string   `json:"publisher"`
	Type       string   `json:"type"`
}

func (p *Paper) exportMeta() exportMeta {
	var m exportMeta
	if len(p.Metadata) > 0 {
		json.Unmarshal(p.Metadata, &m)
	}
	return m
}

// BibTeX renders the paper as a BibTeX entry.
func (p *Paper) BibTeX() string {
	meta := p.exportMeta()
	journal := meta.JournalRef
	if journal == "" {
		journal = meta.Container
	}

	typ := "misc"
	if journal != "" {
		typ = "article"
	}

	fields := [][2]string{
		{"title", p.Title},
		{"author", bibAuthors(p.AuthorNames())},
	}
	if !p.PublicationDate.IsZero() {
		fields = append(fields,
			[2]string{"year", fmt.Sprintf("%d", p.PublicationDate.Year())},
			[2]string{"month", strings.ToLower(p.PublicationDate.Format("Jan"))},
		)
	}
	fields = append(fields, [2]string{"journal", journal}, [2]string{"publisher", meta.Publisher})

	switch p.Source {
	case Arxiv:
		fields = append(fields, [2]string{"eprint", p.SourceIdentifier}, [2]string{"archivePrefix", "arXiv"})
		if len(meta.Categories) > 0 {
			fields = append(fields, [2]string{"primaryClass", meta.Categories[0]})
		}
	case IACR:
		fields = append(fields, [2]string{"howpublished", "Cryptology ePrint Archive, Paper " + p.SourceIdentifier})
	}
	fields = append(fields,
		[2]string{"doi", p.DOI},
		[2]string{"url", p.AbstractURL()},
		[2]string{"note", meta.Comment},
	)

	var sb strings.Builder
	fmt.Fprintf(&sb, "@%s{%s,\n", typ, p.BibTeXKey())
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		fmt.Fprintf(&sb, "  %s = {%s},\n", f[0], escapeBibTeX(f[1]))
	}
	sb.WriteString("}\n")
	return sb.String()
}

// BibTeXKey returns a citation key: first author's last name, year and
// the first word of the title ("vaswani2017atten"). Papers without
// authors fall back to the source and identifier.
func (p *Paper) BibTeXKey() string {
	var key string
	if len(p.Authors) > 0 {
		words := strings.Fields(p.Authors[0].Name)
		if len(words) > 0 {
			key = keyWord(words[len(words)-1], 0)
		}
	}
	if key == "" {
		return slug(p.Source, p.SourceIdentifier)
	}
	if !p.PublicationDate.IsZero() {
		key += fmt.Sprintf("%d", p.PublicationDate.Year())
	}
	if words := searchTerms(p.Title); len(words) > 0 {
		key += keyWord(words[0], 5)
	}
	return key
}

// keyWord lower-cases w, keeps letters and digits, and truncates to n runes (0 means no limit).
func keyWord(w string, n int) string {
	var out []rune
	for _, r := range strings.ToLower(w) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			out = append(out, r)
		}
	}
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return string(out)
}

// bibAuthors formats names as "Last, First and Last, First".
func bibAuthors(names []string) string {
	formatted := make([]string, 0, len(names))
	for _, name := range names {
		words := strings.Fields(name)
		switch {
		case len(words) == 0:
			continue
		case strings.Contains(name, ","), len(words) == 1:
			formatted = append(formatted, strings.Join(words, " "))
		default:
			last := words[len(words)-1]
			formatted = append(formatted, last+", "+strings.Join(words[:len(words)-1], " "))
		}
	}
	return strings.Join(formatted, " and ")
}

var bibReplacer = strings.NewReplacer(
	`\`, `\textbackslash{}`,
	"{", `\{`,
	"}", `\}`,
	"&", `\&`,
	"%", `\%`,
	"$", `\$`,
	"#", `\#`,
	"_", `\_`,
	"^", `\textasciicircum{}`,
	"~", `\textasciitilde{}`,
)

func escapeBibTeX(s string) string {
	return bibReplacer.Replace(s)
}
