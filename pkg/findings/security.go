package findings

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Taxonomy is a security standard classification used as a search facet.
type Taxonomy string

const (
	TaxonomyOWASPTop10          Taxonomy = "owaspTop10"
	TaxonomyOWASPTop10v2021     Taxonomy = "owaspTop10-2021"
	TaxonomySANSTop25           Taxonomy = "sansTop25"
	TaxonomySonarSourceSecurity Taxonomy = "sonarsourceSecurity"
	TaxonomyCWE                 Taxonomy = "cwe"
	TaxonomyPCIDSS32            Taxonomy = "pciDss-3.2"
	TaxonomyPCIDSS40            Taxonomy = "pciDss-4.0"
	TaxonomyOWASPASVS40         Taxonomy = "owaspAsvs-4.0"
	TaxonomyCASA                Taxonomy = "casa"
	TaxonomySTIGv5r3            Taxonomy = "stig-ASD_V5R3"
)

// Taxonomies lists every supported taxonomy in facet order.
var Taxonomies = []Taxonomy{
	TaxonomyOWASPTop10,
	TaxonomyOWASPTop10v2021,
	TaxonomySANSTop25,
	TaxonomySonarSourceSecurity,
	TaxonomyCWE,
	TaxonomyPCIDSS32,
	TaxonomyPCIDSS40,
	TaxonomyOWASPASVS40,
	TaxonomyCASA,
	TaxonomySTIGv5r3,
}

// Valid reports whether t is a supported taxonomy.
func (t Taxonomy) Valid() bool {
	return slices.Contains(Taxonomies, t)
}

// Hierarchical reports whether codes of t are dotted paths whose prefixes
// also match (PCI DSS requirement "6.5.1" belongs to "6.5" and "6").
func (t Taxonomy) Hierarchical() bool {
	return t == TaxonomyPCIDSS32 || t == TaxonomyPCIDSS40
}

// Tag formats a security standard tag as stored on findings.
func Tag(t Taxonomy, code string) string {
	return fmt.Sprintf("%s:%s", t, code)
}

// ParseTag splits a "taxonomy:code" tag.
func ParseTag(tag string) (Taxonomy, string, bool) {
	i := strings.LastIndex(tag, ":")
	if i <= 0 || i == len(tag)-1 {
		return "", "", false
	}
	t := Taxonomy(tag[:i])
	if !t.Valid() {
		return "", "", false
	}
	return t, tag[i+1:], true
}

// Codes returns the codes a finding carries for taxonomy t. Hierarchical
// codes are expanded with their dotted prefixes.
func (f *Finding) Codes(t Taxonomy) []string {
	var out []string
	for _, tag := range f.SecurityStandards {
		tax, code, ok := ParseTag(tag)
		if !ok || tax != t {
			continue
		}
		if t.Hierarchical() {
			parts := strings.Split(code, ".")
			for i := 1; i < len(parts); i++ {
				out = append(out, strings.Join(parts[:i], "."))
			}
		}
		out = append(out, code)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// asvsSection is a run of consecutive ASVS 4.0 requirements sharing a level.
type asvsSection struct {
	section     string
	first, last int
	level       int
}

// asvsRequirements maps ASVS 4.0 requirements to the lowest level that
// includes them.
var asvsRequirements = []asvsSection{
	{"1.1", 1, 7, 2}, {"1.2", 1, 4, 2}, {"1.4", 1, 5, 2}, {"1.5", 1, 4, 2},
	{"1.6", 1, 4, 2}, {"1.7", 1, 2, 2}, {"1.8", 1, 2, 2}, {"1.9", 1, 2, 2},
	{"1.10", 1, 1, 2}, {"1.11", 1, 2, 2}, {"1.11", 3, 3, 3}, {"1.12", 2, 2, 2},
	{"1.14", 1, 6, 2},
	{"2.1", 1, 12, 1}, {"2.2", 1, 3, 1}, {"2.2", 4, 7, 3}, {"2.3", 1, 1, 1},
	{"2.3", 2, 3, 2}, {"2.4", 1, 5, 2}, {"2.5", 1, 7, 1}, {"2.6", 1, 3, 2},
	{"2.7", 1, 4, 1}, {"2.7", 5, 6, 2}, {"2.8", 1, 1, 1}, {"2.8", 2, 6, 2},
	{"2.8", 7, 7, 3}, {"2.9", 1, 3, 2}, {"2.10", 1, 4, 2},
	{"3.1", 1, 1, 1}, {"3.2", 1, 3, 1}, {"3.2", 4, 4, 2}, {"3.3", 1, 2, 1},
	{"3.3", 3, 4, 2}, {"3.4", 1, 5, 1}, {"3.5", 1, 3, 2}, {"3.6", 1, 2, 3},
	{"3.7", 1, 1, 1},
	{"4.1", 1, 3, 1}, {"4.1", 5, 5, 1}, {"4.2", 1, 2, 1}, {"4.3", 1, 2, 1},
	{"4.3", 3, 3, 2},
	{"5.1", 1, 5, 1}, {"5.2", 1, 8, 1}, {"5.3", 1, 10, 1}, {"5.4", 1, 3, 2},
	{"5.5", 1, 4, 1},
	{"6.1", 1, 3, 2}, {"6.2", 1, 1, 1}, {"6.2", 2, 6, 2}, {"6.2", 7, 8, 3},
	{"6.3", 1, 2, 2}, {"6.3", 3, 3, 3}, {"6.4", 1, 2, 2},
	{"7.1", 1, 2, 1}, {"7.1", 3, 4, 2}, {"7.2", 1, 2, 2}, {"7.3", 1, 4, 2},
	{"7.4", 1, 1, 1}, {"7.4", 2, 3, 2},
	{"8.1", 1, 4, 2}, {"8.1", 5, 6, 3}, {"8.2", 1, 3, 1}, {"8.3", 1, 4, 1},
	{"8.3", 5, 8, 2},
	{"9.1", 1, 3, 1}, {"9.2", 1, 4, 2}, {"9.2", 5, 5, 3},
	{"10.1", 1, 1, 3}, {"10.2", 1, 2, 2}, {"10.2", 3, 6, 3}, {"10.3", 1, 3, 1},
	{"11.1", 1, 5, 1}, {"11.1", 6, 8, 2},
	{"12.1", 1, 1, 1}, {"12.1", 2, 3, 2}, {"12.2", 1, 1, 2}, {"12.3", 1, 5, 1},
	{"12.3", 6, 6, 2}, {"12.4", 1, 2, 1}, {"12.5", 1, 2, 1}, {"12.6", 1, 1, 1},
	{"13.1", 1, 3, 1}, {"13.1", 4, 5, 2}, {"13.2", 1, 3, 1}, {"13.2", 5, 6, 2},
	{"13.3", 1, 1, 1}, {"13.3", 2, 2, 2}, {"13.4", 1, 2, 2},
	{"14.1", 1, 5, 2}, {"14.2", 1, 3, 1}, {"14.2", 4, 6, 2}, {"14.3", 2, 3, 1},
	{"14.4", 1, 7, 1}, {"14.5", 1, 3, 1}, {"14.5", 4, 4, 2},
}

// ASVSLevel returns the lowest level including requirement req.
func ASVSLevel(req string) (int, bool) {
	for _, s := range asvsRequirements {
		prefix, ok := strings.CutPrefix(req, s.section+".")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		if n >= s.first && n <= s.last {
			return s.level, true
		}
	}
	return 0, false
}

// ExpandASVS turns requested ASVS values into the requirements applicable at
// level. Values containing "." are requirements kept when their level fits;
// others are chapters expanded to all their requirements at that level.
// Unknown requirements are treated as level 3.
func ExpandASVS(values []string, level int) []string {
	var out []string
	for _, v := range values {
		if strings.Contains(v, ".") {
			l, ok := ASVSLevel(v)
			if !ok {
				l = 3
			}
			if l <= level {
				out = append(out, v)
			}
			continue
		}
		for _, s := range asvsRequirements {
			chapter, _, _ := strings.Cut(s.section, ".")
			if chapter != v || s.level > level {
				continue
			}
			for n := s.first; n <= s.last; n++ {
				out = append(out, fmt.Sprintf("%s.%d", s.section, n))
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
