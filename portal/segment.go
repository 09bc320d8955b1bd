/*
segment.go - Loan-details page segmentation and group resolution

ALGORITHM:
  Every "Group:" header marks a section boundary; a section spans from its
  header to the next header (or end of text). Resolution of a configured group
  code against discovered sections is an ordered matcher ladder:

    1. exact token match   ("AA" == parsed token "AA")
    2. label prefix match  ("1-01" prefixes "1-01 Direct Loan - Subsidized")
    3. raw label match     (configured value equals the whole label)

  A miss produces a GroupNotFoundError enumerating every discovered
  token/label. The ladder is ordered and explicit on purpose: servicers vary,
  and naive "first Group: match wins" parsing returned the wrong section for
  every group but the first.
*/
package portal

import (
	"regexp"
	"strings"
)

var (
	groupHeaderRe = regexp.MustCompile(`(?i)Group:\s*([^\n\r]+)`)
	groupTokenRe  = regexp.MustCompile(`(?i)^([A-Z0-9][A-Z0-9-]{1,31})`)
)

// SegmentGroups slices page text into one GroupSection per "Group:" header,
// in document order. Returns nil when the page has no group headers.
func SegmentGroups(pageText string) []GroupSection {
	matches := groupHeaderRe.FindAllStringSubmatchIndex(pageText, -1)
	if len(matches) == 0 {
		return nil
	}

	out := make([]GroupSection, 0, len(matches))
	for i, m := range matches {
		start := m[0]
		end := len(pageText)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}

		label := strings.TrimSpace(pageText[m[2]:m[3]])
		token := ""
		if tm := groupTokenRe.FindString(label); tm != "" {
			token = strings.ToUpper(tm)
		}

		out = append(out, GroupSection{
			Token: token,
			Label: label,
			Text:  pageText[start:end],
		})
	}
	return out
}

// DiscoverGroups returns the unique (token, label) pairs from pageText in
// document order. Backs the discover-groups command.
func DiscoverGroups(pageText string) []GroupSection {
	var out []GroupSection
	seen := map[string]bool{}
	for _, s := range SegmentGroups(pageText) {
		key := s.Token
		if key == "" {
			key = s.Label
		}
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, GroupSection{Token: s.Token, Label: s.Label})
	}
	return out
}

// MatchGroupSection resolves a configured group code to a discovered section
// using the ordered matcher ladder described in the file header.
func MatchGroupSection(sections []GroupSection, group string) (GroupSection, error) {
	g := strings.ToUpper(strings.TrimSpace(group))
	if g == "" {
		return GroupSection{}, &GroupNotFoundError{Group: group, Discovered: sections}
	}

	// 1) exact token match
	for _, s := range sections {
		if s.Token != "" && s.Token == g {
			return s, nil
		}
	}

	// 2) label prefix match (covers "Group: 1-01 Direct Loan - Subsidized"
	// with configured group "1-01")
	for _, s := range sections {
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(s.Label)), g) {
			return s, nil
		}
	}

	// 3) raw label match
	for _, s := range sections {
		if strings.ToUpper(strings.TrimSpace(s.Label)) == g {
			return s, nil
		}
	}

	return GroupSection{}, &GroupNotFoundError{Group: group, Discovered: sections}
}
