package research

import (
	"sort"
	"strings"
)

// Citation is one source attached to a research result.
type Citation struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// TrustPolicy classifies a citation as a primary/high-trust source. It is a
// heuristic, not a guaranteed classification, and is replaceable wholesale.
type TrustPolicy func(Citation) bool

// primarySourceMarkers is the fixed allow-list of domain and keyword markers
// for government, education, official press, and peer-reviewed sources.
var primarySourceMarkers = []string{
	".gov",
	".edu",
	".ac.",
	"who.int",
	"un.org",
	"europa.eu",
	"reuters.com",
	"apnews.com",
	"nature.com",
	"sciencedirect.com",
	"pubmed",
	"doi.org",
	"arxiv.org",
	"official",
	"press release",
	"peer-reviewed",
}

// DefaultTrustPolicy matches a citation's URL or title against the
// primary-source marker list.
func DefaultTrustPolicy(c Citation) bool {
	url := strings.ToLower(c.URL)
	title := strings.ToLower(c.Title)
	for _, m := range primarySourceMarkers {
		if strings.Contains(url, m) || strings.Contains(title, m) {
			return true
		}
	}
	return false
}

// RankCitations stably reorders citations so sources matching the policy come
// first. Relative order within each group is preserved.
func RankCitations(citations []Citation, policy TrustPolicy) []Citation {
	if policy == nil {
		policy = DefaultTrustPolicy
	}
	ranked := make([]Citation, len(citations))
	copy(ranked, citations)
	sort.SliceStable(ranked, func(i, j int) bool {
		return policy(ranked[i]) && !policy(ranked[j])
	})
	return ranked
}
