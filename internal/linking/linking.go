// Package linking proposes correspondences between entities from different
// systems.
//
// Link is pure and synchronous with O(|source| x |target|) cost and no size
// guard; callers pre-filter both sides. It may emit several candidates for
// the same pair. Dedupe is the explicit post-processing step that keeps the
// best one.
package linking

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
)

// Confidence levels.
const (
	ConfidenceCrossReference = 0.95
	ConfidenceExact          = 0.9
	ConfidenceMention        = 0.85
	ConfidenceEmailDomain    = 0.8
	ConfidenceHeuristic      = 0.72
)

// Reserved item keys.
const (
	KeyID                = "id"
	KeyEntity            = "entity"
	KeySourceIntegration = "sourceIntegration"
)

// Item is one entity record. Besides its data fields it may carry an id and
// entity/sourceIntegration tags.
type Item = map[string]any

// Params is the input to Link.
type Params struct {
	Source      []Item `json:"source"`
	Target      []Item `json:"target"`
	SourceField string `json:"sourceField"`
	TargetField string `json:"targetField"`
}

// Candidate is a proposed link. It is not persisted here.
type Candidate struct {
	SourceID   string  `json:"sourceId"`
	TargetID   string  `json:"targetId"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

var issueKeyPattern = regexp.MustCompile(`\b[A-Z][A-Z0-9]+-\d+\b`)

// Link compares every source item with every target item.
//
// A case-insensitive exact match yields an exact candidate; otherwise
// containment in either direction yields a heuristic one. Integration
// specific rules may then add higher-confidence candidates for the same
// pair, exact match or not.
func Link(p Params) []Candidate {
	out := []Candidate{}
	for si, s := range p.Source {
		sv := fieldString(s, p.SourceField)
		if sv == "" {
			continue
		}
		sid := itemID(s, si)
		for ti, t := range p.Target {
			tv := fieldString(t, p.TargetField)
			if tv == "" {
				continue
			}
			tid := itemID(t, ti)

			ls, lt := strings.ToLower(sv), strings.ToLower(tv)
			switch {
			case strings.EqualFold(sv, tv):
				out = append(out, Candidate{SourceID: sid, TargetID: tid, Confidence: ConfidenceExact, Reason: "Exact match"})
			case strings.Contains(ls, lt) || strings.Contains(lt, ls):
				out = append(out, Candidate{SourceID: sid, TargetID: tid, Confidence: ConfidenceHeuristic, Reason: "Heuristic match"})
			}

			for _, rule := range domainRules {
				if c, ok := rule(pair{src: s, tgt: t, sv: sv, tv: tv}); ok {
					c.SourceID, c.TargetID = sid, tid
					out = append(out, c)
				}
			}
		}
	}
	return out
}

// Dedupe keeps the highest-confidence candidate per (sourceId, targetId)
// and orders the result by confidence descending, then first appearance.
func Dedupe(cands []Candidate) []Candidate {
	type slot struct {
		c     Candidate
		first int
	}
	best := make(map[[2]string]*slot, len(cands))
	order := make([]*slot, 0, len(cands))
	for i, c := range cands {
		k := [2]string{c.SourceID, c.TargetID}
		if cur, ok := best[k]; ok {
			if c.Confidence > cur.c.Confidence {
				cur.c = c
			}
			continue
		}
		s := &slot{c: c, first: i}
		best[k] = s
		order = append(order, s)
	}
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].c.Confidence > order[j].c.Confidence
	})
	out := make([]Candidate, len(order))
	for i, s := range order {
		out[i] = s.c
	}
	return out
}

type pair struct {
	src, tgt Item
	sv, tv   string
}

type rule func(p pair) (Candidate, bool)

var domainRules = []rule{crossReference, messageMention, emailDomain}

// crossReference matches an issue key mentioned in a code-host item with
// the same key on an issue tracker item.
func crossReference(p pair) (Candidate, bool) {
	codeText, trackerText, ok := orient(p, codeHosts, issueTrackers)
	if !ok {
		return Candidate{}, false
	}
	trackerKeys := issueKeyPattern.FindAllString(strings.ToUpper(trackerText), -1)
	for _, key := range issueKeyPattern.FindAllString(strings.ToUpper(codeText), -1) {
		for _, tk := range trackerKeys {
			if key == tk {
				return Candidate{Confidence: ConfidenceCrossReference, Reason: fmt.Sprintf("Cross-system ID match (%s)", key)}, true
			}
		}
	}
	return Candidate{}, false
}

// messageMention matches a chat message that quotes a code-host or tracker
// item's title or key.
func messageMention(p pair) (Candidate, bool) {
	msg, other, ok := orient(p, chatTools, mentionTargets)
	if !ok || len(other) < 3 {
		return Candidate{}, false
	}
	if strings.Contains(strings.ToLower(msg), strings.ToLower(other)) {
		return Candidate{Confidence: ConfidenceMention, Reason: "Message references linked item"}, true
	}
	return Candidate{}, false
}

// emailDomain matches CRM records to billing customers by domain.
func emailDomain(p pair) (Candidate, bool) {
	crmText, billingText, ok := orient(p, crms, billing)
	if !ok {
		return Candidate{}, false
	}
	if !strings.Contains(crmText, "@") && !strings.Contains(billingText, "@") {
		return Candidate{}, false
	}
	a, b := domainOf(crmText), domainOf(billingText)
	if a == "" || a != b {
		return Candidate{}, false
	}
	return Candidate{Confidence: ConfidenceEmailDomain, Reason: fmt.Sprintf("Matching email domain (%s)", a)}, true
}

var (
	codeHosts      = []string{"github", "gitlab"}
	issueTrackers  = []string{"linear", "jira"}
	chatTools      = []string{"slack"}
	mentionTargets = []string{"github", "linear"}
	crms           = []string{"hubspot", "salesforce"}
	billing        = []string{"stripe"}
)

// orient returns the pair's field values ordered as (kindA, kindB) when one
// item is tagged with a kindA integration and the other with a kindB one.
func orient(p pair, kindA, kindB []string) (a, b string, ok bool) {
	st, tt := integrationOf(p.src), integrationOf(p.tgt)
	switch {
	case slices.Contains(kindA, st) && slices.Contains(kindB, tt):
		return p.sv, p.tv, true
	case slices.Contains(kindA, tt) && slices.Contains(kindB, st):
		return p.tv, p.sv, true
	}
	return "", "", false
}

func integrationOf(item Item) string {
	if v := fieldString(item, KeySourceIntegration); v != "" {
		return strings.ToLower(v)
	}
	return strings.ToLower(fieldString(item, KeyEntity))
}

func domainOf(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if _, after, found := strings.Cut(s, "@"); found {
		s = after
	}
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "www.")
	host, _, _ := strings.Cut(s, "/")
	if !strings.Contains(host, ".") {
		return ""
	}
	return host
}

func fieldString(item Item, field string) string {
	v, ok := item[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func itemID(item Item, index int) string {
	if id := fieldString(item, KeyID); id != "" {
		return id
	}
	return fmt.Sprintf("#%d", index)
}
