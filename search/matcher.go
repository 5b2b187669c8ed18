// Package search implements incremental fuzzy matching over key names.
//
// The matcher is append-only: entries can be inserted but never removed.
// Deletion semantics are layered on top by Index through tombstones, and
// unbounded growth is bounded by periodic rebuilds during maintenance.
package search

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	keva "github.com/ik1ne/keva-sub000"
)

// tickBatch is how many candidate entries one Tick call scores. Small
// enough to keep Tick non-blocking for interactive callers, large enough
// that typical stores stabilize in a handful of ticks.
const tickBatch = 512

type entry struct {
	key    string
	folded string // normalized, lowercased form for insensitive matching
	normed string // normalized, case-preserving form
}

type match struct {
	entryIdx int
	score    int
}

// Matcher scores keys against a query pattern incrementally. Work is
// advanced by Tick in bounded batches so callers can interleave matching
// with other work. Matcher is not goroutine-safe; Engine serializes access.
type Matcher struct {
	entries []entry

	caseMode  keva.CaseMatching
	normalize bool

	pattern       string
	patternFolded string
	sensitive     bool // resolved for the current pattern

	// queue holds entry indexes still to be scored for the current
	// pattern; next is the position of the first unscored one.
	queue   []int
	next    int
	matches []match
}

// NewMatcher creates an empty matcher with the given case and
// normalization behavior.
func NewMatcher(caseMode keva.CaseMatching, normalize bool) *Matcher {
	return &Matcher{
		caseMode:  caseMode,
		normalize: normalize,
	}
}

// Insert appends a key. The key joins the current pattern's scan queue so
// it becomes visible once matching catches up. Insertion order is
// preserved for empty-query iteration.
func (m *Matcher) Insert(key string) {
	normed := key
	if m.normalize {
		normed = norm.NFC.String(key)
	}
	m.entries = append(m.entries, entry{
		key:    key,
		folded: strings.ToLower(normed),
		normed: normed,
	})
	m.queue = append(m.queue, len(m.entries)-1)
}

// Len returns the number of entries ever inserted.
func (m *Matcher) Len() int {
	return len(m.entries)
}

// Keys returns all inserted keys in insertion order.
func (m *Matcher) Keys() []string {
	keys := make([]string, len(m.entries))
	for i, e := range m.entries {
		keys[i] = e.key
	}
	return keys
}

// SetPattern installs a new query pattern and resets matching progress.
// When the new pattern extends the previous one by appending characters,
// only the previous pattern's matches are rescanned; any other edit
// rescans every entry.
func (m *Matcher) SetPattern(pattern string) {
	prev := m.pattern
	prevScored := m.next == len(m.queue)

	m.pattern = pattern
	if m.normalize {
		m.pattern = norm.NFC.String(pattern)
	}
	m.patternFolded = strings.ToLower(m.pattern)
	m.sensitive = m.resolveSensitive(m.pattern)

	appendOnly := prev != "" && len(m.pattern) > len(prev) && strings.HasPrefix(m.pattern, prev)
	if appendOnly && prevScored {
		// Narrowing a pattern can only lose matches, so the previous
		// match set is a complete candidate list.
		queue := make([]int, len(m.matches))
		for i, mt := range m.matches {
			queue[i] = mt.entryIdx
		}
		m.queue = queue
	} else {
		m.queue = make([]int, len(m.entries))
		for i := range m.entries {
			m.queue[i] = i
		}
	}

	m.next = 0
	m.matches = m.matches[:0]
}

// Done reports whether every queued entry has been scored for the
// current pattern.
func (m *Matcher) Done() bool {
	return m.next >= len(m.queue)
}

// Tick advances matching by one batch. It returns true when the match set
// changed. An empty pattern accepts every entry without scoring.
func (m *Matcher) Tick() bool {
	if m.Done() {
		return false
	}

	end := m.next + tickBatch
	if end > len(m.queue) {
		end = len(m.queue)
	}

	changed := false
	for _, idx := range m.queue[m.next:end] {
		score, ok := m.scoreEntry(m.entries[idx])
		if !ok {
			continue
		}
		m.matches = append(m.matches, match{entryIdx: idx, score: score})
		changed = true
	}
	m.next = end

	if changed && m.pattern != "" {
		sort.SliceStable(m.matches, func(i, j int) bool {
			return m.matches[i].score > m.matches[j].score
		})
	}
	return changed
}

// Snapshot returns the current matched keys, best first. For an empty
// pattern this is insertion order.
func (m *Matcher) Snapshot() []string {
	keys := make([]string, len(m.matches))
	for i, mt := range m.matches {
		keys[i] = m.entries[mt.entryIdx].key
	}
	return keys
}

func (m *Matcher) resolveSensitive(pattern string) bool {
	switch m.caseMode {
	case keva.CaseSensitive:
		return true
	case keva.CaseInsensitive:
		return false
	default: // smart: sensitive only when the pattern carries an upper-case rune
		for _, r := range pattern {
			if unicode.IsUpper(r) {
				return true
			}
		}
		return false
	}
}

func (m *Matcher) scoreEntry(e entry) (int, bool) {
	if m.pattern == "" {
		return 0, true
	}
	if m.sensitive {
		return scoreSubsequence(e.normed, m.pattern)
	}
	return scoreSubsequence(e.folded, m.patternFolded)
}

// Scoring weights for the subsequence matcher. A match at the start of
// the key or right after a separator ranks above one buried mid-word, and
// consecutive runs rank above scattered ones.
const (
	bonusConsecutive = 8
	bonusBoundary    = 6
	bonusStart       = 10
	penaltyGap       = 1
)

// scoreSubsequence matches pattern as a subsequence of text, greedily
// left to right, and returns a relevance score. It returns ok=false when
// pattern is not a subsequence of text.
func scoreSubsequence(text, pattern string) (int, bool) {
	tr := []rune(text)
	pr := []rune(pattern)
	if len(pr) > len(tr) {
		return 0, false
	}

	score := 0
	ti := 0
	lastHit := -2
	for _, p := range pr {
		found := false
		for ; ti < len(tr); ti++ {
			if tr[ti] != p {
				continue
			}
			switch {
			case ti == 0:
				score += bonusStart
			case ti == lastHit+1:
				score += bonusConsecutive
			case isBoundary(tr[ti-1]):
				score += bonusBoundary
			}
			if lastHit >= 0 && ti > lastHit+1 {
				score -= (ti - lastHit - 1) * penaltyGap
			}
			lastHit = ti
			ti++
			found = true
			break
		}
		if !found {
			return 0, false
		}
	}

	// shorter keys win ties
	score -= (len(tr) - len(pr)) / 4
	return score, true
}

func isBoundary(r rune) bool {
	return r == '/' || r == '-' || r == '_' || r == '.' || unicode.IsSpace(r)
}
