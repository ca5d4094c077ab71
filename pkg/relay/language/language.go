// Package language adapts prompts and replies to the caller's language and
// dialect, and keeps per-language counters for observability.
package language

import (
	"fmt"
	"math"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

const DefaultCode = "en-US"

type Formality string

const (
	FormalityNeutral Formality = "neutral"
	FormalityFormal  Formality = "formal"
)

// Rule rewrites whole words or phrases in replies, case-insensitively.
type Rule struct {
	Match   string `yaml:"match"`
	Replace string `yaml:"replace"`
}

type Profile struct {
	Code         string    `yaml:"code"`
	PromptPrefix string    `yaml:"prompt_prefix"`
	Formality    Formality `yaml:"formality"`
	Voice        string    `yaml:"voice"`
	// Adjustments are cultural substitutions applied to replies in order.
	Adjustments []Rule `yaml:"adjustments"`
}

type compiledRule struct {
	re      *regexp.Regexp
	replace string
}

type compiledProfile struct {
	Profile
	tag   language.Tag
	rules []compiledRule
}

type Stat struct {
	Processed  int64
	AvgLatency time.Duration
}

// ewmaWeight is the share of each new sample in the rolling latency average.
const ewmaWeight = 0.2

type Layer struct {
	mu       sync.RWMutex
	profiles map[string]*compiledProfile
	fallback string

	statsMu sync.Mutex
	stats   map[string]*Stat
}

// New builds a layer over profiles. The first profile for DefaultCode, or the
// first profile given, is the fallback for unmatched codes.
func New(profiles []Profile) (*Layer, error) {
	l := &Layer{
		profiles: make(map[string]*compiledProfile, len(profiles)),
		stats:    make(map[string]*Stat),
	}
	for _, p := range profiles {
		if err := l.add(p); err != nil {
			return nil, err
		}
	}
	if len(l.profiles) == 0 {
		return nil, fmt.Errorf("language: at least one profile is required")
	}
	if _, ok := l.profiles[DefaultCode]; ok {
		l.fallback = DefaultCode
	} else {
		l.fallback = canonical(profiles[0].Code)
	}
	return l, nil
}

// NewDefault returns a layer with the built-in profiles.
func NewDefault() *Layer {
	l, err := New(DefaultProfiles())
	if err != nil {
		panic(err)
	}
	return l
}

func (l *Layer) add(p Profile) error {
	tag, err := language.Parse(strings.TrimSpace(p.Code))
	if err != nil {
		return fmt.Errorf("language: invalid profile code %q: %w", p.Code, err)
	}
	if p.Formality == "" {
		p.Formality = FormalityNeutral
	}
	cp := &compiledProfile{Profile: p, tag: tag}
	cp.Code = tag.String()
	for _, r := range p.Adjustments {
		match := strings.TrimSpace(r.Match)
		if match == "" {
			return fmt.Errorf("language: %s has an adjustment with empty match", cp.Code)
		}
		re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(match))
		if err != nil {
			return fmt.Errorf("language: %s adjustment %q: %w", cp.Code, match, err)
		}
		cp.rules = append(cp.rules, compiledRule{re: re, replace: r.Replace})
	}
	l.mu.Lock()
	l.profiles[cp.Code] = cp
	l.mu.Unlock()
	return nil
}

// LoadFile merges profiles from a YAML file ({profiles: [...]}) over the
// current set. Profiles with a known code replace the existing one.
func (l *Layer) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read language profiles %q: %w", path, err)
	}
	var doc struct {
		Profiles []Profile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse language profiles %q: %w", path, err)
	}
	for _, p := range doc.Profiles {
		if err := l.add(p); err != nil {
			return err
		}
	}
	return nil
}

func canonical(code string) string {
	tag, err := language.Parse(strings.TrimSpace(code))
	if err != nil {
		return ""
	}
	return tag.String()
}

// Resolve returns the profile code serving code: the exact dialect if
// configured, otherwise the base language, otherwise the fallback.
func (l *Layer) Resolve(code string) string {
	return l.profile(code).Code
}

func (l *Layer) profile(code string) *compiledProfile {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tag, err := language.Parse(strings.TrimSpace(code))
	if err == nil {
		if p, ok := l.profiles[tag.String()]; ok {
			return p
		}
		base, _ := tag.Base()
		if p, ok := l.profiles[base.String()]; ok {
			return p
		}
		// Any configured dialect of the same base language.
		var sameBase []string
		for k, p := range l.profiles {
			if pb, _ := p.tag.Base(); pb == base {
				sameBase = append(sameBase, k)
			}
		}
		if len(sameBase) > 0 {
			sort.Strings(sameBase)
			return l.profiles[sameBase[0]]
		}
	}
	return l.profiles[l.fallback]
}

// OptimizePrompt injects the language context ahead of the caller text.
func (l *Layer) OptimizePrompt(text, code string) string {
	p := l.profile(code)
	var b strings.Builder
	if p.PromptPrefix != "" {
		b.WriteString(p.PromptPrefix)
		b.WriteString(" ")
	}
	if p.Formality == FormalityFormal {
		b.WriteString("Use a formal register with the caller. ")
	}
	if b.Len() == 0 {
		return text
	}
	b.WriteString("\n\nCaller: ")
	b.WriteString(strings.TrimSpace(text))
	return b.String()
}

// OptimizeResponse applies the dialect's cultural adjustments to a reply.
func (l *Layer) OptimizeResponse(text, code string) string {
	p := l.profile(code)
	out := text
	for _, r := range p.rules {
		out = r.apply(out)
	}
	return out
}

// apply replaces occurrences of the rule that stand as whole words.
func (r compiledRule) apply(s string) string {
	matches := r.re.FindAllStringIndex(s, -1)
	if matches == nil {
		return s
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if !wordBoundary(s, start, end) {
			continue
		}
		b.WriteString(s[last:start])
		b.WriteString(matchCase(s[start:end], r.replace))
		last = end
	}
	if last == 0 {
		return s
	}
	b.WriteString(s[last:])
	return b.String()
}

func wordBoundary(s string, start, end int) bool {
	if start > 0 {
		prev, _ := utf8.DecodeLastRuneInString(s[:start])
		first, _ := utf8.DecodeRuneInString(s[start:])
		if isWordRune(prev) && isWordRune(first) {
			return false
		}
	}
	if end < len(s) {
		next, _ := utf8.DecodeRuneInString(s[end:])
		lastRune, _ := utf8.DecodeLastRuneInString(s[:end])
		if isWordRune(next) && isWordRune(lastRune) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r)
}

// matchCase carries a leading capital from the matched text onto repl.
func matchCase(matched, repl string) string {
	if matched == "" || repl == "" {
		return repl
	}
	first := []rune(matched)[0]
	if strings.ToUpper(string(first)) == string(first) && strings.ToLower(string(first)) != string(first) {
		r := []rune(repl)
		r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		return string(r)
	}
	return repl
}

// Voice returns the TTS voice configured for code.
func (l *Layer) Voice(code string) string {
	return l.profile(code).Voice
}

// Observe records one processed turn for the profile serving code.
func (l *Layer) Observe(code string, latency time.Duration) {
	key := l.Resolve(code)
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	st, ok := l.stats[key]
	if !ok {
		st = &Stat{}
		l.stats[key] = st
	}
	st.Processed++
	if st.Processed == 1 {
		st.AvgLatency = latency
		return
	}
	st.AvgLatency = time.Duration(math.Round(ewmaWeight*float64(latency) + (1-ewmaWeight)*float64(st.AvgLatency)))
}

func (l *Layer) Stats() map[string]Stat {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	out := make(map[string]Stat, len(l.stats))
	for k, v := range l.stats {
		out[k] = *v
	}
	return out
}
