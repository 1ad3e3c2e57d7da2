package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"

	"github.com/fyrsmithlabs/arbiter/internal/config"
)

// Finding describes one redacted secret. It never carries the value.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
	Length      int    `json:"length"`
}

// Audit summarizes one Redact call.
type Audit struct {
	Findings []Finding      `json:"findings"`
	ByRule   map[string]int `json:"by_rule"`
	Duration time.Duration  `json:"duration_ns"`
}

// Total returns the number of findings.
func (a Audit) Total() int { return len(a.Findings) }

// Redactor replaces detected secrets with [REDACTED:rule-id] markers.
// A disabled Redactor returns text unchanged.
type Redactor struct {
	enabled bool
	cfg     gitleaksConfig.Config
}

// NewRedactor builds a Redactor from the default Gitleaks rules plus the
// configured allowlist.
func NewRedactor(settings config.SecretsConfig) (*Redactor, error) {
	if !settings.Enabled {
		return &Redactor{}, nil
	}

	allowlist, err := LoadAllowlist(settings.AllowlistFile)
	if err != nil {
		return nil, fmt.Errorf("loading allowlist: %w", err)
	}

	base, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}

	cfg := base.Config
	if !allowlist.Empty() {
		applyAllowlist(&cfg, allowlist)
	}
	return &Redactor{enabled: true, cfg: cfg}, nil
}

// Enabled reports whether redaction is active.
func (r *Redactor) Enabled() bool { return r != nil && r.enabled }

// Redact returns text with every detected secret replaced.
func (r *Redactor) Redact(text string) (string, Audit) {
	start := time.Now()
	audit := Audit{ByRule: map[string]int{}}
	if !r.Enabled() || text == "" {
		return text, audit
	}

	// Detectors accumulate state, so each call gets its own.
	detector := detect.NewDetector(r.cfg)
	found := detector.DetectString(text)

	type span struct {
		secret string
		ruleID string
	}
	spans := make([]span, 0, len(found))
	for _, f := range found {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret == "" {
			continue
		}
		spans = append(spans, span{secret: secret, ruleID: f.RuleID})
		audit.Findings = append(audit.Findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
			Length:      len(secret),
		})
		audit.ByRule[f.RuleID]++
	}

	// Longest first so a secret that contains another is replaced whole.
	sort.SliceStable(spans, func(i, j int) bool { return len(spans[i].secret) > len(spans[j].secret) })
	for _, s := range spans {
		text = strings.ReplaceAll(text, s.secret, "[REDACTED:"+s.ruleID+"]")
	}

	audit.Duration = time.Since(start)
	return text, audit
}

// applyAllowlist appends the allowlist as a global Gitleaks allowlist.
// Patterns were validated by LoadAllowlist.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) {
	global := &gitleaksConfig.Allowlist{
		Description: "arbiter allowlist",
		StopWords:   append([]string(nil), allowlist.StopWords...),
	}
	for _, pattern := range allowlist.Regexes {
		re := regexp.MustCompile(pattern)
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
}
