package main

import (
	"math/rand"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Indicator lists. Terms are matched as substrings of the lower-cased text and
// each distinct term counts once per list.
var (
	phishingKeywords = []string{
		"urgent", "verify", "suspended", "account", "security", "login",
		"click here", "verify account", "suspended account", "security alert",
		"bank", "paypal", "amazon", "microsoft", "google", "facebook",
		"password", "username", "credentials", "expired", "locked",
		"free", "win", "winner", "congratulations", "claim", "offer",
		"limited time", "act now", "don't miss", "exclusive",
	}

	suspiciousDomainFragments = []string{
		"secure-", "verify-", "account-", "login-", "bank-",
		"paypal-", "amazon-", "microsoft-", "google-", "facebook-",
	}

	urgencyTerms = []string{"urgent", "immediately", "asap", "expires", "limited time", "act now"}

	financialTerms = []string{"pay", "payment", "money", "cash", "dollar", "euro", "pound", "fee", "cost"}

	paymentTerms = []string{"pay", "payment", "cost", "fee"}

	suspiciousLinkFragments = []string{"secure-", "verify-", "account-"}
)

// Indicator weights
const (
	weightKeyword          = 1
	weightDomainFragment   = 2
	weightUrgency          = 1
	weightFinancial        = 1
	bonusContradiction     = 3
	bonusSuspiciousLink    = 2
	bonusPunctuation       = 1
	bonusShouting          = 1
	maxPunctuationMarks    = 2
	shoutingRatio          = 0.5
	PhishingScoreThreshold = 3
)

// NoContextPolicy decides the verdict of a feature row that arrives without its text
type NoContextPolicy int

const (
	// NoContextSafe answers Safe for rows without text
	NoContextSafe NoContextPolicy = iota
	// NoContextRandom flips a fair coin, like the original mock model did
	NoContextRandom
)

func parseNoContextPolicy(s string) NoContextPolicy {
	if strings.EqualFold(strings.TrimSpace(s), "random") {
		return NoContextRandom
	}
	return NoContextSafe
}

func (p NoContextPolicy) String() string {
	if p == NoContextRandom {
		return "random"
	}
	return "safe"
}

// ScoreBreakdown holds the per-category contributions of one classification
type ScoreBreakdown struct {
	Keywords        int
	DomainFragments int
	Urgency         int
	Financial       int
	Contradiction   int
	SuspiciousLink  int
	Punctuation     int
	Shouting        int
	Signals         []string
}

func (b ScoreBreakdown) Total() int {
	return b.Keywords + b.DomainFragments + b.Urgency + b.Financial +
		b.Contradiction + b.SuspiciousLink + b.Punctuation + b.Shouting
}

func (b ScoreBreakdown) Verdict() Verdict {
	if b.Total() >= PhishingScoreThreshold {
		return VerdictPhishing
	}
	return VerdictSafe
}

// HeuristicClassifier is the stand-in classifier used when the trained model
// cannot be loaded. It scores the raw text and ignores the feature matrix.
type HeuristicClassifier struct {
	NoContext NoContextPolicy
	coinFlip  func() bool
}

func NewHeuristicClassifier(policy NoContextPolicy) *HeuristicClassifier {
	return &HeuristicClassifier{
		NoContext: policy,
		coinFlip:  func() bool { return rand.Intn(2) == 1 },
	}
}

func (h *HeuristicClassifier) Name() string { return "Mock Phishing Model" }

// Score runs every indicator check over text
func (h *HeuristicClassifier) Score(text string) ScoreBreakdown {
	var b ScoreBreakdown
	lower := strings.ToLower(text)

	hits := func(terms []string, category string, weight int) int {
		total := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				total += weight
				b.Signals = append(b.Signals, category+":"+term)
			}
		}
		return total
	}

	b.Keywords = hits(phishingKeywords, "keyword", weightKeyword)
	b.DomainFragments = hits(suspiciousDomainFragments, "domain", weightDomainFragment)
	b.Urgency = hits(urgencyTerms, "urgency", weightUrgency)
	b.Financial = hits(financialTerms, "financial", weightFinancial)

	if strings.Contains(lower, "free") && containsAny(lower, paymentTerms) {
		b.Contradiction = bonusContradiction
		b.Signals = append(b.Signals, "contradiction:free+payment")
	}

	if strings.Contains(lower, "http") && containsAny(lower, suspiciousLinkFragments) {
		b.SuspiciousLink = bonusSuspiciousLink
		b.Signals = append(b.Signals, "link:suspicious")
	}

	// Punctuation and shouting look at the original casing
	if strings.Count(text, "!") > maxPunctuationMarks || strings.Count(text, "?") > maxPunctuationMarks {
		b.Punctuation = bonusPunctuation
		b.Signals = append(b.Signals, "punctuation:excessive")
	}

	if upperFraction(text) > shoutingRatio {
		b.Shouting = bonusShouting
		b.Signals = append(b.Signals, "shouting:caps")
	}

	return b
}

// Classify is deterministic for a given text
func (h *HeuristicClassifier) Classify(text string) Verdict {
	return h.Score(text).Verdict()
}

// Predict returns one verdict per feature row. texts[i] is the text behind row i;
// rows past the end of texts have no context and follow the NoContext policy.
func (h *HeuristicClassifier) Predict(x FeatureMatrix, texts []string) []Verdict {
	out := make([]Verdict, x.NumRows())
	for i := range out {
		if i < len(texts) {
			out[i] = h.Classify(texts[i])
			continue
		}
		out[i] = h.noContextVerdict()
	}
	return out
}

func (h *HeuristicClassifier) noContextVerdict() Verdict {
	if h.NoContext == NoContextRandom && h.coinFlip != nil && h.coinFlip() {
		return VerdictPhishing
	}
	return VerdictSafe
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// upperFraction is the share of upper-case letters among all characters
func upperFraction(s string) float64 {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	upper := 0
	for _, r := range s {
		if unicode.IsUpper(r) {
			upper++
		}
	}
	return float64(upper) / float64(n)
}
