package main

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/glaslos/tlsh"
	"github.com/go-redis/redis/v8"
	"github.com/jhillyerd/enmime"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrNotFingerprintable is returned for texts TLSH cannot hash (too short or too uniform)
var ErrNotFingerprintable = errors.New("text cannot be fingerprinted")

var (
	predictGroup singleflight.Group

	reHex8     = regexp.MustCompile(`[0-9a-fA-F]{8,}`)
	reDigit6   = regexp.MustCompile(`\d{6,}`)
	reTrackers = regexp.MustCompile(`(?i)([?&])(utm_[^=&]+|gclid|fbclid|mc_eid|mc_cid)=[^&\s"'>]+`)
	reSpaces   = regexp.MustCompile(`[ \t]+`)
	reNewlines = regexp.MustCompile(`\r?\n{2,}`)
)

// runModels extracts features for a single text and asks the classifier for its
// verdict. The text is passed alongside the features so the heuristic
// classifier never depends on shared state.
func runModels(m *ModelSet, text string) (res PredictionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPredictionFailed, r)
		}
	}()

	texts := []string{text}
	combined, err := HStack(m.Char.Transform(texts), m.Word.Transform(texts))
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrPredictionFailed, err)
	}

	verdicts := m.Classifier.Predict(combined, texts)
	if len(verdicts) != 1 {
		return res, fmt.Errorf("%w: classifier returned %d verdicts for 1 row", ErrPredictionFailed, len(verdicts))
	}

	res = PredictionResult{Verdict: verdicts[0], Label: verdicts[0].String(), Source: SourceModel}
	if h, ok := m.Classifier.(*HeuristicClassifier); ok {
		breakdown := h.Score(text)
		score := breakdown.Total()
		res.Source = SourceHeuristic
		res.Score = &score
		res.Signals = breakdown.Signals
	}
	return res, nil
}

// predictText is the full per-request pipeline: local learning, verdict cache, models
func predictText(ctx context.Context, m *ModelSet, text string) (PredictionResult, error) {
	if m == nil {
		return PredictionResult{}, ErrModelsNotLoaded
	}
	atomic.AddInt64(&predictCount, 1)

	if rdb != nil {
		if res, ok := lookupLocalLearning(ctx, text); ok {
			recordPrediction(res)
			return res, nil
		}
	}

	textHash := sha1Hex(text)
	cacheKey := VerdictCachePrefix + m.Variant.String() + ":" + textHash
	if rdb != nil {
		if cached, err := rdb.Get(ctx, cacheKey).Result(); err == nil {
			var res PredictionResult
			if json.Unmarshal([]byte(cached), &res) == nil && res.Label != "" {
				res.Verdict = verdictFromLabel(res.Label)
				res.Source = SourceCache
				atomic.AddInt64(&cacheHitCount, 1)
				promCacheHits.WithLabelValues("hit").Inc()
				recordPrediction(res)
				return res, nil
			}
		} else if err == redis.Nil {
			promCacheHits.WithLabelValues("miss").Inc()
		}
	}

	v, err, _ := predictGroup.Do(cacheKey, func() (interface{}, error) {
		return runModels(m, text)
	})
	if err != nil {
		atomic.AddInt64(&predictFailedCount, 1)
		promPredictFailures.Inc()
		return PredictionResult{}, err
	}
	res := v.(PredictionResult)

	if rdb != nil && verdictCacheTTL > 0 {
		if data, err := json.Marshal(res); err == nil {
			opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			rdb.Set(opCtx, cacheKey, data, verdictCacheTTL)
			cancel()
		}
	}

	recordPrediction(res)
	return res, nil
}

func recordPrediction(res PredictionResult) {
	if res.Verdict == VerdictPhishing {
		atomic.AddInt64(&phishingCount, 1)
	}
	promPredictions.WithLabelValues(res.Label, res.Source).Inc()
}

func verdictFromLabel(label string) Verdict {
	if label == VerdictPhishing.String() {
		return VerdictPhishing
	}
	return VerdictSafe
}

func sha1Hex(s string) string {
	hasher := sha1.New()
	hasher.Write([]byte(s))
	return hex.EncodeToString(hasher.Sum(nil))
}

// forgetVerdict drops cached verdicts for text under every variant
func forgetVerdict(ctx context.Context, text string) {
	textHash := sha1Hex(text)
	rdb.Del(ctx,
		VerdictCachePrefix+VariantReal.String()+":"+textHash,
		VerdictCachePrefix+VariantMock.String()+":"+textHash,
	)
}

// --- MIME input ---

// extractMessageText reads a raw RFC 822 message and returns the text to classify
func extractMessageText(raw []byte) (text, messageID, subject string, err error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return "", "", "", err
	}
	messageID = env.GetHeader("Message-ID")
	subject = env.GetHeader("Subject")

	// enmime already renders HTML-only messages into env.Text
	body := strings.TrimSpace(env.Text)
	text = strings.TrimSpace(subject + "\n\n" + body)
	return text, messageID, subject, nil
}

// --- Internal TLSH logic ---

func computeLocalTLSH(content string) (string, error) {
	goHashStruct, err := tlsh.HashBytes([]byte(content))
	if err != nil {
		return "", err
	}
	// "T1" prefix + Uppercase
	return "T1" + strings.ToUpper(goHashStruct.String()), nil
}

// computeDistance computes the distance between two hashes locally
func computeDistance(d1, d2 string) (int, error) {
	// Strip T1 prefix if present, as ParseStringToTlsh expects raw hex
	t1, err := tlsh.ParseStringToTlsh(strings.TrimPrefix(d1, "T1"))
	if err != nil {
		return 0, err
	}
	t2, err := tlsh.ParseStringToTlsh(strings.TrimPrefix(d2, "T1"))
	if err != nil {
		return 0, err
	}
	return t1.Diff(t2), nil
}

// computeDistanceBatch computes the distance from ref to every digest; invalid digests are skipped
func computeDistanceBatch(ref string, digests []string) (map[string]int, error) {
	tRef, err := tlsh.ParseStringToTlsh(strings.TrimPrefix(ref, "T1"))
	if err != nil {
		return nil, err
	}

	results := make(map[string]int, len(digests))
	for _, digest := range digests {
		t, err := tlsh.ParseStringToTlsh(strings.TrimPrefix(digest, "T1"))
		if err != nil {
			continue
		}
		results[digest] = tRef.Diff(t)
	}
	return results, nil
}

// normalizeMessageBody strips volatile tokens so near-identical campaigns fingerprint alike
func normalizeMessageBody(text string) string {
	body := strings.TrimSpace(text)
	body = reHex8.ReplaceAllString(body, "****")
	body = reDigit6.ReplaceAllString(body, "****")
	body = reTrackers.ReplaceAllString(body, "$1")
	body = strings.ToLower(body)
	body = reSpaces.ReplaceAllString(body, " ")
	body = reNewlines.ReplaceAllString(body, "\n\n")
	return body
}

func fingerprint(text string) (string, error) {
	sig, err := computeLocalTLSH(normalizeMessageBody(text))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFingerprintable, err)
	}
	return sig, nil
}

func extractBands_6_3(sig string) []string {
	const (
		headerLen = 8
		bodyLen   = 64
		window    = 6
		stride    = 3
	)
	if len(sig) < headerLen+bodyLen {
		return []string{}
	}
	core := sig[headerLen : headerLen+bodyLen]
	bands := make([]string, 0, 20)
	idx := 1
	for pos := 0; pos+window <= bodyLen; pos += stride {
		band := core[pos : pos+window]
		bands = append(bands, fmt.Sprintf("%d:%s", idx, band))
		idx++
	}
	return bands
}

// --- Local learning ---

// findLocalCandidates returns the learned hashes sharing at least MinSharedBands bands with sig
func findLocalCandidates(ctx context.Context, sig string) ([]string, []string, error) {
	bands := extractBands_6_3(sig)

	pipe := rdb.Pipeline()
	existsCmds := make(map[string]*redis.IntCmd, len(bands))
	for _, b := range bands {
		key := LocalFragPrefix + b
		existsCmds[key] = pipe.Exists(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, err
	}

	matchingKeys := []string{}
	for key, cmd := range existsCmds {
		if cmd.Val() > 0 {
			matchingKeys = append(matchingKeys, key)
		}
	}
	if len(matchingKeys) < MinSharedBands {
		return nil, matchingKeys, nil
	}

	pipe = rdb.Pipeline()
	memberCmds := make([]*redis.StringSliceCmd, 0, len(matchingKeys))
	for _, key := range matchingKeys {
		memberCmds = append(memberCmds, pipe.SMembers(ctx, key))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, err
	}

	seen := make(map[string]struct{})
	var hashes []string
	for _, cmd := range memberCmds {
		for _, h := range cmd.Val() {
			if _, ok := seen[h]; !ok {
				seen[h] = struct{}{}
				hashes = append(hashes, h)
			}
		}
	}
	return hashes, matchingKeys, nil
}

// bestLocalMatch returns the closest learned hash and its distance
func bestLocalMatch(ctx context.Context, sig string) (string, int, []string) {
	candidates, keys, err := findLocalCandidates(ctx, sig)
	if err != nil {
		log.Printf("[PhishGuardian] Local learning lookup failed: %v", err)
		return "", -1, nil
	}
	if len(candidates) == 0 {
		return "", -1, keys
	}
	distances, err := computeDistanceBatch(sig, candidates)
	if err != nil {
		return "", -1, keys
	}
	best, bestDist := "", -1
	for h, d := range distances {
		if bestDist < 0 || d < bestDist {
			best, bestDist = h, d
		}
	}
	return best, bestDist, keys
}

// lookupLocalLearning flags text as phishing when it is a near-duplicate of
// a reported phishing text that still has a positive score
func lookupLocalLearning(ctx context.Context, text string) (PredictionResult, bool) {
	sig, err := fingerprint(text)
	if err != nil {
		return PredictionResult{}, false // too short or too uniform to fingerprint
	}

	match, dist, keys := bestLocalMatch(ctx, sig)
	if match == "" || dist > localMatchDistance {
		return PredictionResult{}, false
	}

	score, _ := rdb.Get(ctx, LocalScorePrefix+match).Int64()
	if score <= 0 {
		return PredictionResult{}, false
	}

	pipe := rdb.Pipeline()
	for _, key := range keys {
		pipe.Expire(ctx, key, localRetentionDuration)
	}
	pipe.Exec(ctx)

	log.WithFields(log.Fields{"match": match, "distance": dist, "score": score}).Info("[PhishGuardian] Local phishing match")
	atomic.AddInt64(&localMatchCount, 1)
	promLocalMatch.Inc()
	return PredictionResult{
		Verdict:  VerdictPhishing,
		Label:    VerdictPhishing.String(),
		Source:   SourceLocalLearning,
		Distance: dist,
	}, true
}

// learnReport applies a user report to the local learning store and returns the
// affected hash, its new score and whether an existing entry was matched
func learnReport(ctx context.Context, text, reportType string) (string, int64, bool, error) {
	sig, err := fingerprint(text)
	if err != nil {
		return "", 0, false, err
	}

	match, dist, _ := bestLocalMatch(ctx, sig)
	known := match != "" && dist <= localMatchDistance
	target := sig
	if known {
		target = match
	}
	scoreKey := LocalScorePrefix + target

	switch reportType {
	case ReportPhishing:
		newScore, err := rdb.IncrBy(ctx, scoreKey, phishingWeight).Result()
		if err != nil {
			return "", 0, known, err
		}
		pipe := rdb.Pipeline()
		for _, band := range extractBands_6_3(target) {
			key := LocalFragPrefix + band
			pipe.SAdd(ctx, key, target)
			pipe.Expire(ctx, key, localRetentionDuration)
		}
		pipe.Expire(ctx, scoreKey, localRetentionDuration)
		if _, err := pipe.Exec(ctx); err != nil {
			return "", 0, known, err
		}
		log.Printf("[PhishGuardian] Learned phishing hash: %s (Score: %d)", target, newScore)
		return target, newScore, known, nil

	case ReportSafe:
		if !known {
			return sig, 0, false, nil
		}
		newScore, err := rdb.DecrBy(ctx, scoreKey, safeWeight).Result()
		if err != nil {
			return "", 0, known, err
		}
		// Keep it alive even if negative
		rdb.Expire(ctx, scoreKey, localRetentionDuration)
		log.Printf("[PhishGuardian] Safe report for hash: %s (Score: %d)", target, newScore)
		return target, newScore, true, nil
	}
	return "", 0, false, fmt.Errorf("unknown report type %q", reportType)
}
