package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

// Stored artifact names, loaded in this order
const (
	ArtifactCharVectorizer = "char_vectorizer"
	ArtifactWordVectorizer = "word_vectorizer"
	ArtifactPhishingModel  = "phishing_model"
)

var (
	ErrArtifactMissing  = errors.New("artifact missing")
	ErrArtifactCorrupt  = errors.New("artifact corrupt")
	ErrModelsNotLoaded  = errors.New("models not loaded")
	ErrPredictionFailed = errors.New("prediction failed")
)

// Classifier turns a feature matrix into one verdict per row. texts carries the
// text behind each row for classifiers that look at content.
type Classifier interface {
	Name() string
	Predict(x FeatureMatrix, texts []string) []Verdict
}

// ModelSet is the extractor pair and classifier used for every request.
// It is built once at startup and never mutated afterwards.
type ModelSet struct {
	Char           Extractor
	Word           Extractor
	Classifier     Classifier
	Variant        ArtifactVariant
	FallbackReason string
	LoadedAt       time.Time
}

// ArtifactStore reads serialized artifacts by name
type ArtifactStore interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
	Describe() string
}

// FileArtifactStore reads <Dir>/<name>.json
type FileArtifactStore struct {
	Dir string
}

func (s FileArtifactStore) Fetch(_ context.Context, name string) ([]byte, error) {
	path := filepath.Join(s.Dir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrArtifactMissing)
		}
		return nil, err
	}
	return data, nil
}

func (s FileArtifactStore) Describe() string { return "dir:" + s.Dir }

// RedisArtifactStore reads artifacts stored as plain string values under <Prefix><name>
type RedisArtifactStore struct {
	Client *redis.Client
	Prefix string
}

func (s RedisArtifactStore) Fetch(ctx context.Context, name string) ([]byte, error) {
	key := s.Prefix + name
	data, err := s.Client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%s: %w", key, ErrArtifactMissing)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s RedisArtifactStore) Describe() string { return "redis:" + s.Prefix }

// LoadModels loads the stored artifacts. If any one of them fails, every role
// is bound to its mock variant; a partially loaded set is never returned.
func LoadModels(ctx context.Context, store ArtifactStore, policy NoContextPolicy) *ModelSet {
	set, err := loadRealModels(ctx, store)
	if err == nil {
		log.Printf("[PhishGuardian] All models loaded successfully from %s", store.Describe())
		promModelVariant.WithLabelValues(VariantReal.String()).Set(1)
		promModelVariant.WithLabelValues(VariantMock.String()).Set(0)
		return set
	}

	log.Warnf("[PhishGuardian] Could not load real models: %v", err)
	log.Printf("[PhishGuardian] Using mock models (no-context policy: %s)", policy)
	promArtifactFallbacks.Inc()
	promModelVariant.WithLabelValues(VariantReal.String()).Set(0)
	promModelVariant.WithLabelValues(VariantMock.String()).Set(1)
	return NewMockModelSet(policy, err.Error())
}

// NewMockModelSet binds every role to its stand-in
func NewMockModelSet(policy NoContextPolicy, reason string) *ModelSet {
	return &ModelSet{
		Char:           NewMockExtractor("Mock Char Vectorizer"),
		Word:           NewMockExtractor("Mock Word Vectorizer"),
		Classifier:     NewHeuristicClassifier(policy),
		Variant:        VariantMock,
		FallbackReason: reason,
		LoadedAt:       time.Now(),
	}
}

func loadRealModels(ctx context.Context, store ArtifactStore) (*ModelSet, error) {
	log.Printf("[PhishGuardian] Loading %s...", ArtifactCharVectorizer)
	raw, err := store.Fetch(ctx, ArtifactCharVectorizer)
	if err != nil {
		return nil, err
	}
	char, err := decodeVectorizer(ArtifactCharVectorizer, raw)
	if err != nil {
		return nil, err
	}
	log.Printf("[PhishGuardian] %s loaded (%d features)", ArtifactCharVectorizer, char.Width())

	log.Printf("[PhishGuardian] Loading %s...", ArtifactWordVectorizer)
	raw, err = store.Fetch(ctx, ArtifactWordVectorizer)
	if err != nil {
		return nil, err
	}
	word, err := decodeVectorizer(ArtifactWordVectorizer, raw)
	if err != nil {
		return nil, err
	}
	log.Printf("[PhishGuardian] %s loaded (%d features)", ArtifactWordVectorizer, word.Width())

	log.Printf("[PhishGuardian] Loading %s...", ArtifactPhishingModel)
	raw, err = store.Fetch(ctx, ArtifactPhishingModel)
	if err != nil {
		return nil, err
	}
	model, err := decodeLinearModel(ArtifactPhishingModel, raw)
	if err != nil {
		return nil, err
	}
	if want := char.Width() + word.Width(); len(model.Coef) != want {
		return nil, fmt.Errorf("%s: %w: %d coefficients for %d features", ArtifactPhishingModel, ErrArtifactCorrupt, len(model.Coef), want)
	}
	log.Printf("[PhishGuardian] %s loaded", ArtifactPhishingModel)

	return &ModelSet{
		Char:       char,
		Word:       word,
		Classifier: model,
		Variant:    VariantReal,
		LoadedAt:   time.Now(),
	}, nil
}

// newArtifactStore picks the store from ARTIFACT_SOURCE. The Redis store needs a live client.
func newArtifactStore() ArtifactStore {
	if getEnv("ARTIFACT_SOURCE", "file") == "redis" {
		if rdb != nil {
			return RedisArtifactStore{Client: rdb, Prefix: getEnv("ARTIFACT_KEY_PREFIX", DefaultArtifactPrefix)}
		}
		log.Warn("[PhishGuardian] ARTIFACT_SOURCE=redis but Redis is unavailable, reading from MODEL_DIR")
	}
	return FileArtifactStore{Dir: getEnv("MODEL_DIR", ".")}
}
