package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testCharVectorizer = `{"analyzer":"char_wb","ngram_min":3,"ngram_max":3,"vocabulary":{"fre":0,"ree":1,"win":2},"idf":[1.5,1.5,2.0]}`
	testWordVectorizer = `{"analyzer":"word","ngram_min":1,"ngram_max":1,"vocabulary":{"free":0,"verify":1},"idf":[1.2,1.8]}`
	testPhishingModel  = `{"coef":[0.5,0.5,1.0,1.0,2.0],"intercept":-0.4}`
)

func writeArtifacts(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(content), 0o644))
	}
	return dir
}

func validArtifacts() map[string]string {
	return map[string]string{
		ArtifactCharVectorizer: testCharVectorizer,
		ArtifactWordVectorizer: testWordVectorizer,
		ArtifactPhishingModel:  testPhishingModel,
	}
}

func assertAllMock(t *testing.T, m *ModelSet) {
	t.Helper()
	require.NotNil(t, m)
	assert.Equal(t, VariantMock, m.Variant)
	assert.IsType(t, &MockExtractor{}, m.Char)
	assert.IsType(t, &MockExtractor{}, m.Word)
	assert.IsType(t, &HeuristicClassifier{}, m.Classifier)
	assert.NotEmpty(t, m.FallbackReason)
}

func TestLoadModelsReal(t *testing.T) {
	dir := writeArtifacts(t, validArtifacts())

	m := LoadModels(context.Background(), FileArtifactStore{Dir: dir}, NoContextSafe)
	require.NotNil(t, m)
	assert.Equal(t, VariantReal, m.Variant)
	assert.IsType(t, &TfidfVectorizer{}, m.Char)
	assert.IsType(t, &TfidfVectorizer{}, m.Word)
	assert.IsType(t, &LinearModel{}, m.Classifier)
	assert.Empty(t, m.FallbackReason)

	res, err := runModels(m, "Free prize, verify now")
	require.NoError(t, err)
	assert.Equal(t, SourceModel, res.Source)
	assert.Equal(t, VerdictPhishing, res.Verdict)
	assert.Nil(t, res.Score)

	res, err = runModels(m, "lunch at noon")
	require.NoError(t, err)
	assert.Equal(t, VerdictSafe, res.Verdict)
}

func TestLoadModelsFallsBackAllOrNothing(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(files map[string]string)
		reason string
	}{
		{
			name:   "classifier missing",
			mutate: func(f map[string]string) { delete(f, ArtifactPhishingModel) },
			reason: ArtifactPhishingModel,
		},
		{
			name:   "char vectorizer missing",
			mutate: func(f map[string]string) { delete(f, ArtifactCharVectorizer) },
			reason: ArtifactCharVectorizer,
		},
		{
			name:   "classifier corrupt",
			mutate: func(f map[string]string) { f[ArtifactPhishingModel] = "\x80\x04\x95 pickled bytes" },
			reason: "corrupt",
		},
		{
			name:   "feature width mismatch",
			mutate: func(f map[string]string) { f[ArtifactPhishingModel] = `{"coef":[1,2,3],"intercept":0}` },
			reason: "3 coefficients for 5 features",
		},
		{
			name:   "nothing stored",
			mutate: func(f map[string]string) { clear(f) },
			reason: "missing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := validArtifacts()
			tt.mutate(files)
			dir := writeArtifacts(t, files)

			m := LoadModels(context.Background(), FileArtifactStore{Dir: dir}, NoContextSafe)
			assertAllMock(t, m)
			assert.Contains(t, m.FallbackReason, tt.reason)
		})
	}
}

func TestFileArtifactStoreErrors(t *testing.T) {
	dir := writeArtifacts(t, map[string]string{ArtifactPhishingModel: "{broken"})
	store := FileArtifactStore{Dir: dir}

	_, err := store.Fetch(context.Background(), ArtifactCharVectorizer)
	assert.ErrorIs(t, err, ErrArtifactMissing)

	raw, err := store.Fetch(context.Background(), ArtifactPhishingModel)
	require.NoError(t, err)
	_, err = decodeLinearModel(ArtifactPhishingModel, raw)
	assert.ErrorIs(t, err, ErrArtifactCorrupt)
	assert.NotErrorIs(t, err, ErrArtifactMissing)
}

func TestRedisArtifactStore(t *testing.T) {
	mr := useRedis(t)
	store := RedisArtifactStore{Client: rdb, Prefix: DefaultArtifactPrefix}

	_, err := store.Fetch(context.Background(), ArtifactCharVectorizer)
	assert.ErrorIs(t, err, ErrArtifactMissing)

	for name, content := range validArtifacts() {
		require.NoError(t, mr.Set(DefaultArtifactPrefix+name, content))
	}

	m := LoadModels(context.Background(), store, NoContextSafe)
	assert.Equal(t, VariantReal, m.Variant)
	assert.Equal(t, "redis:"+DefaultArtifactPrefix, store.Describe())
}

func TestNewArtifactStore(t *testing.T) {
	t.Setenv("MODEL_DIR", "/srv/models")

	t.Setenv("ARTIFACT_SOURCE", "file")
	assert.Equal(t, FileArtifactStore{Dir: "/srv/models"}, newArtifactStore())

	t.Run("redis without client", func(t *testing.T) {
		orig := rdb
		rdb = nil
		defer func() { rdb = orig }()
		t.Setenv("ARTIFACT_SOURCE", "redis")
		assert.IsType(t, FileArtifactStore{}, newArtifactStore())
	})

	t.Run("redis", func(t *testing.T) {
		useRedis(t)
		t.Setenv("ARTIFACT_SOURCE", "redis")
		assert.IsType(t, RedisArtifactStore{}, newArtifactStore())
	})
}
