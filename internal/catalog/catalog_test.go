package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/voxforge/internal/apperr"
)

type MockLister struct {
	mock.Mock
}

func (m *MockLister) ListModels(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if ids, ok := args.Get(0).([]string); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}

var defaultMarkers = []string{"your_tts", "xtts", "multi-dataset"}

var sampleIDs = []string{
	"tts_models/multilingual/multi-dataset/xtts_v2",
	"tts_models/en/ljspeech/vits",
	"vocoder_models/en/ljspeech/hifigan_v2",
	"tts_models/multilingual/multi-dataset/your_tts",
	"tts_models/en/vctk/vits",
	"tts_models/multilingual/multi-dataset/bark",
	"tts_models/en/ljspeech/vits",
}

func ids(ds []Descriptor) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.ID)
	}
	return out
}

func TestClassify(t *testing.T) {
	tests := []struct {
		id   string
		want Category
	}{
		{"tts_models/multilingual/multi-dataset/xtts_v2", CategoryVoiceCloning},
		{"tts_models/multilingual/multi-dataset/your_tts", CategoryVoiceCloning},
		{"tts_models/multilingual/multi-dataset/bark", CategoryVoiceCloning},
		{"tts_models/en/ljspeech/vits", CategorySingleSpeaker},
		{"tts_models/de/thorsten/tacotron2-DDC", CategorySingleSpeaker},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.id, defaultMarkers))
		})
	}

	assert.Equal(t, CategorySingleSpeaker, Classify("tts_models/en/x/y", []string{""}))
}

func TestPartition(t *testing.T) {
	listing := Partition(sampleIDs, "tts_models/", defaultMarkers)

	assert.Equal(t, []string{
		"tts_models/en/ljspeech/vits",
		"tts_models/en/vctk/vits",
	}, ids(listing.SingleSpeaker))
	assert.Equal(t, []string{
		"tts_models/multilingual/multi-dataset/bark",
		"tts_models/multilingual/multi-dataset/xtts_v2",
		"tts_models/multilingual/multi-dataset/your_tts",
	}, ids(listing.VoiceCloning))
}

func TestPartition_Exclusive(t *testing.T) {
	listing := Partition(sampleIDs, "tts_models/", defaultMarkers)

	single := make(map[string]bool)
	for _, d := range listing.SingleSpeaker {
		single[d.ID] = true
	}
	for _, d := range listing.VoiceCloning {
		assert.False(t, single[d.ID], "%s listed in both groups", d.ID)
	}
}

func TestCatalog_ListCaches(t *testing.T) {
	lister := new(MockLister)
	lister.On("ListModels", mock.Anything).Return(sampleIDs, nil).Once()

	c := New(lister, "tts_models/", defaultMarkers)

	first, err := c.List(context.Background())
	require.NoError(t, err)
	second, err := c.List(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.False(t, first.FetchedAt.IsZero())
	lister.AssertNumberOfCalls(t, "ListModels", 1)
}

func TestCatalog_Refresh(t *testing.T) {
	lister := new(MockLister)
	lister.On("ListModels", mock.Anything).Return([]string{"tts_models/en/ljspeech/vits"}, nil).Once()
	lister.On("ListModels", mock.Anything).Return(sampleIDs, nil).Once()

	c := New(lister, "tts_models/", defaultMarkers)

	first, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, first.SingleSpeaker, 1)

	refreshed, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, refreshed.SingleSpeaker, 2)
	assert.Len(t, refreshed.VoiceCloning, 3)

	lister.AssertExpectations(t)
}

func TestCatalog_FailureDegradesAndIsNotCached(t *testing.T) {
	lister := new(MockLister)
	lister.On("ListModels", mock.Anything).Return(nil, errors.New("no module named TTS")).Once()
	lister.On("ListModels", mock.Anything).Return(sampleIDs, nil).Once()

	var outcomes []error
	c := New(lister, "tts_models/", defaultMarkers)
	c.OnFetch(func(err error) { outcomes = append(outcomes, err) })

	listing, err := c.List(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindCatalog))
	assert.NotNil(t, listing.SingleSpeaker)
	assert.NotNil(t, listing.VoiceCloning)
	assert.True(t, listing.Empty())

	listing, err = c.List(context.Background())
	require.NoError(t, err)
	assert.False(t, listing.Empty())

	require.Len(t, outcomes, 2)
	assert.Error(t, outcomes[0])
	assert.NoError(t, outcomes[1])
}

func TestCatalog_SetRules(t *testing.T) {
	lister := new(MockLister)
	lister.On("ListModels", mock.Anything).Return(sampleIDs, nil).Twice()

	c := New(lister, "tts_models/", defaultMarkers)

	_, err := c.List(context.Background())
	require.NoError(t, err)

	// Unchanged rules keep the cache.
	c.SetRules("tts_models/", defaultMarkers)
	_, err = c.List(context.Background())
	require.NoError(t, err)
	lister.AssertNumberOfCalls(t, "ListModels", 1)

	c.SetRules("tts_models/", []string{"xtts"})
	listing, err := c.List(context.Background())
	require.NoError(t, err)
	lister.AssertNumberOfCalls(t, "ListModels", 2)

	assert.Equal(t, []string{"tts_models/multilingual/multi-dataset/xtts_v2"}, ids(listing.VoiceCloning))
	d, err := c.Lookup(context.Background(), "tts_models/multilingual/multi-dataset/your_tts")
	require.NoError(t, err)
	assert.Equal(t, CategorySingleSpeaker, d.Category)
}

func TestCatalog_Lookup(t *testing.T) {
	lister := new(MockLister)
	lister.On("ListModels", mock.Anything).Return(sampleIDs, nil).Once()

	c := New(lister, "tts_models/", defaultMarkers)

	d, err := c.Lookup(context.Background(), "tts_models/en/vctk/vits")
	require.NoError(t, err)
	assert.Equal(t, CategorySingleSpeaker, d.Category)

	for _, id := range []string{"vocoder_models/en/ljspeech/hifigan_v2", "tts_models/en/made/up"} {
		_, err = c.Lookup(context.Background(), id)
		assert.True(t, apperr.Is(err, apperr.KindNotFound), id)
	}

	lister.AssertNumberOfCalls(t, "ListModels", 1)
}

func TestCatalog_LookupWhileUnavailable(t *testing.T) {
	lister := new(MockLister)
	lister.On("ListModels", mock.Anything).Return(nil, errors.New("no module named TTS"))

	c := New(lister, "tts_models/", defaultMarkers)

	d, err := c.Lookup(context.Background(), "tts_models/multilingual/multi-dataset/xtts_v2")
	require.NoError(t, err)
	assert.Equal(t, CategoryVoiceCloning, d.Category)

	_, err = c.Lookup(context.Background(), "vocoder_models/en/ljspeech/hifigan_v2")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestListing_Find(t *testing.T) {
	listing := Partition(sampleIDs, "tts_models/", defaultMarkers)

	d, ok := listing.Find("tts_models/multilingual/multi-dataset/xtts_v2")
	require.True(t, ok)
	assert.Equal(t, CategoryVoiceCloning, d.Category)

	_, ok = listing.Find("vocoder_models/en/ljspeech/hifigan_v2")
	assert.False(t, ok)
}
