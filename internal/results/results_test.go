package results

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/keyword-job-tracker/internal/apiclient"
	"github.com/JakeFAU/keyword-job-tracker/internal/job"
)

type fakeFetcher map[job.ResultKind]any

func (f fakeFetcher) FetchResult(_ context.Context, id int64, kind job.ResultKind) (json.RawMessage, error) {
	switch v := f[kind].(type) {
	case error:
		return nil, v
	case string:
		return json.RawMessage(v), nil
	default:
		return nil, &apiclient.StatusError{Operation: "fetch", StatusCode: http.StatusNotFound}
	}
}

func TestBoard_RefreshLoadsEveryKind(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	b := NewBoard(fakeFetcher{
		job.ResultOverview:     `{"seed":"tea","total":3}`,
		job.ResultCooccurrence: `[{"k":"a"},{"k":"b"}]`,
		job.ResultVolume:       `{"items":[1]}`,
		job.ResultCompetitors:  errors.New("boom"),
	}, &out, nil)

	err := b.Refresh(context.Background(), 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load competitors")

	p, ok := b.Panel(job.ResultCooccurrence)
	require.True(t, ok)
	assert.Equal(t, "2 rows", p.Summary())

	p, _ = b.Panel(job.ResultUserProfiles)
	assert.True(t, p.Missing)
	assert.Equal(t, "not available", p.Summary())

	text := out.String()
	assert.Contains(t, text, "Results for job 7")
	assert.Contains(t, text, "overview       2 fields")
	assert.Contains(t, text, "volume         1 row")
	assert.Contains(t, text, "competitors    error: boom")
}

func TestBoard_SelectedKindsWithoutWriter(t *testing.T) {
	t.Parallel()

	b := NewBoard(fakeFetcher{job.ResultVolume: `[]`}, nil, nil, job.ResultVolume)
	require.NoError(t, b.Refresh(context.Background(), 1))

	_, ok := b.Panel(job.ResultOverview)
	assert.False(t, ok)
	p, ok := b.Panel(job.ResultVolume)
	require.True(t, ok)
	assert.Equal(t, "0 rows", p.Summary())
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		`[1,2,3]`:          "3 rows",
		`{"results":[{}]}`: "1 row",
		`{"a":1}`:          "1 field",
		`null`:             "empty",
		`42`:               "42",
		`{not json`:        "unreadable",
	}
	for in, want := range cases {
		assert.Equal(t, want, Summarize(json.RawMessage(in)), in)
	}
}

// MockFetcher records FetchResult calls.
type MockFetcher struct {
	mock.Mock
}

// FetchResult satisfies Fetcher for the mock.
func (m *MockFetcher) FetchResult(ctx context.Context, id int64, kind job.ResultKind) (json.RawMessage, error) {
	args := m.Called(ctx, id, kind)
	raw, _ := args.Get(0).(json.RawMessage)
	return raw, args.Error(1)
}

func TestBoard_FetchesEachKindOnce(t *testing.T) {
	t.Parallel()

	f := new(MockFetcher)
	for _, kind := range job.ResultKinds() {
		f.On("FetchResult", mock.Anything, int64(3), kind).Return(json.RawMessage(`[]`), nil).Once()
	}

	b := NewBoard(f, nil, nil)
	require.NoError(t, b.Refresh(context.Background(), 3))
	f.AssertExpectations(t)
}
