package taxchat_test

import (
	"testing"
	"time"

	"github.com/Songmu/flextime"
	"github.com/mashiike/taxchat"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

func TestRenderSystemPrompt(t *testing.T) {
	restore := flextime.Fix(time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC))
	defer restore()
	g := goldie.New(
		t,
		goldie.WithFixtureDir("testdata/fixtures"),
		goldie.WithNameSuffix(".golden.txt"),
	)

	actual, err := taxchat.RenderSystemPrompt("", nil)
	require.NoError(t, err)
	g.Assert(t, "default_system_prompt", []byte(actual))

	actual, err = taxchat.RenderSystemPrompt("", map[string]any{"audience": "a salaried employee"})
	require.NoError(t, err)
	g.Assert(t, "system_prompt_with_audience", []byte(actual))
}

func TestRenderSystemPromptCustom(t *testing.T) {
	restore := flextime.Fix(time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC))
	defer restore()
	actual, err := taxchat.RenderSystemPrompt(`FY {{ financialYear now }} / {{ .Vars.name | upper }}`, map[string]any{"name": "gst"})
	require.NoError(t, err)
	require.Equal(t, "FY 2024-25 / GST", actual)

	_, err = taxchat.RenderSystemPrompt(`{{ .Vars.name`, nil)
	require.Error(t, err)
}

func TestFinancialYear(t *testing.T) {
	cases := []struct {
		at time.Time
		fy string
		ay string
	}{
		{at: time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), fy: "2023-24", ay: "2024-25"},
		{at: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), fy: "2024-25", ay: "2025-26"},
		{at: time.Date(2099, 12, 31, 0, 0, 0, 0, time.UTC), fy: "2099-00", ay: "2100-01"},
	}
	for _, c := range cases {
		t.Run(c.at.Format(time.DateOnly), func(t *testing.T) {
			require.Equal(t, c.fy, taxchat.FinancialYear(c.at))
			require.Equal(t, c.ay, taxchat.AssessmentYear(c.at))
		})
	}
}
