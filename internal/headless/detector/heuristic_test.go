package detector

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/statcache/internal/scraper"
)

func TestHeuristicNeedsRender(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	tests := []struct {
		name string
		page scraper.Page
		want bool
	}{
		{
			name: "empty body",
			page: scraper.Page{StatusCode: http.StatusOK, Body: []byte("  \n")},
			want: true,
		},
		{
			name: "challenge page",
			page: scraper.Page{StatusCode: http.StatusOK, Body: []byte(`<title>Just a moment...</title><div id="challenge-platform"></div>` + padding)},
			want: true,
		},
		{
			name: "script heavy short page",
			page: scraper.Page{StatusCode: http.StatusOK, Body: []byte(`<html><SCRIPT>var a=1;</SCRIPT><p>t</p></html>`)},
			want: true,
		},
		{
			name: "server rendered table",
			page: scraper.Page{StatusCode: http.StatusOK, Body: []byte(`<html><table class="prediction"><tr><td>LG</td></tr></table>` + padding + `</html>`)},
			want: false,
		},
		{
			name: "rendered pages are trusted",
			page: scraper.Page{StatusCode: http.StatusOK, Rendered: true},
			want: false,
		},
		{
			name: "error status",
			page: scraper.Page{StatusCode: http.StatusNotFound, Body: []byte("not found")},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, h.NeedsRender(tt.page))
		})
	}
}

func TestNewHeuristicDefaultThreshold(t *testing.T) {
	t.Parallel()

	require.Equal(t, 2048, NewHeuristic(0).BodyLengthThreshold)
	require.Equal(t, 2048, NewHeuristic(-5).BodyLengthThreshold)
}

func TestScriptDensityUnterminated(t *testing.T) {
	t.Parallel()

	require.True(t, scriptDensityHigh([]byte(`<p>x</p><script src="a.js"`)))
	require.False(t, scriptDensityHigh([]byte(`<p>plain text only</p>`)))
	require.False(t, scriptDensityHigh(nil))
}

const padding = `<p>lorem ipsum dolor sit amet consectetur adipiscing elit sed do eiusmod tempor</p>`
