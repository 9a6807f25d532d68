package scraper

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Prediction is one game's prediction row. Missing fields encode as null.
type Prediction struct {
	GameID       string   `json:"s_no"`
	URL          string   `json:"url"`
	LeftTeam     *string  `json:"left_team"`
	RightTeam    *string  `json:"right_team"`
	LeftPercent  *float64 `json:"left_percent"`
	RightPercent *float64 `json:"right_percent"`
	PredictText  *string  `json:"predict_text"`
}

// Complete reports whether both teams and both percentages are present.
func (p Prediction) Complete() bool {
	return p.LeftTeam != nil && *p.LeftTeam != "" &&
		p.RightTeam != nil && *p.RightTeam != "" &&
		p.LeftPercent != nil && p.RightPercent != nil
}

func (p Prediction) hasData() bool {
	return p.LeftTeam != nil || p.RightTeam != nil ||
		p.LeftPercent != nil || p.RightPercent != nil || p.PredictText != nil
}

// fill copies fields missing from p out of detail.
func (p *Prediction) fill(detail Prediction) {
	if p.LeftTeam == nil {
		p.LeftTeam = detail.LeftTeam
	}
	if p.RightTeam == nil {
		p.RightTeam = detail.RightTeam
	}
	if p.LeftPercent == nil {
		p.LeftPercent = detail.LeftPercent
	}
	if p.RightPercent == nil {
		p.RightPercent = detail.RightPercent
	}
	if p.PredictText == nil {
		p.PredictText = detail.PredictText
	}
}

// Extractor turns loaded pages into prediction data.
type Extractor interface {
	PredictionList(page Page, baseURL string) ([]Prediction, error)
	Prediction(page Page, gameID, detailURL string) (Prediction, error)
	GameIDs(page Page) ([]string, error)
}

// HTMLExtractor reads the prediction site's markup with goquery.
type HTMLExtractor struct{}

var (
	gameIDPattern  = regexp.MustCompile(`s_no=(\d+)`)
	percentPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	widthPattern   = regexp.MustCompile(`width:\s*(\d+(?:\.\d+)?)\s*%`)
	spacePattern   = regexp.MustCompile(`\s+`)
)

const (
	slideSelector       = "div.swiper-slide.item"
	leftTeamSelector    = ".team_name .left.team_item"
	rightTeamSelector   = ".team_name .right.team_item"
	leftPercentSelector = ".predict .p_item.left"
	rightPercentSel     = ".predict .p_item.right"
	predictTextSelector = "div.predict_text"
)

// PredictionList extracts one row per slide on the list page, deduplicated by game id.
func (HTMLExtractor) PredictionList(page Page, baseURL string) ([]Prediction, error) {
	doc, err := parse(page)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var rows []Prediction
	doc.Find(slideSelector).Each(func(_ int, slide *goquery.Selection) {
		onclick, _ := slide.Find("a[onclick]").First().Attr("onclick")
		m := gameIDPattern.FindStringSubmatch(onclick)
		if m == nil {
			return
		}
		if _, dup := seen[m[1]]; dup {
			return
		}
		seen[m[1]] = struct{}{}
		row := Prediction{GameID: m[1], URL: DetailURL(baseURL, m[1])}
		readTeams(slide, &row)
		readPercents(slide, &row)
		rows = append(rows, row)
	})
	return rows, nil
}

// Prediction extracts a single game's detail page.
func (HTMLExtractor) Prediction(page Page, gameID, detailURL string) (Prediction, error) {
	doc, err := parse(page)
	if err != nil {
		return Prediction{}, err
	}
	row := Prediction{GameID: gameID, URL: detailURL}
	root := doc.Selection
	readTeams(root, &row)
	readPercents(root, &row)
	if sel := root.Find(predictTextSelector).First(); sel.Length() > 0 {
		if text := cleanText(sel.Text()); text != "" {
			row.PredictText = &text
		}
	}
	return row, nil
}

// GameIDs lists the game ids linked from the list page, in page order.
// When no slide anchors are present it falls back to scanning the raw document.
func (HTMLExtractor) GameIDs(page Page) ([]string, error) {
	doc, err := parse(page)
	if err != nil {
		return nil, err
	}
	var ids []string
	doc.Find(slideSelector + " a[onclick*='s_no=']").Each(func(_ int, a *goquery.Selection) {
		onclick, _ := a.Attr("onclick")
		if m := gameIDPattern.FindStringSubmatch(onclick); m != nil {
			ids = append(ids, m[1])
		}
	})
	if len(ids) == 0 {
		for _, m := range gameIDPattern.FindAllSubmatch(page.Body, -1) {
			ids = append(ids, string(m[1]))
		}
	}
	return dedupe(ids), nil
}

// DetailURL builds the detail page URL for a game id.
func DetailURL(baseURL, gameID string) string {
	return fmt.Sprintf("%s?s_no=%s", baseURL, gameID)
}

func parse(page Page) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// readTeams keeps the last word of the left label and the first word of the
// right label; the labels carry a rank or record on their outer side.
func readTeams(scope *goquery.Selection, row *Prediction) {
	left := scope.Find(leftTeamSelector).First()
	right := scope.Find(rightTeamSelector).First()
	if left.Length() == 0 || right.Length() == 0 {
		return
	}
	if words := strings.Fields(cleanText(left.Text())); len(words) > 0 {
		row.LeftTeam = &words[len(words)-1]
	}
	if words := strings.Fields(cleanText(right.Text())); len(words) > 0 {
		row.RightTeam = &words[0]
	}
}

func readPercents(scope *goquery.Selection, row *Prediction) {
	left := scope.Find(leftPercentSelector).First()
	right := scope.Find(rightPercentSel).First()
	if left.Length() == 0 || right.Length() == 0 {
		return
	}
	row.LeftPercent = percentOf(left)
	row.RightPercent = percentOf(right)
}

func percentOf(sel *goquery.Selection) *float64 {
	if v := matchFloat(percentPattern, cleanText(sel.Text())); v != nil {
		return v
	}
	style, _ := sel.Attr("style")
	return matchFloat(widthPattern, style)
}

func matchFloat(pattern *regexp.Regexp, text string) *float64 {
	m := pattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return &v
}

func cleanText(s string) string {
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
