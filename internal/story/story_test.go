package story

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse_PlainJSON(t *testing.T) {
	raw := `{"title":"Flood in Valencia","summary":"Heavy rain floods the city.",` +
		`"place":"Valencia, Spain","lat":39.47,"lng":-0.38,"event_text":"Valencia floods after heavy rain."}`

	s := Parse(raw, "original item text")
	assert.Equal(t, "Flood in Valencia", s.Title)
	assert.Equal(t, "Valencia, Spain", s.Place)
	assert.True(t, s.HasCoords)
	assert.InDelta(t, 39.47, s.Lat, 0.0001)
	assert.InDelta(t, -0.38, s.Lng, 0.0001)
	assert.Equal(t, "Valencia floods after heavy rain.", s.EventText)
}

func TestParse_FencedJSON(t *testing.T) {
	raw := "```json\n{\"title\":\"T\",\"place\":\"Oslo, Norway\",\"lat\":59.9,\"lng\":10.7}\n```"
	s := Parse(raw, "item")
	assert.Equal(t, "Oslo, Norway", s.Place)
	assert.True(t, s.HasCoords)
}

func TestParse_ProseAroundJSON(t *testing.T) {
	raw := `Sure, here is the event: {"title":"T","place":"Lima, Peru"} Hope that helps.`
	s := Parse(raw, "item")
	assert.Equal(t, "Lima, Peru", s.Place)
	assert.False(t, s.HasCoords)
}

func TestParse_PlaceObjectCoordinatesWin(t *testing.T) {
	raw := `{"title":"T","lat":1.0,"lng":2.0,` +
		`"place":{"city":"Nairobi","country":"Kenya","lat":-1.286,"lng":36.817}}`
	s := Parse(raw, "item")
	assert.Equal(t, "Nairobi, Kenya", s.Place)
	assert.InDelta(t, -1.286, s.Lat, 0.0001)
	assert.InDelta(t, 36.817, s.Lng, 0.0001)
}

func TestParse_NumericStrings(t *testing.T) {
	s := Parse(`{"place":"X","lat":"12.5","lng":"-7.25"}`, "item")
	assert.True(t, s.HasCoords)
	assert.InDelta(t, 12.5, s.Lat, 0.0001)
	assert.InDelta(t, -7.25, s.Lng, 0.0001)
}

func TestParse_OutOfRangeCoordinatesDropped(t *testing.T) {
	s := Parse(`{"place":"X","lat":195.0,"lng":12.0}`, "item")
	assert.False(t, s.HasCoords)
}

func TestParse_GarbageKeepsItemText(t *testing.T) {
	s := Parse("I cannot help with that.", "Armed conflicts: fighting continues")
	assert.Equal(t, "Armed conflicts: fighting continues", s.EventText)
	assert.Empty(t, s.Place)
	assert.False(t, s.HasCoords)
	assert.Equal(t, "I cannot help with that.", s.Raw)
}

func TestClean_StripsFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, Clean("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, Clean("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, Clean(`{"a":1}`))
}

func TestPrompt_CarriesLinks(t *testing.T) {
	p := Prompt("Some event", []string{"https://example.com/a"})
	assert.Contains(t, p, "Some event")
	assert.Contains(t, p, "https://example.com/a")
	assert.Contains(t, p, `"event_text"`)
}
