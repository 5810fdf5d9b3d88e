package kitten

import (
	"encoding/json"
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// number or string revisions, as `ParseRevision` decides
func revisions(texts ...string) []Revision {
	out := []Revision{}
	for _, text := range texts {
		out = append(out, ParseRevision(text))
	}
	return out
}

func revisionTexts(revisions []Revision) []string {
	out := []string{}
	for _, revision := range revisions {
		out = append(out, revision.String())
	}
	return out
}

func TestIdOrder(t *testing.T) {
	// ulids are ordered by create time
	a := NewId()
	for i := 0; i < 1024; i += 1 {
		b := NewId()
		assert.Equal(t, a.String() < b.String(), true)
		assert.Equal(t, a.Time().After(b.Time()), false)
		a = b
	}

	c, err := ParseId(a.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, c, a)

	_, err = ParseId("v1")
	assert.NotEqual(t, err, nil)
}

func TestRevisionJson(t *testing.T) {
	var decoded []Revision
	err := json.Unmarshal([]byte(`[1, "2", 30, "r4", null, "007", "+5", 1.5]`), &decoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, revisionTexts(decoded), []string{"1", "2", "30", "r4", "", "007", "+5", "1.5"})
	assert.Equal(t, decoded[0], ParseRevision("1"))
	// a string revision stays a string even when it reads as a number
	assert.NotEqual(t, decoded[1], ParseRevision("2"))
	assert.Equal(t, decoded[4].IsZero(), true)

	// every revision is written back as the kind it arrived as
	b, err := json.Marshal(decoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(b), `[1,"2",30,"r4","","007","+5",1.5]`)

	// only canonical integers parse as numbers
	b, err = json.Marshal(revisions("1", "r4", "007", "+5", "-3", ""))
	assert.Equal(t, err, nil)
	assert.Equal(t, string(b), `[1,"r4","007","+5",-3,""]`)

	var revision Revision
	err = json.Unmarshal([]byte(`true`), &revision)
	assert.NotEqual(t, err, nil)
	err = json.Unmarshal([]byte(`{"a":1}`), &revision)
	assert.NotEqual(t, err, nil)

	v, ok := ParseRevision("48167").Int64()
	assert.Equal(t, ok, true)
	assert.Equal(t, v, int64(48167))
	_, ok = ParseRevision("r4").Int64()
	assert.Equal(t, ok, false)
}

func TestVersionJson(t *testing.T) {
	var version Version
	assert.Equal(t, json.Unmarshal([]byte(`"v1"`), &version), nil)
	assert.Equal(t, version, ParseVersion("v1"))
	assert.Equal(t, json.Unmarshal([]byte(`17`), &version), nil)
	assert.Equal(t, version, ParseVersion("17"))

	assert.Equal(t, json.Unmarshal([]byte(`"0017"`), &version), nil)
	b, err := json.Marshal(version)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(b), `"0017"`)
}

func TestCompareRevisions(t *testing.T) {
	compare := func(a string, b string) int {
		return CompareRevisions(ParseRevision(a), ParseRevision(b))
	}
	assert.Equal(t, compare("2", "10"), -1)
	assert.Equal(t, compare("10", "2"), 1)
	assert.Equal(t, compare("10", "10"), 0)
	// integers before text
	assert.Equal(t, compare("10", "a"), -1)
	assert.Equal(t, compare("a", "10"), 1)
	assert.Equal(t, compare("a", "b"), -1)
}

func TestKittenUsername(t *testing.T) {
	assert.Equal(t, NewKitten("knorton@google.com", "Kelly Norton").Username(), "knorton")
	assert.Equal(t, NewKitten("knorton", "Kelly Norton").Username(), "knorton")
}

func TestKittenClone(t *testing.T) {
	a := NewKitten("a@x.com", "A", revisions("1")...)
	b := a.clone()
	b.add(ParseRevision("2"))
	assert.Equal(t, a.Revisions, revisions("1"))
	assert.Equal(t, b.Revisions, revisions("1", "2"))

	// a kitten with no history still has an empty list on the wire
	c := (&Kitten{Email: "c@x.com"}).clone()
	cJson, err := json.Marshal(c)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(cJson), `{"Email":"c@x.com","Name":"","Revisions":[]}`)
}
