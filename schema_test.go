package tabdb

import (
	"testing"
	"time"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		label, slug string
	}{
		{"Amount", "amount"},
		{"Unit Price", "unit_price"},
		{"  Total (USD) ", "total_usd"},
		{"a--b__c", "a_b_c"},
		{"Größe", "größe"},
		{"%%", "column"},
		{"", "column"},
	}
	for _, tt := range tests {
		deepEqual(t, Slugify(tt.label), tt.slug)
	}
}

func TestBuildSchema(t *testing.T) {
	f := NewFrame([]string{"Name", "name", "Score", "Active", "When", "Mixed", "Empty", IDField}, []Row{
		{"Name": "a", "name": "b", "Score": 1, "Active": true, "When": time.Now(), "Mixed": 1, "Empty": nil, IDField: "x"},
		{"Name": "c", "name": "d", "Score": nil, "Active": false, "When": nil, "Mixed": "s", "Empty": nil},
	})
	scm, renames := BuildSchema(f)
	deepEqual(t, scm, Schema{
		{Slug: "name", Label: "Name", Type: TypeString},
		{Slug: "name_1", Label: "name", Type: TypeString},
		{Slug: "score", Label: "Score", Type: TypeFloat},
		{Slug: "active", Label: "Active", Type: TypeBool},
		{Slug: "when", Label: "When", Type: TypeDatetime},
		{Slug: "mixed", Label: "Mixed", Type: TypeString},
		{Slug: "empty", Label: "Empty", Type: TypeString},
	})
	deepEqual(t, renames, map[string]string{
		"Name":   "name",
		"name":   "name_1",
		"Score":  "score",
		"Active": "active",
		"When":   "when",
		"Mixed":  "mixed",
		"Empty":  "empty",
	})
	deepEqual(t, scm.TypeOf("score"), TypeFloat)
	deepEqual(t, scm.Has(IDField), false)
}

func TestGroups(t *testing.T) {
	deepEqual(t, SplitGroups(" region , city,,"), []string{"region", "city"})
	deepEqual(t, len(SplitGroups("")), 0)
	deepEqual(t, GroupKey([]string{"region", "city"}), "region,city")
	deepEqual(t, GroupKey(nil), "")
}

func TestParseTime(t *testing.T) {
	want := time.Date(2021, 5, 6, 0, 0, 0, 0, time.UTC)
	for _, v := range []any{"2021-05-06", "05/06/2021", "2021-05-06T00:00:00Z", "May 6, 2021", float64(want.Unix())} {
		got, ok := ParseTime(v)
		if !ok || !got.Equal(want) {
			t.Errorf("** ParseTime(%v) = %v, %v, wanted %v", v, got, ok, want)
		}
	}
	if _, ok := ParseTime("nope"); ok {
		t.Errorf("** ParseTime(nope) succeeded")
	}
	if _, ok := ParseTime(true); ok {
		t.Errorf("** ParseTime(true) succeeded")
	}
}

func TestRecognizeDates(t *testing.T) {
	f := NewFrame([]string{"d", "s", "n"}, []Row{
		{"d": "2021-05-06", "s": "2021-05-06", "n": 1},
		{"d": "", "s": "hello", "n": 2},
	})
	g := RecognizeDates(f)
	deepEqual(t, g.Rows[0]["d"], any(time.Date(2021, 5, 6, 0, 0, 0, 0, time.UTC)))
	deepEqual(t, g.Rows[1]["d"], any(""))
	deepEqual(t, g.Rows[0]["s"], any("2021-05-06"))
	deepEqual(t, g.Rows[0]["n"], any(1.0))

	scm := Schema{{Slug: "s", Label: "s", Type: TypeDatetime}}
	h := RecognizeDatesFromSchema(scm, f)
	deepEqual(t, h.Rows[0]["s"], any(time.Date(2021, 5, 6, 0, 0, 0, 0, time.UTC)))
	deepEqual(t, h.Rows[1]["s"], any("hello"))
	deepEqual(t, h.Rows[0]["d"], any("2021-05-06"))
}
