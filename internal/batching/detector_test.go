package batching

import (
	"testing"

	"github.com/antoniostano/discomi/internal/session"
)

func TestDetectorShouldFlush(t *testing.T) {
	d := NewDetector(DefaultConfig().StoreKeywords)
	cases := []struct {
		text  string
		extra []string
		want  bool
	}{
		{text: "Remember THIS please", want: true},
		{text: "ok save this for later", want: true},
		{text: "STORE MEMORY", want: true},
		{text: "remember to buy milk", want: false},
		{text: "", want: false},
		{text: "note to self, ship it", extra: []string{"Note To Self"}, want: true},
		{text: "ship it", extra: []string{"  "}, want: false},
	}
	for _, tc := range cases {
		if got := d.ShouldFlush(session.Fragment{Text: tc.text}, tc.extra...); got != tc.want {
			t.Fatalf("ShouldFlush(%q, %v) = %t, want %t", tc.text, tc.extra, got, tc.want)
		}
	}
}

func TestDetectorIsStartFresh(t *testing.T) {
	d := NewDetector(nil)
	if !d.IsStartFresh(session.Fragment{Text: "OK Start Memory now"}, "start memory") {
		t.Fatalf("IsStartFresh() = false, want true")
	}
	if d.IsStartFresh(session.Fragment{Text: "start memory"}, "") {
		t.Fatalf("IsStartFresh() with empty keyword = true, want false")
	}
}
