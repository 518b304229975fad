package pipeline

import (
	"strings"
	"testing"
)

func TestSourceParsesIPPortLines(t *testing.T) {
	input := "1.2.3.4:8080\n# comment\n\n5.6.7.8:1080\n"
	got, err := Source(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	want := []Candidate{{IP: "1.2.3.4", Port: 8080}, {IP: "5.6.7.8", Port: 1080}}
	assertCandidatesEqual(t, got, want)
}

func TestSourceParsesOpenTCPLines(t *testing.T) {
	input := "open tcp 1080 9.9.9.9 1690000000\nopen tcp 8080 8.8.4.4 1690000001\n"
	got, err := Source(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	want := []Candidate{{IP: "9.9.9.9", Port: 1080}, {IP: "8.8.4.4", Port: 8080}}
	assertCandidatesEqual(t, got, want)
}

func TestSourceParsesMasscanJSON(t *testing.T) {
	input := `[{"ip":"1.1.1.1","ports":[{"port":8080,"proto":"tcp","status":"open"},{"port":1080,"proto":"tcp","status":"open"}]}]`
	got, err := Source(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	want := []Candidate{{IP: "1.1.1.1", Port: 8080}, {IP: "1.1.1.1", Port: 1080}}
	assertCandidatesEqual(t, got, want)
}

func TestSourceSkipsMalformedLines(t *testing.T) {
	input := "not-an-ip:port\n1.2.3.4:notaport\n1.2.3.4:8080\n"
	got, err := Source(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	if len(got) != 1 || got[0] != (Candidate{IP: "1.2.3.4", Port: 8080}) {
		t.Fatalf("want only the valid line to survive, got %+v", got)
	}
}

func TestSourceEmptyInput(t *testing.T) {
	got, err := Source(strings.NewReader("   \n  \n"))
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("want no candidates, got %+v", got)
	}
}

func assertCandidatesEqual(t *testing.T, got, want []Candidate) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("want %d candidates, got %d (%+v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("candidate %d: want %+v, got %+v", i, want[i], got[i])
		}
	}
}
