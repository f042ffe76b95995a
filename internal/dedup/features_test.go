package dedup

import "testing"

func hasKey(s map[string]struct{}, k string) bool {
	_, ok := s[k]
	return ok
}

func TestExtractDatesNumeric(t *testing.T) {
	dates := extractDates("Rechnung vom 15.03.2024, fällig am 1.4.2024, Vertrag von 12.12.98")
	for _, want := range []string{"15.3.2024", "1.4.2024", "12.12.1998"} {
		if !hasKey(dates, want) {
			t.Errorf("missing %s in %v", want, dates)
		}
	}
}

func TestExtractDatesTwoDigitYearWindow(t *testing.T) {
	dates := extractDates("alt: 01.01.49 neu: 01.01.51")
	if !hasKey(dates, "1.1.2049") || !hasKey(dates, "1.1.1951") {
		t.Fatalf("year windowing wrong: %v", dates)
	}
}

func TestExtractDatesNamedMonth(t *testing.T) {
	dates := extractDates("Stand 12. Mai 2023, Abrechnung für März 2022, Frist 3. Okt 2023")
	for _, want := range []string{"12.5.2023", "1.3.2022", "3.10.2023"} {
		if !hasKey(dates, want) {
			t.Errorf("missing %s in %v", want, dates)
		}
	}
}

func TestExtractDatesNormalizationCollapses(t *testing.T) {
	a := extractDates("am 01.05.2023")
	b := extractDates("am 1.5.23")
	if jaccard(a, b) != 1.0 {
		t.Fatalf("equivalent dates must collapse: %v vs %v", a, b)
	}
}

func TestExtractDatesIgnoresImplausible(t *testing.T) {
	dates := extractDates("Version 99.99.2024 und 00.13.2023")
	if len(dates) != 0 {
		t.Fatalf("implausible dates extracted: %v", dates)
	}
}

func TestExtractFeatures(t *testing.T) {
	text := `Rechnungs-Nr.: RE-2024/0815
Betrag: 1.234,56 EUR, Mahngebühr 5,00
IBAN: DE89 3704 0044 0532 0130 00
Kontakt: service@stadtwerke-example.de
Mandatsreferenz: M-998877-X`

	feats := extractFeatures(text)
	for _, want := range []string{
		"RE-2024/0815",
		"1.234,56",
		"5,00",
		"DE89370400440532013000",
		"service@stadtwerke-example.de",
		"M-998877-X",
	} {
		if !hasKey(feats, want) {
			t.Errorf("missing feature %q in %v", want, feats)
		}
	}
}

func TestExtractFeaturesCaseInsensitiveLabels(t *testing.T) {
	feats := extractFeatures("KUNDEN-NR: K12345")
	if !hasKey(feats, "K12345") {
		t.Fatalf("case-insensitive label not matched: %v", feats)
	}
}

func TestJaccard(t *testing.T) {
	a := map[string]struct{}{"x": {}, "y": {}}
	b := map[string]struct{}{"y": {}, "z": {}}
	if got := jaccard(a, b); got != 1.0/3.0 {
		t.Fatalf("jaccard = %v", got)
	}
	if jaccard(nil, nil) != 0 {
		t.Fatal("two empty sets must score 0, not 1")
	}
	if jaccard(a, a) != 1.0 {
		t.Fatal("identical sets must score 1")
	}
}

func TestWordSimilarity(t *testing.T) {
	if got := wordSimilarity("Die Rechnung über Strom", "die rechnung über strom"); got != 1.0 {
		t.Fatalf("case must not matter, got %v", got)
	}
	if got := wordSimilarity("", "Rechnung"); got != 0 {
		t.Fatalf("empty text scores 0, got %v", got)
	}
	// One- and two-letter words carry no signal.
	if got := wordSimilarity("am 1. um 2. an", "zu 3. im 4. ab"); got != 0 {
		t.Fatalf("short words must be ignored, got %v", got)
	}
}
