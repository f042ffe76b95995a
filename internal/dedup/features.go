package dedup

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Date and feature extraction feeds the metadata safety checks that
// guard the embedding similarity against false positives on forms and
// recurring letters.

var (
	numericDateRe  = regexp.MustCompile(`(\d{1,2})\.\s?(\d{1,2})\.\s?(\d{2,4})`)
	namedDateRe    = regexp.MustCompile(`(\d{1,2})\.\s?(Jan|Feb|Mär|Apr|Mai|Jun|Jul|Aug|Sep|Okt|Nov|Dez)\w*\s?(\d{2,4})`)
	monthYearRe    = regexp.MustCompile(`(Januar|Februar|März|April|Mai|Juni|Juli|August|September|Oktober|November|Dezember)\s+(\d{4})`)
	amountRe       = regexp.MustCompile(`\b\d{1,3}(?:[.,]\d{3})*[.,]\d{2}\b`)
	ibanRe         = regexp.MustCompile(`DE\s?\d{2}\s?\d{4}\s?\d{4}\s?\d{4}\s?\d{4}\s?\d{2}`)
	emailRe        = regexp.MustCompile(`[\w.-]+@[\w.-]+\.\w+`)
	wordRe         = regexp.MustCompile(`\w+`)
	referenceIDRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:Rechnungs|Kunden|Auftrags|Bestell|Vorgangs|Leistungs|Personal|Mitglieds)[-\s]?(?:Nr|Nummer|ID)[.:\s]*([\w\-/]{3,})`),
		regexp.MustCompile(`(?i)(?:Mandatsreferenz|Gläubiger-ID)[.:\s]*([\w\-/]{5,})`),
		regexp.MustCompile(`(?i)(?:Beleg|Dokument)[-\s]?(?:Nr)[.:\s]*([\w\-/]{3,})`),
	}
)

var monthNumber = map[string]int{
	"Jan": 1, "Feb": 2, "Mär": 3, "Apr": 4, "Mai": 5, "Jun": 6,
	"Jul": 7, "Aug": 8, "Sep": 9, "Okt": 10, "Nov": 11, "Dez": 12,
	"Januar": 1, "Februar": 2, "März": 3, "April": 4, "Juni": 6,
	"Juli": 7, "August": 8, "September": 9, "Oktober": 10, "November": 11, "Dezember": 12,
}

func windowYear(y int) int {
	if y >= 100 {
		return y
	}
	if y < 50 {
		return y + 2000
	}
	return y + 1900
}

// extractDates collects German-format dates from text, normalized to
// d.m.yyyy so "01.05.2023" and "1.5.23" land on the same key.
func extractDates(text string) map[string]struct{} {
	dates := make(map[string]struct{})

	for _, m := range numericDateRe.FindAllStringSubmatch(text, -1) {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if day < 1 || day > 31 || month < 1 || month > 12 {
			continue
		}
		dates[fmt.Sprintf("%d.%d.%d", day, month, windowYear(year))] = struct{}{}
	}
	for _, m := range namedDateRe.FindAllStringSubmatch(text, -1) {
		day, _ := strconv.Atoi(m[1])
		month, ok := monthNumber[m[2]]
		if !ok || day < 1 || day > 31 {
			continue
		}
		year, _ := strconv.Atoi(m[3])
		dates[fmt.Sprintf("%d.%d.%d", day, month, windowYear(year))] = struct{}{}
	}
	for _, m := range monthYearRe.FindAllStringSubmatch(text, -1) {
		month, ok := monthNumber[m[1]]
		if !ok {
			continue
		}
		year, _ := strconv.Atoi(m[2])
		dates[fmt.Sprintf("%d.%d.%d", 1, month, year)] = struct{}{}
	}
	return dates
}

// extractFeatures collects identifying marks: money amounts, IBANs,
// e-mail addresses and reference numbers (invoice, customer, mandate).
func extractFeatures(text string) map[string]struct{} {
	found := make(map[string]struct{})

	for _, a := range amountRe.FindAllString(text, -1) {
		found[a] = struct{}{}
	}
	for _, iban := range ibanRe.FindAllString(text, -1) {
		found[strings.ReplaceAll(iban, " ", "")] = struct{}{}
	}
	for _, mail := range emailRe.FindAllString(text, -1) {
		found[mail] = struct{}{}
	}
	for _, re := range referenceIDRes {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			found[m[1]] = struct{}{}
		}
	}
	return found
}

// jaccard computes intersection over union. Two empty sets yield 0
// rather than 1: no evidence is not agreement.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func wordSet(text string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if len(w) > 2 {
			words[w] = struct{}{}
		}
	}
	return words
}

// wordSimilarity is the Jaccard index over the word sets of both
// texts, ignoring words of one or two characters.
func wordSimilarity(a, b string) float64 {
	wa, wb := wordSet(a), wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	return jaccard(wa, wb)
}
