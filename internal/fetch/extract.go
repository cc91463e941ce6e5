package fetch

import (
	"regexp"
	"strconv"
	"strings"
)

var knownBrands = []string{
	"Grand Seiko", "Patek Philippe", "Audemars Piguet", "Jaeger-LeCoultre", "Vacheron Constantin", "Tag Heuer",
	"Rolex", "Omega", "Tudor", "Seiko", "Casio", "Citizen", "Breitling", "IWC",
	"Cartier", "Panerai", "Hamilton", "Longines", "Tissot", "Oris",
}

// ExtractBrand returns the first known brand named in s, or "Unknown".
// Multi-word brands are checked first so "Grand Seiko" wins over "Seiko".
func ExtractBrand(s string) string {
	up := strings.ToUpper(s)
	for _, b := range knownBrands {
		if strings.Contains(up, strings.ToUpper(b)) {
			return b
		}
	}
	return "Unknown"
}

var pricePatterns = []*regexp.Regexp{
	regexp.MustCompile(`[$€£]\s*(\d+(?:,\d{3})*(?:\.\d{2})?)`),
	regexp.MustCompile(`(?i)(\d+(?:,\d{3})*(?:\.\d{2})?)\s*(?:USD|EUR|GBP)`),
	regexp.MustCompile(`(\d+(?:,\d{3})*(?:\.\d{2})?)\s*\$`),
	regexp.MustCompile(`(?i)price[:\s]+\$?(\d+(?:,\d{3})*(?:\.\d{2})?)`),
}

// ExtractPrice finds the first price-like amount in text.
func ExtractPrice(text string) (amount float64, currency string, ok bool) {
	for _, re := range pricePatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		v, err := ParsePrice(m[1])
		if err != nil || v <= 0 {
			continue
		}
		return v, ExtractCurrency(m[0]), true
	}
	return 0, "", false
}

// ParsePrice strips currency symbols and separators.
func ParsePrice(s string) (float64, error) {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	return strconv.ParseFloat(b.String(), 64)
}

func ExtractCurrency(s string) string {
	up := strings.ToUpper(s)
	switch {
	case strings.Contains(s, "€"), strings.Contains(up, "EUR"):
		return "EUR"
	case strings.Contains(s, "£"), strings.Contains(up, "GBP"):
		return "GBP"
	case strings.Contains(s, "¥"), strings.Contains(up, "JPY"):
		return "JPY"
	default:
		return "USD"
	}
}

var conditionKeywords = []struct{ kw, cond string }{
	{"mint", "mint"},
	{"bnib", "new"},
	{"brand new", "new"},
	{"new", "new"},
	{"excellent", "excellent"},
	{"very good", "very good"},
	{"good", "good"},
	{"fair", "fair"},
	{"used", "used"},
	{"worn", "used"},
}

func ExtractCondition(text string) string {
	low := strings.ToLower(text)
	for _, c := range conditionKeywords {
		if strings.Contains(low, c.kw) {
			return c.cond
		}
	}
	return "unknown"
}

var locationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\[([A-Z]{2}(?:-[A-Z]{2})?)\]`),
	regexp.MustCompile(`\(([A-Z]{2,3})\)`),
	regexp.MustCompile(`(?i)location[:\s]+([A-Za-z ,]+)`),
}

func ExtractLocation(text string) string {
	for _, re := range locationPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

var (
	modelTrailers = []*regexp.Regexp{
		regexp.MustCompile(`\$\d.*$`),
		regexp.MustCompile(`(?i)\d+\s*USD.*$`),
		regexp.MustCompile(`(?i)\b(new|used|mint|excellent|good|fair)\b.*`),
		regexp.MustCompile(`\[.*?\]`),
	}
	wtsTag = regexp.MustCompile(`(?i)\[WTS\]`)
)

// ExtractModel returns the text after the brand with price and condition noise removed.
func ExtractModel(title, brand string) string {
	clean := strings.TrimSpace(wtsTag.ReplaceAllString(title, ""))
	model := clean
	if brand != "" && brand != "Unknown" {
		if i := strings.Index(strings.ToUpper(clean), strings.ToUpper(brand)); i >= 0 {
			model = clean[i+len(brand):]
		}
	}
	for _, re := range modelTrailers {
		model = re.ReplaceAllString(model, "")
	}
	return strings.TrimSpace(model)
}
