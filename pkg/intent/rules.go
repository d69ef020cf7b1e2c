package intent

import (
	"regexp"
	"strings"

	"github.com/corridorhq/mnemo/pkg/memory"
)

// Entity types produced by the rule recognizers. EntityNamed is assigned to
// open-ended entities from the completer when it does not type them itself.
const (
	EntityHSCode     = "hs_code"
	EntityCountry    = "country"
	EntityRegulation = "regulation"
	EntityIncoterm   = "incoterm"
	EntityNamed      = "named"
)

var (
	// HS codes: 4-digit heading optionally extended with .XX groups
	// (8471, 8471.30, 8471.30.01).
	hsCodeRe = regexp.MustCompile(`\b(\d{4}(?:\.\d{2}){0,3})\b`)

	// Regulation identifiers: "(EU) 2021/821", "EC 428/2009", and named
	// regimes (EAR, ITAR, OFAC, REACH, RoHS).
	regulationRe = regexp.MustCompile(`(?i)\b(?:\((?:EU|EC)\)\s*\d{3,4}/\d{2,4}|(?:EU|EC)\s+\d{3,4}/\d{2,4}|EAR|ITAR|OFAC|REACH|RoHS)\b`)

	incotermRe = regexp.MustCompile(`(?i)\b(EXW|FCA|FAS|FOB|CFR|CIF|CPT|CIP|DAP|DPU|DDP)\b`)
)

// countries maps lowercase country names and ISO 3166-1 alpha-2 codes to the
// canonical alpha-2 code. Kept to trade-corridor countries the engine sees in
// practice; unknown countries simply go unextracted.
var countries = map[string]string{
	"united states": "US", "usa": "US", "us": "US",
	"mexico": "MX", "mx": "MX",
	"canada": "CA", "ca": "CA",
	"germany": "DE", "de": "DE",
	"france": "FR", "fr": "FR",
	"netherlands": "NL", "nl": "NL",
	"china": "CN", "cn": "CN",
	"japan": "JP", "jp": "JP",
	"india": "IN", "in": "IN",
	"brazil": "BR", "br": "BR",
	"united kingdom": "GB", "uk": "GB", "gb": "GB",
	"vietnam": "VN", "vn": "VN",
	"south korea": "KR", "korea": "KR", "kr": "KR",
	"russia": "RU", "ru": "RU",
	"iran": "IR", "ir": "IR",
	"turkey": "TR", "tr": "TR",
	"spain": "ES", "es": "ES",
	"italy": "IT", "it": "IT",
	"poland": "PL", "pl": "PL",
	"australia": "AU", "au": "AU",
}

// countryNameRe matches multi-word country names before single codes so
// "united states" wins over "us".
var countryNameRe = regexp.MustCompile(`(?i)\b(united states|united kingdom|south korea|usa|mexico|canada|germany|france|netherlands|china|japan|india|brazil|vietnam|korea|russia|iran|turkey|spain|italy|poland|australia|uk)\b`)

// intentRules are checked in order; the first match wins. Sanctions before
// compliance so "sanctioned party license" reads as sanctions.
var intentRules = []struct {
	intent     Intent
	confidence float64
	re         *regexp.Regexp
}{
	{IntentSanctions, 0.9, regexp.MustCompile(`(?i)\b(sanction|sanctions|sanctioned|embargo|denied part(?:y|ies)|sdn list|ofac|blocked person)\b`)},
	{IntentTariff, 0.9, regexp.MustCompile(`(?i)\b(tariff|duty|duties|duty rate|customs rate|hs code|hts|taric)\b`)},
	{IntentComplianceQuery, 0.8, regexp.MustCompile(`(?i)\b(complian\w+|license|licence|permit|regulation|restricted|export control|certification|certificate|declaration|documentation required|requirements?)\b`)},
	{IntentFactLookup, 0.6, regexp.MustCompile(`(?i)^(what|which|who|when|where|how much|how many|does|do|is|are)\b`)},
}

func classifyByRules(normalized string) Classification {
	for _, rule := range intentRules {
		if rule.re.MatchString(normalized) {
			return Classification{Intent: rule.intent, Confidence: rule.confidence}
		}
	}
	return Classification{Intent: IntentGeneral, Confidence: 0.5}
}

func extractByRules(query string) []memory.Entity {
	var entities []memory.Entity

	for _, m := range hsCodeRe.FindAllString(query, -1) {
		// Years and regulation numerals also look like 4 digits; skip
		// plausible year values with no sub-heading.
		if len(m) == 4 && m >= "1900" && m <= "2099" {
			continue
		}
		entities = append(entities, memory.Entity{
			Text:        m,
			Type:        EntityHSCode,
			CanonicalID: "hs:" + strings.ReplaceAll(m, ".", ""),
		})
	}

	for _, m := range countryNameRe.FindAllString(query, -1) {
		code, ok := countries[strings.ToLower(m)]
		if !ok {
			continue
		}
		entities = append(entities, memory.Entity{
			Text:        m,
			Type:        EntityCountry,
			CanonicalID: code,
		})
	}

	for _, m := range regulationRe.FindAllString(query, -1) {
		entities = append(entities, memory.Entity{
			Text:        m,
			Type:        EntityRegulation,
			CanonicalID: "reg:" + strings.ToUpper(strings.Join(strings.Fields(m), "")),
		})
	}

	for _, m := range incotermRe.FindAllString(query, -1) {
		entities = append(entities, memory.Entity{
			Text:        m,
			Type:        EntityIncoterm,
			CanonicalID: "incoterm:" + strings.ToUpper(m),
		})
	}

	return entities
}
