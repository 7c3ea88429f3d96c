package utils

// Minimal server-side i18n for fixed keys. The intake UI carries its
// own translations; the server only needs the strings that end up in
// generated documents.

var translations = map[string]map[string]string{
	"de": {
		"answer.yes":       "Ja",
		"answer.no":        "Nein",
		"export.anamnesis": "MEDIZINISCHE ANAMNESE",
		"health.ok":        "ok",
	},
	"en": {
		"answer.yes":       "Yes",
		"answer.no":        "No",
		"export.anamnesis": "MEDICAL HISTORY",
		"health.ok":        "ok",
	},
}

// T returns the translated string for key in locale; falls back to
// German, the legacy interchange default.
func T(locale, key string) string {
	if m, ok := translations[locale]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	if v, ok := translations["de"][key]; ok {
		return v
	}
	return key
}
