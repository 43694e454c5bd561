package i18n

import "testing"

func TestPickLang_DefaultsToEnglish(t *testing.T) {
	if got := PickLang(""); got != "en" {
		t.Fatalf("expected en, got %s", got)
	}
	if got := PickLang("de-DE"); got != "en" {
		t.Fatalf("expected unrecognized language to default to en, got %s", got)
	}
}

func TestPickLang_RecognizesFarsi(t *testing.T) {
	if got := PickLang("fa-IR"); got != "fa" {
		t.Fatalf("expected fa, got %s", got)
	}
	if got := PickLang("FA"); got != "fa" {
		t.Fatalf("expected case-insensitive match, got %s", got)
	}
}

func TestT_LooksUpBothCatalogs(t *testing.T) {
	if got := T("health_ok", "en"); got == "" || got == "health_ok" {
		t.Fatalf("expected a translated message, got %q", got)
	}
	if got := T("health_ok", "fa"); got == "" || got == "health_ok" {
		t.Fatalf("expected a translated message, got %q", got)
	}
}

func TestT_UnknownKeyReturnsKeyItself(t *testing.T) {
	if got := T("no_such_key", "en"); got != "no_such_key" {
		t.Fatalf("expected missing key to return itself, got %q", got)
	}
}

func TestT_UnknownLangFallsBackToEnglish(t *testing.T) {
	if got := T("health_ok", "de"); got != T("health_ok", "en") {
		t.Fatalf("expected unknown language to fall back to en catalog")
	}
}
