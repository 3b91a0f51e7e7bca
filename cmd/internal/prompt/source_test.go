package prompt

import "testing"

func TestTokenSourcePrefersEnvironment(t *testing.T) {
	t.Setenv("TRUSTWORK_TEST_TOKEN", "  abc.def.ghi \n")
	src := NewTokenSource("TRUSTWORK_TEST_TOKEN", "")
	got, err := src.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "abc.def.ghi" {
		t.Fatalf("unexpected token %q", got)
	}
	t.Setenv("TRUSTWORK_TEST_TOKEN", "other")
	if again, _ := src.Get(); again != "abc.def.ghi" {
		t.Fatalf("token should be cached, got %q", again)
	}
}

func TestTokenSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("TRUSTWORK_TEST_TOKEN", "   ")
	if _, err := NewTokenSource("TRUSTWORK_TEST_TOKEN", "API token").Get(); err == nil {
		t.Fatalf("expected error for blank token")
	}
}
