package filter

import (
	"testing"

	"github.com/b87dev/pubsub-broker/internal/models"
)

func TestEmptyFilterMatchesEverything(t *testing.T) {
	f, err := Parse("")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !f.Match(map[string]string{"anything": "goes"}) {
		t.Fatalf("expected empty filter to match")
	}
	if !f.Match(nil) {
		t.Fatalf("expected empty filter to match nil attributes")
	}
}

func TestEqualityAndComparison(t *testing.T) {
	cases := []struct {
		expr  string
		attrs map[string]string
		want  bool
	}{
		{`attributes.kind = "important"`, map[string]string{"kind": "important"}, true},
		{`attributes.kind = "important"`, map[string]string{"kind": "other"}, false},
		{`attributes.kind != "important"`, map[string]string{"kind": "other"}, true},
		{`attributes.count > 5`, map[string]string{"count": "10"}, true},
		{`attributes.count > 5`, map[string]string{"count": "3"}, false},
		{`attributes.count <= 5`, map[string]string{"count": "5"}, true},
		{`attributes.kind = "important"`, map[string]string{}, false},
	}
	for _, c := range cases {
		f, err := Parse(c.expr)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.expr, err)
		}
		if got := f.Match(c.attrs); got != c.want {
			t.Errorf("Parse(%q).Match(%v) = %v, want %v", c.expr, c.attrs, got, c.want)
		}
	}
}

func TestHasPrefix(t *testing.T) {
	f, err := Parse(`hasPrefix(attributes.path, "/orders/")`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !f.Match(map[string]string{"path": "/orders/123"}) {
		t.Fatalf("expected prefix match")
	}
	if f.Match(map[string]string{"path": "/users/123"}) {
		t.Fatalf("expected prefix mismatch")
	}
}

func TestLogicalOperatorsAndPrecedence(t *testing.T) {
	f, err := Parse(`attributes.a = "1" AND attributes.b = "2" OR attributes.c = "3"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// AND binds tighter than OR: (a=1 AND b=2) OR c=3.
	if !f.Match(map[string]string{"a": "1", "b": "2"}) {
		t.Fatalf("expected a&b branch to match")
	}
	if !f.Match(map[string]string{"c": "3"}) {
		t.Fatalf("expected c branch to match")
	}
	if f.Match(map[string]string{"a": "1"}) {
		t.Fatalf("expected no match with only a set")
	}

	notF, err := Parse(`NOT attributes.a = "1"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if notF.Match(map[string]string{"a": "1"}) {
		t.Fatalf("expected NOT to invert match")
	}
	if !notF.Match(map[string]string{"a": "2"}) {
		t.Fatalf("expected NOT to match non-equal value")
	}
}

func TestParenthesizedGrouping(t *testing.T) {
	f, err := Parse(`attributes.a = "1" AND (attributes.b = "2" OR attributes.c = "3")`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !f.Match(map[string]string{"a": "1", "c": "3"}) {
		t.Fatalf("expected grouped OR branch to match")
	}
	if f.Match(map[string]string{"a": "1"}) {
		t.Fatalf("expected no match without b or c")
	}
}

func TestParseSyntaxErrorIsInvalidArgument(t *testing.T) {
	_, err := Parse(`attributes.a =`)
	if err == nil {
		t.Fatalf("expected a syntax error")
	}
	if models.KindOf(err) != models.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", models.KindOf(err))
	}
}
