package sessions

import (
	"errors"
	"testing"
)

func TestParseToken(t *testing.T) {
	canonical := NewToken()

	t.Run("accepts canonical tokens", func(t *testing.T) {
		got, err := ParseToken(canonical)
		if err != nil {
			t.Fatalf("ParseToken(%q): %v", canonical, err)
		}
		if got != canonical {
			t.Fatalf("ParseToken returned %q, want %q", got, canonical)
		}
	})

	t.Run("rejects non-canonical forms", func(t *testing.T) {
		for _, raw := range []string{
			"",
			"not-a-uuid",
			"{" + canonical + "}",
			"urn:uuid:" + canonical,
			canonical + "x",
		} {
			if _, err := ParseToken(raw); !errors.Is(err, ErrTokenMalformed) {
				t.Errorf("ParseToken(%q) = %v, want ErrTokenMalformed", raw, err)
			}
		}
	})
}
