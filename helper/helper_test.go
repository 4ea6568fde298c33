package helper

import (
	"strings"
	"testing"
)

func TestGeneratePeerID(t *testing.T) {
	a := GeneratePeerID()
	b := GeneratePeerID()

	if !strings.HasPrefix(string(a[:]), ClientPrefix) {
		t.Errorf("peer id %q lacks client prefix", a)
	}
	for _, c := range a[len(ClientPrefix):] {
		if !strings.ContainsRune(symbols, rune(c)) {
			t.Errorf("peer id %q contains non-alphanumeric %q", a, c)
		}
	}
	if a == b {
		t.Errorf("two generated peer ids are equal: %q", a)
	}
}
