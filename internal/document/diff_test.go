package document

import "testing"

func TestDiffSplice(t *testing.T) {
	cases := []struct {
		name, from, to string
		pos, del       int
		ins            string
	}{
		{"equal", "abc", "abc", 3, 0, ""},
		{"append", "abc", "abcd", 3, 0, "d"},
		{"prepend", "abc", "xabc", 0, 0, "x"},
		{"middle replace", "hello world", "hello there world", 6, 0, "there "},
		{"delete tail", "abcdef", "abc", 3, 3, ""},
		{"replace all", "abc", "xyz", 0, 3, "xyz"},
		{"repeated runes", "aaa", "aaaa", 3, 0, "a"},
		{"multibyte", "héllo", "hallo", 1, 1, "a"},
		{"from empty", "", "new", 0, 0, "new"},
		{"to empty", "old", "", 0, 3, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pos, del, ins := diffSplice(tc.from, tc.to)
			if pos != tc.pos || del != tc.del || ins != tc.ins {
				t.Fatalf("diffSplice(%q, %q) = (%d, %d, %q), want (%d, %d, %q)",
					tc.from, tc.to, pos, del, ins, tc.pos, tc.del, tc.ins)
			}
		})
	}
}
