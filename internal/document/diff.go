package document

// diffSplice finds the single splice that turns from into to: the
// position, the number of code points to delete and the text to insert.
// Common prefix and suffix are kept.
func diffSplice(from, to string) (pos, del int, ins string) {
	a, b := []rune(from), []rune(to)

	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix &&
		a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	return prefix, len(a) - prefix - suffix, string(b[prefix : len(b)-suffix])
}
