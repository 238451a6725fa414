package diff

type editOp uint8

const (
	opEqual editOp = iota
	opDelete
	opInsert
)

type edit struct {
	op editOp
	ai int // index in a (equal, delete)
	bi int // index in b (equal, insert)
}

// script returns a minimal edit script turning a into b, via a suffix LCS
// table. Within a changed region deletions come before insertions.
func script[T comparable](a, b []T) []edit {
	n, m := len(a), len(b)
	// table[i*(m+1)+j] = LCS length of a[i:], b[j:]
	table := make([]int32, (n+1)*(m+1))
	w := m + 1
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				table[i*w+j] = table[(i+1)*w+j+1] + 1
			} else if table[(i+1)*w+j] >= table[i*w+j+1] {
				table[i*w+j] = table[(i+1)*w+j]
			} else {
				table[i*w+j] = table[i*w+j+1]
			}
		}
	}

	out := make([]edit, 0, n+m)
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			out = append(out, edit{op: opEqual, ai: i, bi: j})
			i++
			j++
		case table[(i+1)*w+j] >= table[i*w+j+1]:
			out = append(out, edit{op: opDelete, ai: i, bi: j})
			i++
		default:
			out = append(out, edit{op: opInsert, ai: i, bi: j})
			j++
		}
	}
	for ; i < n; i++ {
		out = append(out, edit{op: opDelete, ai: i, bi: j})
	}
	for ; j < m; j++ {
		out = append(out, edit{op: opInsert, ai: i, bi: j})
	}
	return out
}

// countChanges returns how many elements of b are not in the LCS (added) and
// how many of a are not (removed).
func countChanges[T comparable](a, b []T) (added, removed int) {
	for _, e := range script(a, b) {
		switch e.op {
		case opInsert:
			added++
		case opDelete:
			removed++
		}
	}
	return added, removed
}

// countMultiset approximates countChanges by token frequency when the
// quadratic table would be too large.
func countMultiset(a, b []string) (added, removed int) {
	freq := make(map[string]int, len(a))
	for _, t := range a {
		freq[t]++
	}
	for _, t := range b {
		freq[t]--
	}
	for _, c := range freq {
		if c > 0 {
			removed += c
		} else {
			added -= c
		}
	}
	return added, removed
}
