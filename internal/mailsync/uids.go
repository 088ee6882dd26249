package mailsync

import "sort"

// difference returns the uids of a that are not in b, ascending.
func difference(a, b []uint32) []uint32 {
	in := make(map[uint32]struct{}, len(b))
	for _, u := range b {
		in[u] = struct{}{}
	}
	var out []uint32
	for _, u := range a {
		if _, ok := in[u]; !ok {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// intersection returns the uids present in both a and b, ascending.
func intersection(a, b []uint32) []uint32 {
	in := make(map[uint32]struct{}, len(b))
	for _, u := range b {
		in[u] = struct{}{}
	}
	var out []uint32
	for _, u := range a {
		if _, ok := in[u]; ok {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// newestFirst returns a copy of uids sorted descending.
func newestFirst(uids []uint32) []uint32 {
	out := append([]uint32(nil), uids...)
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}

// chunks splits uids into consecutive slices of at most size elements.
func chunks(uids []uint32, size int) [][]uint32 {
	if size <= 0 {
		size = len(uids)
	}
	var out [][]uint32
	for len(uids) > 0 {
		n := size
		if n > len(uids) {
			n = len(uids)
		}
		out = append(out, uids[:n])
		uids = uids[n:]
	}
	return out
}

func sortedKeys[V any](m map[uint32]V) []uint32 {
	out := make([]uint32, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
