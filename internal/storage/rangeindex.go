package storage

// Translate converts the caller's list offsets into internal offsets.
//
// Callers address list elements by distance from the newest element: from=0
// is the newest one, and a negative to counts back from the oldest end, so
// (0, -1) means "everything". Internally the offsets are negated: an offset
// o <= 0 addresses index -o of the newest-first sequence and an offset o > 0
// addresses the o-th element counted from the oldest end.
func Translate(from, to int64) (start, stop int64) {
	return -from, -to
}

// Window resolves internal offsets against a newest-first sequence of n
// elements and returns the inclusive index range [lo, hi]. ok is false when
// the window is empty. Out-of-range bounds are clamped.
func Window(n int, start, stop int64) (lo, hi int, ok bool) {
	if n <= 0 {
		return 0, 0, false
	}

	l := offsetIndex(n, start)
	h := offsetIndex(n, stop)
	if l < 0 {
		l = 0
	}
	if h >= int64(n) {
		h = int64(n) - 1
	}
	if l >= int64(n) || h < 0 || l > h {
		return 0, 0, false
	}
	return int(l), int(h), true
}

func offsetIndex(n int, offset int64) int64 {
	if offset <= 0 {
		return -offset
	}
	return int64(n) - offset
}

// redisIndex maps an internal offset onto a Redis LRANGE index of a list
// kept newest first (LPUSH order): both conventions agree once negated.
func redisIndex(offset int64) int64 {
	return -offset
}

// sliceWindow copies the window selected by (from, to) out of a newest-first list.
func sliceWindow(list []string, from, to int64) []string {
	start, stop := Translate(from, to)
	lo, hi, ok := Window(len(list), start, stop)
	if !ok {
		return []string{}
	}
	out := make([]string, hi-lo+1)
	copy(out, list[lo:hi+1])
	return out
}

// pushTrim returns a new list holding values pushed one by one onto the
// front of list, truncated to the newest size elements.
func pushTrim(list []string, values []string, size int) []string {
	n := len(list) + len(values)
	if n > size {
		n = size
	}
	out := make([]string, 0, n)
	for i := len(values) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, values[i])
	}
	for _, v := range list {
		if len(out) == n {
			break
		}
		out = append(out, v)
	}
	return out
}
