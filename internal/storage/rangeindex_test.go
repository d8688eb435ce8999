package storage

import (
	"reflect"
	"testing"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		from, to    int64
		start, stop int64
	}{
		{0, -1, 0, 1},
		{0, -2, 0, 2},
		{1, -1, -1, 1},
		{0, 0, 0, 0},
		{2, 5, -2, -5},
	}

	for _, tt := range tests {
		start, stop := Translate(tt.from, tt.to)
		if start != tt.start || stop != tt.stop {
			t.Errorf("Translate(%d, %d) = (%d, %d), want (%d, %d)",
				tt.from, tt.to, start, stop, tt.start, tt.stop)
		}
	}
}

func TestWindow(t *testing.T) {
	tests := []struct {
		name        string
		n           int
		start, stop int64
		lo, hi      int
		ok          bool
	}{
		{"whole list", 3, 0, 1, 0, 2, true},
		{"drop oldest", 3, 0, 2, 0, 1, true},
		{"skip newest", 3, -1, 1, 1, 2, true},
		{"newest only", 3, 0, 0, 0, 0, true},
		{"oldest only", 3, 1, 1, 2, 2, true},
		{"stop past the end is clamped", 3, 0, -10, 0, 2, true},
		{"start before the oldest is clamped", 3, 10, 1, 0, 2, true},
		{"start past the end", 3, -5, 1, 0, 0, false},
		{"stop before start", 3, -2, -1, 0, 0, false},
		{"stop before the oldest", 3, 0, 10, 0, 0, false},
		{"empty list", 0, 0, 1, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi, ok := Window(tt.n, tt.start, tt.stop)
			if ok != tt.ok {
				t.Fatalf("Window(%d, %d, %d) ok = %v, want %v", tt.n, tt.start, tt.stop, ok, tt.ok)
			}
			if ok && (lo != tt.lo || hi != tt.hi) {
				t.Errorf("Window(%d, %d, %d) = [%d, %d], want [%d, %d]",
					tt.n, tt.start, tt.stop, lo, hi, tt.lo, tt.hi)
			}
		})
	}
}

func TestRedisIndexMatchesWindow(t *testing.T) {
	// LRANGE on a newest-first list must select the same elements as Window.
	list := []string{"5", "4", "3", "2", "1"}
	redisRange := func(start, stop int64) []string {
		n := int64(len(list))
		if start < 0 {
			start += n
		}
		if stop < 0 {
			stop += n
		}
		if start < 0 {
			start = 0
		}
		if stop >= n {
			stop = n - 1
		}
		if start > stop || start >= n {
			return []string{}
		}
		return list[start : stop+1]
	}

	for from := int64(-6); from <= 6; from++ {
		for to := int64(-6); to <= 6; to++ {
			start, stop := Translate(from, to)
			want := redisRange(redisIndex(start), redisIndex(stop))
			got := sliceWindow(list, from, to)
			if !reflect.DeepEqual(got, want) {
				t.Errorf("from=%d to=%d: window %v, redis %v", from, to, got, want)
			}
		}
	}
}

func TestPushTrim(t *testing.T) {
	tests := []struct {
		name   string
		list   []string
		values []string
		size   int
		want   []string
	}{
		{"push onto empty", nil, []string{"1"}, 10, []string{"1"}},
		{"batch is pushed one by one", nil, []string{"1", "2", "3"}, 10, []string{"3", "2", "1"}},
		{"prepends to existing", []string{"b", "a"}, []string{"c"}, 10, []string{"c", "b", "a"}},
		{"trims oldest", []string{"3", "2", "1"}, []string{"4"}, 3, []string{"4", "3", "2"}},
		{"batch larger than bound", nil, []string{"1", "2", "3", "4"}, 2, []string{"4", "3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pushTrim(tt.list, tt.values, tt.size)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("pushTrim() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPushTrim_DoesNotAlias(t *testing.T) {
	list := []string{"b", "a"}
	out := pushTrim(list, []string{"c"}, 10)
	out[1] = "changed"

	if list[0] != "b" {
		t.Errorf("pushTrim mutated its input: %v", list)
	}
}
