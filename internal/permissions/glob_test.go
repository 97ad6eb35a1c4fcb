package permissions

import "testing"

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"file_*", "file_read", true},
		{"file_*", "file_write", true},
		{"file_*", "file_", true},
		{"file_*", "bash", false},
		{"file_*", "myfile_read", false},
		{"*", "", true},
		{"*", "anything", true},
		{"tool_?", "tool_a", true},
		{"tool_?", "tool_ab", false},
		{"tool_?", "tool_", false},
		{"a.b", "a.b", true},
		{"a.b", "axb", false},
		{"db(1)+", "db(1)+", true},
		{"db(1)+", "db11", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
		{"*_read", "file_read", true},
		{"*_read", "file_reader", false},
	}

	cache := newGlobCache()
	for _, tt := range tests {
		if got := MatchGlob(tt.pattern, tt.name); got != tt.want {
			t.Errorf("MatchGlob(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
		// Run twice so the second call hits the cache.
		for i := 0; i < 2; i++ {
			if got := cache.Match(tt.pattern, tt.name); got != tt.want {
				t.Errorf("cache.Match(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
			}
		}
	}
}
