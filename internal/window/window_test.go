package window

import "testing"

func TestProcessNameOf(t *testing.T) {
	tests := []struct {
		name string
		win  focusedWindow
		want string
	}{
		{
			name: "prefers wm_class_instance",
			win:  focusedWindow{WmClassInstance: "Code", WmClass: "code-oss"},
			want: "code",
		},
		{
			name: "falls back to wm_class",
			win:  focusedWindow{WmClass: "Firefox"},
			want: "firefox",
		},
		{
			name: "sentinel for unidentifiable process",
			win:  focusedWindow{Title: "Some window"},
			want: SentinelProcess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := processNameOf(tt.win); got != tt.want {
				t.Errorf("processNameOf() = %q, want %q", got, tt.want)
			}
		})
	}
}
