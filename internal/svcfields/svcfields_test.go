package svcfields

import "testing"

func TestSubsystem(t *testing.T) {
	t.Parallel()

	cases := []struct {
		parts []string
		want  string
	}{
		{nil, ""},
		{[]string{"core"}, "core"},
		{[]string{"core", "conn"}, "core.conn"},
		{[]string{".server.", " ", "lifecycle"}, "server.lifecycle"},
		{[]string{"", ""}, ""},
	}
	for _, tc := range cases {
		if got := Subsystem(tc.parts...); got != tc.want {
			t.Fatalf("Subsystem(%q)=%q want %q", tc.parts, got, tc.want)
		}
	}
}

func TestWithSubsystemNilLogger(t *testing.T) {
	t.Parallel()

	if WithSubsystem(nil, "core") == nil {
		t.Fatal("expected a usable logger for nil input")
	}
}
