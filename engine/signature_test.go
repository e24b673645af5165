package engine

import "testing"

func TestSplitType(t *testing.T) {
	tests := []struct {
		in, first, rest string
	}{
		{"y", "y", ""},
		{"su", "s", "u"},
		{"aay", "aay", ""},
		{"a{sv}i", "a{sv}", "i"},
		{"(sy)a(sy)", "(sy)", "a(sy)"},
		{"a(ia{s(ii)})", "a(ia{s(ii)})", ""},
		{"vv", "v", "v"},
	}
	for _, tc := range tests {
		first, rest, err := SplitType(tc.in)
		if err != nil {
			t.Errorf("SplitType(%q) got err: %v", tc.in, err)
			continue
		}
		if first != tc.first || rest != tc.rest {
			t.Errorf("SplitType(%q) = (%q, %q), want (%q, %q)", tc.in, first, rest, tc.first, tc.rest)
		}
	}
}

func TestValidSignature(t *testing.T) {
	good := []string{"", "y", "a{sv}", "(ii)(s)", "aaaaay", "a{oa{sa{sv}}}", "h"}
	for _, s := range good {
		if err := ValidSignature(s); err != nil {
			t.Errorf("ValidSignature(%q) got err: %v", s, err)
		}
	}
	bad := []string{
		"a",
		"()",
		"(i",
		"i)",
		"{sv}",
		"a{vs}",
		"a{s}",
		"a{sss}",
		"a{(i)s}",
		"z",
		"a{sv",
		string(make([]byte, 33)),
	}
	deep := ""
	for range maxArrayDepth + 1 {
		deep += "a"
	}
	bad = append(bad, deep+"y")
	for _, s := range bad {
		if err := ValidSignature(s); err == nil {
			t.Errorf("ValidSignature(%q) succeeded, want error", s)
		}
	}
}

func TestTypeAlignment(t *testing.T) {
	tests := []struct {
		t    Type
		want int
	}{
		{TypeByte, 1},
		{TypeInt16, 2},
		{TypeBool, 4},
		{TypeString, 4},
		{TypeArray, 4},
		{TypeDouble, 8},
		{TypeStruct, 8},
		{TypeDictEntry, 8},
		{TypeVariant, 1},
		{TypeSignature, 1},
	}
	for _, tc := range tests {
		if got := tc.t.Alignment(); got != tc.want {
			t.Errorf("%s.Alignment() = %d, want %d", tc.t, got, tc.want)
		}
	}
}

func TestValidNames(t *testing.T) {
	tests := []struct {
		fn   func(string) error
		in   string
		good bool
	}{
		{ValidObjectPath, "/", true},
		{ValidObjectPath, "/org/freedesktop/DBus", true},
		{ValidObjectPath, "/a_b/c1", true},
		{ValidObjectPath, "", false},
		{ValidObjectPath, "a/b", false},
		{ValidObjectPath, "/a/", false},
		{ValidObjectPath, "/a//b", false},
		{ValidObjectPath, "/a-b", false},
		{ValidInterface, "org.freedesktop.DBus", true},
		{ValidInterface, "org", false},
		{ValidInterface, "org.1foo", false},
		{ValidInterface, "org.foo-bar", false},
		{ValidMember, "Hello", true},
		{ValidMember, "Hello.World", false},
		{ValidMember, "", false},
		{ValidBusName, ":1.42", true},
		{ValidBusName, "com.example-app.Test", true},
		{ValidBusName, "com.1example", false},
		{ValidBusName, "com", false},
	}
	for _, tc := range tests {
		err := tc.fn(tc.in)
		if tc.good && err != nil {
			t.Errorf("validating %q got err: %v", tc.in, err)
		} else if !tc.good && err == nil {
			t.Errorf("validating %q succeeded, want error", tc.in)
		}
	}
}
