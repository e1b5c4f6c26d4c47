package api

import "testing"

func TestCanonicalizePackageName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"requests", "requests"},
		{"Requests", "requests"},
		{"Quart.DB", "quart-db"},
		{"quart_db", "quart-db"},
		{"a--b__c..d", "a-b-c-d"},
		{"Flask-SQLAlchemy", "flask-sqlalchemy"},
	}
	for _, tc := range cases {
		if got := canonicalizePackageName(tc.in); got != tc.want {
			t.Errorf("canonicalizePackageName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIsValidPackageName(t *testing.T) {
	valid := []string{"requests", "a", "A9", "quart.db", "flask-sqlalchemy", "a_b"}
	for _, name := range valid {
		if !isValidPackageName(name) {
			t.Errorf("isValidPackageName(%q) = false, want true", name)
		}
	}

	invalid := []string{"", "-leading", "trailing-", ".dot", "dot.", "has space", "ünïcode"}
	for _, name := range invalid {
		if isValidPackageName(name) {
			t.Errorf("isValidPackageName(%q) = true, want false", name)
		}
	}
}
