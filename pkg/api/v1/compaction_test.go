package v1

import "testing"

func TestSeverity_MaxReturnsMoreSevere(t *testing.T) {
	cases := []struct {
		a, b, want Severity
	}{
		{SeverityNormal, SeverityWarning, SeverityWarning},
		{SeverityWarning, SeverityCritical, SeverityCritical},
		{SeverityCritical, SeverityWarning, SeverityCritical},
		{SeverityNormal, SeverityNormal, SeverityNormal},
		{SeverityCritical, SeverityCritical, SeverityCritical},
	}
	for _, c := range cases {
		if got := c.a.Max(c.b); got != c.want {
			t.Errorf("Max(%s, %s) = %s, want %s", c.a, c.b, got, c.want)
		}
	}
}
