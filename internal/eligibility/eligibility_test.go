package eligibility

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter_Eligible(t *testing.T) {
	f := New([]string{"/usr/sbin/", "/usr/lib/systemd/"})

	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"user binary", "/usr/bin/python3@1234:99", true},
		{"reserved daemon", "/usr/sbin/sshd@1:5", false},
		{"reserved systemd helper", "/usr/lib/systemd/systemd-journald@300:12", false},
		{"prefix must match from start", "/opt/usr/sbin/tool@7:1", true},
		{"prefix is literal not a directory walk", "/usr/sbinary@8:1", true},
		{"empty identity", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Eligible(tt.id))
		})
	}
}

func TestFilter_BlankPrefixesIgnored(t *testing.T) {
	f := New([]string{"", "  ", "/sbin/"})

	assert.Equal(t, []string{"/sbin/"}, f.Prefixes())
	assert.True(t, f.Eligible("/usr/bin/bash@1:1"), "blank prefix must not reject everything")
	assert.False(t, f.Eligible("/sbin/init@1:1"))
}

func TestFilter_NoPrefixes(t *testing.T) {
	f := New(nil)
	assert.True(t, f.Eligible("/usr/sbin/sshd@1:1"))
}

func TestFilter_PrefixesIsCopy(t *testing.T) {
	f := NewDefault()
	got := f.Prefixes()
	got[0] = "mutated"

	assert.Equal(t, DefaultReservedPrefixes[0], f.Prefixes()[0])
}
