package flagx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		allowed []string
		want    []string
	}{
		{"separate value", []string{"-d", "notes.db", "-x", "1"}, []string{"-d"}, []string{"-d", "notes.db"}},
		{"equals form", []string{"-config=alt.json", "-d", "x"}, []string{"-config"}, []string{"-config=alt.json"}},
		{"unknown flags dropped", []string{"-x", "1", "--y=2", "positional"}, []string{"-c"}, []string{}},
		{"flag at the end", []string{"-c"}, []string{"-c"}, []string{"-c"}},
		{"next flag is not a value", []string{"-c", "-d"}, []string{"-c"}, []string{"-c"}},
		{"equals value may start with dash", []string{"-config=--odd.json"}, []string{"-config"}, []string{"-config=--odd.json"}},
		{"order preserved", []string{"-r", "5", "-c", "a.json", "-c", "b.json"}, []string{"-c", "-r"}, []string{"-r", "5", "-c", "a.json", "-c", "b.json"}},
		{"empty", nil, []string{"-c"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FilterArgs(tt.args, tt.allowed...))
		})
	}
}

func TestConfigPath(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"short", []string{"-c", "/etc/notesync.json"}, "/etc/notesync.json"},
		{"long", []string{"-config", "/tmp/n.json", "-d", "x.db"}, "/tmp/n.json"},
		{"equals", []string{"-config=/tmp/e.json"}, "/tmp/e.json"},
		{"absent", []string{"-d", "x.db"}, ""},
		{"last wins", []string{"-c", "1.json", "-config", "2.json"}, "2.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ConfigPath(tt.args))
		})
	}
}
