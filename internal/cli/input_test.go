package cli

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rdr(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func TestGetSimpleText(t *testing.T) {
	var out bytes.Buffer
	got, err := GetSimpleText(rdr("  hello world \n"), "Title", &out)
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)
	assert.Equal(t, "Title\n> ", out.String())

	got, err = GetSimpleText(rdr("lastline"), "Title", &out)
	require.NoError(t, err)
	assert.Equal(t, "lastline", got)

	_, err = GetSimpleText(rdr(""), "Title", &out)
	assert.Error(t, err)
}

func TestGetPassword(t *testing.T) {
	old := readPassword
	t.Cleanup(func() { readPassword = old })

	readPassword = func(int) ([]byte, error) { return []byte("s3cret!!"), nil }
	var out bytes.Buffer
	pw, err := GetPassword("Master secret", &out)
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret!!"), pw)
	assert.Equal(t, "Master secret: \n", out.String())

	readPassword = func(int) ([]byte, error) { return nil, errors.New("boom") }
	_, err = GetPassword("Master secret", &out)
	assert.Error(t, err)
}

func TestGetMultiline(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"stops on empty line", "# Title\nbody\n\nignored\n", "# Title\nbody\n"},
		{"crlf", "a\r\nb\r\n\r\n", "a\nb\n"},
		{"eof without blank line", "a\nb", "a\nb\n"},
		{"indentation kept", "  - item\n\n", "  - item\n"},
		{"nothing entered", "\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			got, err := GetMultiline(rdr(tt.input), "Content", &out)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
