package safelog

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScrub(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"ipv4 candidate line", "candidate:1 1 udp 2122260223 203.0.113.7 54321 typ host", "candidate:1 1 udp 2122260223 [scrubbed] 54321 typ host"},
		{"no address present", "data channel opened for peer bob", "data channel opened for peer bob"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, string(Scrub([]byte(c.in))))
		})
	}
}

func TestLogScrubberWrite(t *testing.T) {
	var buf bytes.Buffer
	ls := &LogScrubber{Output: &buf}

	line := "ICE: 198.51.100.23:9 -> peer alice\n"
	n, err := ls.Write([]byte(line))
	require.NoError(t, err)
	require.Equal(t, len(line), n)
	require.NotContains(t, buf.String(), "198.51.100.23")
}
