package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lxstack/lxmq/pkg/fault"
)

// TestParseHeaders tests the happy path and case-insensitive matching.
func TestParseHeaders(t *testing.T) {
	h, err := ParseHeaders(map[string]any{
		"x-type":        "create",
		"X-User":        "user0",
		"X-SOURCE":      "lx.web",
		"x-application": "webapp",
	})
	require.NoError(t, err)
	assert.Equal(t, MessageCreate, h.Type)
	assert.Equal(t, "user0", h.User)
	assert.Equal(t, "lx.web", h.Source)
	assert.Equal(t, "webapp", h.Application)
}

// TestParseHeadersMissing tests that each absent header is a validation
// error.
func TestParseHeadersMissing(t *testing.T) {
	full := map[string]any{
		"x-type":        "create",
		"x-user":        "user0",
		"x-source":      "lx.web",
		"x-application": "webapp",
	}
	for drop := range full {
		table := map[string]any{}
		for k, v := range full {
			if k != drop {
				table[k] = v
			}
		}
		_, err := ParseHeaders(table)
		require.Error(t, err, "dropped %s", drop)
		assert.True(t, fault.Is(err, fault.Validation))
	}
}

// TestParseHeadersBadType tests unknown types and non-string values.
func TestParseHeadersBadType(t *testing.T) {
	_, err := ParseHeaders(map[string]any{
		"x-type":        "teleport",
		"x-user":        "user0",
		"x-source":      "lx.web",
		"x-application": "webapp",
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Validation))

	_, err = ParseHeaders(map[string]any{
		"x-type":        7,
		"x-user":        "user0",
		"x-source":      "lx.web",
		"x-application": "webapp",
	})
	require.Error(t, err)
}

// TestHeadersTableRoundTrip tests that Table output parses back to the
// same headers.
func TestHeadersTableRoundTrip(t *testing.T) {
	h := &MessageHeaders{
		Type:        MessageResponse,
		User:        "lxconsumer",
		Source:      "lx.api-queue",
		Application: "lxmq",
	}
	parsed, err := ParseHeaders(h.Table())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

// TestListenAddress tests tcp extraction and the non-tcp cases.
func TestListenAddress(t *testing.T) {
	inst := &Instance{Devices: map[string]Device{
		"ttyd":  {"type": "proxy", "listen": "tcp:0.0.0.0:9000"},
		"dns":   {"type": "proxy", "listen": "udp:0.0.0.0:5353"},
		"disk":  {"type": "disk"},
		"weird": {"type": "proxy", "listen": "tcp:10.0.0.5:9001"},
	}}

	assert.Equal(t, "0.0.0.0:9000", inst.ListenAddress("ttyd"))
	assert.Equal(t, "10.0.0.5:9001", inst.ListenAddress("weird"))
	assert.Equal(t, "", inst.ListenAddress("dns"))
	assert.Equal(t, "", inst.ListenAddress("disk"))
	assert.Equal(t, "", inst.ListenAddress("missing"))
}
