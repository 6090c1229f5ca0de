package geo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MaxMind DB encoding helpers, enough to build a one-network City database.

func mmdbString(s string) []byte {
	return append([]byte{0x40 | byte(len(s))}, s...)
}

func mmdbUint16(v byte) []byte {
	if v == 0 {
		return []byte{0xa0}
	}
	return []byte{0xa1, v}
}

func mmdbUint32(v byte) []byte {
	if v == 0 {
		return []byte{0xc0}
	}
	return []byte{0xc1, v}
}

func mmdbMap(kv ...[]byte) []byte {
	out := []byte{0xe0 | byte(len(kv)/2)}
	for _, b := range kv {
		out = append(out, b...)
	}
	return out
}

func mmdbArray(items ...[]byte) []byte {
	out := []byte{byte(len(items)), 0x04}
	for _, b := range items {
		out = append(out, b...)
	}
	return out
}

// writeCityDB writes an IPv4 City database in which 81.0.0.0/8 resolves to
// London, United Kingdom and every other address is absent.
func writeCityDB(t *testing.T) string {
	t.Helper()

	const (
		prefix    = 81
		nodeCount = 8
	)

	var tree []byte
	for i := 0; i < nodeCount; i++ {
		next := uint32(i + 1)
		if i == nodeCount-1 {
			next = nodeCount + 16 // data section offset 0
		}
		left, right := uint32(nodeCount), uint32(nodeCount)
		if (prefix>>(7-i))&1 == 1 {
			right = next
		} else {
			left = next
		}
		tree = append(tree,
			byte(left>>16), byte(left>>8), byte(left),
			byte(right>>16), byte(right>>8), byte(right))
	}

	data := mmdbMap(
		mmdbString("city"), mmdbMap(
			mmdbString("names"), mmdbMap(mmdbString("en"), mmdbString("London")),
		),
		mmdbString("country"), mmdbMap(
			mmdbString("iso_code"), mmdbString("GB"),
			mmdbString("names"), mmdbMap(mmdbString("en"), mmdbString("United Kingdom")),
		),
	)

	metadata := mmdbMap(
		mmdbString("binary_format_major_version"), mmdbUint16(2),
		mmdbString("binary_format_minor_version"), mmdbUint16(0),
		mmdbString("build_epoch"), mmdbUint32(0),
		mmdbString("database_type"), mmdbString("GeoLite2-City"),
		mmdbString("description"), mmdbMap(mmdbString("en"), mmdbString("iptrack test")),
		mmdbString("ip_version"), mmdbUint16(4),
		mmdbString("languages"), mmdbArray(mmdbString("en")),
		mmdbString("node_count"), mmdbUint32(nodeCount),
		mmdbString("record_size"), mmdbUint16(24),
	)

	var db []byte
	db = append(db, tree...)
	db = append(db, make([]byte, 16)...)
	db = append(db, data...)
	db = append(db, "\xab\xcd\xefMaxMind.com"...)
	db = append(db, metadata...)

	path := filepath.Join(t.TempDir(), "GeoLite2-City.mmdb")
	require.NoError(t, os.WriteFile(path, db, 0o600))
	return path
}

func TestGeoIP2Provider_Lookup(t *testing.T) {
	p, err := OpenGeoIP2(writeCityDB(t))
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	loc, err := p.Lookup(ctx, "81.2.69.160")
	require.NoError(t, err)
	assert.Equal(t, Location{Country: "United Kingdom", City: "London"}, loc)

	loc, err = p.Lookup(ctx, "8.8.8.8")
	require.NoError(t, err)
	assert.True(t, loc.IsZero(), "address outside the database has no location")

	_, err = p.Lookup(ctx, "not-an-ip")
	assert.ErrorIs(t, err, ErrInvalidIP)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.Lookup(canceled, "81.2.69.160")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenGeoIP2_MissingFile(t *testing.T) {
	_, err := OpenGeoIP2(filepath.Join(t.TempDir(), "missing.mmdb"))
	assert.Error(t, err)
}

func TestNew_BreakerClosesGeoIP2(t *testing.T) {
	config := DefaultConfig()
	config.Provider = ProviderGeoIP2
	config.DatabasePath = writeCityDB(t)

	p, err := New(config, nil)
	require.NoError(t, err)
	require.IsType(t, &Breaker{}, p)

	loc, err := p.Lookup(context.Background(), "81.2.69.160")
	require.NoError(t, err)
	assert.Equal(t, "London", loc.City)

	require.NoError(t, p.(*Breaker).Close())
	_, err = p.Lookup(context.Background(), "81.2.69.160")
	assert.Error(t, err, "database is closed")
}
