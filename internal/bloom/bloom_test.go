package bloom

import (
	"fmt"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/stretchr/testify/require"
)

// TestBloom drives the filter from testdata/bloom, grounded on pebble's own
// datadriven-test style for its bloom/sstable packages (sstable/block_test.go).
func TestBloom(t *testing.T) {
	var f *Filter
	datadriven.RunTest(t, "testdata/bloom", func(t *testing.T, d *datadriven.TestData) string {
		switch d.Cmd {
		case "build":
			b := NewBuilder(10)
			for _, key := range strings.Split(strings.TrimSpace(d.Input), ",") {
				b.Add([]byte(key))
			}
			f = b.Finish()
			return ""

		case "contains":
			var sb strings.Builder
			for _, key := range strings.Split(strings.TrimSpace(d.Input), ",") {
				fmt.Fprintf(&sb, "%s: %v\n", key, f.MayContain([]byte(key)))
			}
			return sb.String()

		default:
			t.Fatalf("unknown command %q", d.Cmd)
			return ""
		}
	})
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	b := NewBuilder(10)
	for _, k := range []string{"alpha", "beta", "gamma", "delta"} {
		b.Add([]byte(k))
	}
	f := b.Finish()
	encoded := f.Encode()

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	for _, k := range []string{"alpha", "beta", "gamma", "delta"} {
		require.True(t, decoded.MayContain([]byte(k)))
	}
}

func TestEveryInsertedKeyIsFound(t *testing.T) {
	// spec.md P7: for every key present, MayContain must return true.
	b := NewBuilder(10)
	keys := make([][]byte, 0, 500)
	for i := 0; i < 500; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		keys = append(keys, k)
		b.Add(k)
	}
	f := b.Finish()
	for _, k := range keys {
		require.True(t, f.MayContain(k), "key %s must be reported present", k)
	}
}

func TestEmptyFilterRejectsNothing(t *testing.T) {
	f := NewBuilder(10).Finish()
	require.True(t, f.MayContain([]byte("anything")))
}
