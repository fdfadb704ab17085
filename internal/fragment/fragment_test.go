package fragment

import (
	"math/rand"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/watzon/tether/internal/jsoncodec"
)

type payload struct {
	Body string `json:"body"`
}

func TestEncode_SplitsLargePayload(t *testing.T) {
	// 250,000 characters of body plus the JSON envelope.
	msg := payload{Body: strings.Repeat("x", 250_000)}

	fragments, err := Encode(msg)
	require.NoError(t, err)
	require.Len(t, fragments, 3)

	for i, f := range fragments {
		require.Equal(t, fragments[0].ID, f.ID)
		require.Equal(t, 3, f.Count)
		require.Equal(t, i, f.Index)
		require.LessOrEqual(t, len(f.Data), MaxDataLength)
	}

	dec := NewDecoder()
	var out payload
	for i := len(fragments) - 1; i >= 0; i-- {
		done, err := dec.Decode(fragments[i], &out)
		require.NoError(t, err)
		require.Equal(t, i == 0, done)
	}
	require.Equal(t, msg, out)
	require.Zero(t, dec.Pending())
}

func TestEncode_SmallPayloadIsSingleFragment(t *testing.T) {
	fragments, err := Encode(map[string]string{"hello": "world"})
	require.NoError(t, err)
	require.Len(t, fragments, 1)
	require.Equal(t, 1, fragments[0].Count)

	data, complete, err := NewDecoder().Push(fragments[0])
	require.NoError(t, err)
	require.True(t, complete)
	require.JSONEq(t, `{"hello":"world"}`, string(data))
}

func TestSplit_Empty(t *testing.T) {
	fragments := Split("")
	require.Len(t, fragments, 1)
	require.Equal(t, "", fragments[0].Data)
	require.Equal(t, 1, fragments[0].Count)
}

func TestSplit_DoesNotBreakMultibyteCharacters(t *testing.T) {
	s := strings.Repeat("é", MaxDataLength+10)

	fragments := Split(s)
	require.Len(t, fragments, 2)

	var sb strings.Builder
	for _, f := range fragments {
		require.True(t, utf8.ValidString(f.Data))
		sb.WriteString(f.Data)
	}
	require.Equal(t, s, sb.String())
}

func TestSplit_FitsEncodedCeiling(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"quote dense", strings.Repeat(`{"k":"v","a":"b"},`, 10_000)},
		{"backslashes", strings.Repeat(`\\`, 80_000)},
		{"html", strings.Repeat("<a>&amp;</a>", 20_000)},
		{"control characters", strings.Repeat("\x01\t\n", 50_000)},
		{"two byte", strings.Repeat("é", 150_000)},
		{"four byte", strings.Repeat("😀", 90_000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fragments := Split(tt.data)
			require.Greater(t, len(fragments), 1)

			dec := NewDecoder()
			var out []byte
			for _, f := range fragments {
				encoded, err := jsoncodec.Marshal(f)
				require.NoError(t, err)
				require.LessOrEqual(t, len(encoded), MaxEncodedBytes)

				var back Fragment
				require.NoError(t, jsoncodec.Unmarshal(encoded, &back))
				payload, complete, err := dec.Push(back)
				require.NoError(t, err)
				if complete {
					out = payload
				}
			}
			require.Equal(t, tt.data, string(out))
		})
	}
}

func TestDecoder_AnyPermutation(t *testing.T) {
	s := strings.Repeat("abcdefghij", 55_000)
	fragments := Split(s)
	require.Len(t, fragments, 6)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		shuffled := append([]Fragment(nil), fragments...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		dec := NewDecoder()
		var result []byte
		for i, f := range shuffled {
			data, complete, err := dec.Push(f)
			require.NoError(t, err)
			require.Equal(t, i == len(shuffled)-1, complete)
			if complete {
				result = data
			}
		}
		require.Equal(t, s, string(result))
	}
}

func TestDecoder_InterleavedIDs(t *testing.T) {
	a := Split(strings.Repeat("a", 150_000))
	b := Split(strings.Repeat("b", 150_000))

	dec := NewDecoder()
	_, done, err := dec.Push(a[0])
	require.NoError(t, err)
	require.False(t, done)
	_, done, err = dec.Push(b[1])
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, 2, dec.Pending())

	data, done, err := dec.Push(b[0])
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, strings.Repeat("b", 150_000), string(data))

	data, done, err = dec.Push(a[1])
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, strings.Repeat("a", 150_000), string(data))
}

func TestDecoder_PartialNeverCompletes(t *testing.T) {
	fragments := Split(strings.Repeat("z", 300_000))
	dec := NewDecoder()

	for _, f := range fragments[:len(fragments)-1] {
		_, done, err := dec.Push(f)
		require.NoError(t, err)
		require.False(t, done)
	}
	// Duplicate delivery does not complete the bucket either.
	_, done, err := dec.Push(fragments[0])
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, 1, dec.Pending())
}

func TestDecoder_RejectsInvalidFragments(t *testing.T) {
	tests := []struct {
		name string
		f    Fragment
	}{
		{"missing id", Fragment{Index: 0, Count: 1}},
		{"zero count", Fragment{ID: "a", Index: 0, Count: 0}},
		{"negative index", Fragment{ID: "a", Index: -1, Count: 2}},
		{"index past count", Fragment{ID: "a", Index: 2, Count: 2}},
		{"oversized data", Fragment{ID: "a", Index: 0, Count: 2, Data: strings.Repeat("q", MaxDataLength+1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, done, err := NewDecoder().Push(tt.f)
			require.ErrorIs(t, err, ErrInvalidFragment)
			require.False(t, done)
		})
	}
}

func TestDecoder_CountMismatch(t *testing.T) {
	dec := NewDecoder()
	_, _, err := dec.Push(Fragment{ID: "a", Index: 0, Count: 3})
	require.NoError(t, err)

	_, _, err = dec.Push(Fragment{ID: "a", Index: 1, Count: 2})
	require.ErrorIs(t, err, ErrInvalidFragment)
}

func TestDecoder_TTLEviction(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	dec := NewDecoder(WithTTL(time.Minute), WithClock(func() time.Time { return now }))

	_, _, err := dec.Push(Fragment{ID: "stale", Index: 0, Count: 2})
	require.NoError(t, err)
	require.Equal(t, 1, dec.Pending())

	now = now.Add(30 * time.Second)
	require.Zero(t, dec.Sweep())

	now = now.Add(time.Minute)
	require.Equal(t, 1, dec.Sweep())
	require.Zero(t, dec.Pending())

	// The late half now starts a new bucket instead of completing.
	_, done, err := dec.Push(Fragment{ID: "stale", Index: 1, Count: 2})
	require.NoError(t, err)
	require.False(t, done)
}

func TestDecoder_MaxPendingEvictsOldest(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	dec := NewDecoder(WithMaxPending(2), WithClock(func() time.Time { return now }))

	for _, id := range []string{"first", "second", "third"} {
		_, _, err := dec.Push(Fragment{ID: id, Index: 0, Count: 2})
		require.NoError(t, err)
		now = now.Add(time.Second)
	}
	require.Equal(t, 2, dec.Pending())

	_, done, err := dec.Push(Fragment{ID: "first", Index: 1, Count: 2})
	require.NoError(t, err)
	require.False(t, done)

	_, done, err = dec.Push(Fragment{ID: "third", Index: 1, Count: 2})
	require.NoError(t, err)
	require.True(t, done)
}
