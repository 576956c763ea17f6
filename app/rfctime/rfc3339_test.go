package rfctime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLoose(t *testing.T) {
	tbl := []struct {
		in   string
		want time.Time
		err  bool
	}{
		{"2023-11-02T15:04:05Z", time.Date(2023, 11, 2, 15, 4, 5, 0, time.UTC), false},
		{"2023-11-02T15:04:05.123456789Z", time.Date(2023, 11, 2, 15, 4, 5, 123456789, time.UTC), false},
		{"2023-11-02T15:04:05", time.Date(2023, 11, 2, 15, 4, 5, 0, time.UTC), false},
		{"2023-11-02", time.Date(2023, 11, 2, 0, 0, 0, 0, time.UTC), false},
		{"", time.Time{}, false},
		{"  ", time.Time{}, false},
		{"not-a-time", time.Time{}, true},
	}

	for _, tt := range tbl {
		t.Run(tt.in, func(t *testing.T) {
			res, err := ParseLoose(tt.in)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, res.Time.Equal(tt.want), "got %s, want %s", res.Time, tt.want)
		})
	}
}

func TestRFC3339_MarshalJSON(t *testing.T) {
	ts := New(time.Date(2023, 11, 2, 15, 4, 5, 0, time.UTC))
	b, err := json.Marshal(ts)
	require.NoError(t, err)
	assert.Equal(t, `"2023-11-02T15:04:05Z"`, string(b))

	b, err = json.Marshal(RFC3339{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))
}

func TestRFC3339_UnmarshalJSON(t *testing.T) {
	var ts RFC3339
	require.NoError(t, json.Unmarshal([]byte(`"2023-11-02T15:04:05Z"`), &ts))
	assert.Equal(t, time.Date(2023, 11, 2, 15, 4, 5, 0, time.UTC), ts.Time.UTC())

	require.NoError(t, json.Unmarshal([]byte("null"), &ts))
	assert.True(t, ts.IsZero())

	require.NoError(t, json.Unmarshal([]byte(`""`), &ts))
	assert.True(t, ts.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`"garbage"`), &ts))
}

func TestRFC3339_RoundTrip(t *testing.T) {
	type payload struct {
		Created RFC3339 `json:"created_at"`
		Updated RFC3339 `json:"updated_at"`
	}

	in := payload{Created: New(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"updated_at":null`)

	var out payload
	require.NoError(t, json.Unmarshal(b, &out))
	assert.True(t, out.Created.EqualTime(in.Created))
	assert.True(t, out.Updated.IsZero())
}

func TestRFC3339_DateString(t *testing.T) {
	assert.Equal(t, "2023-11-02", New(time.Date(2023, 11, 2, 23, 59, 0, 0, time.UTC)).DateString())
	assert.Equal(t, "", RFC3339{}.DateString())
}
