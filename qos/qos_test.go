package qos

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-ros/errors"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		want    string
	}{
		{"default", Default(), "::,:,:,:,,"},
		{"volatile keep last 100", KeepLast(100), "::,100:,:,:,,"},
		{"volatile keep last 5", KeepLast(5), "::,5:,:,:,,"},
		{"transient local", TransientLocal(), ":1:,1:,:,:,,"},
		{"sensor data", SensorData(), "2::,5:,:,:,,"},
		{"keep all with deadline", Profile{
			Reliability:     ReliabilityReliable,
			Durability:      DurabilityVolatile,
			History:         HistoryKeepAll,
			Depth:           DefaultDepth,
			Deadline:        Duration{Sec: 1, Nsec: 500},
			Liveliness:      LivelinessManualByTopic,
			LivelinessLease: Duration{Sec: 10},
		}, "::2,:1,500:,:3,10,"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.profile.Encode())

			parsed, err := Parse(tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.profile, parsed)
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []string{
		"",
		"::,100:,:,:",
		"::100:,:,:,,",
		"x::,:,:,:,,",
		"9::,:,:,:,,",
		"::,-1:,:,:,,",
		"::,:1:,:,,",
		"::,:,:,:,",
	}

	for _, input := range tests {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrMalformedToken))
		})
	}
}

func TestPresets(t *testing.T) {
	assert.True(t, TransientLocal().IsTransientLocal())
	assert.False(t, Default().IsTransientLocal())
	assert.Equal(t, 42, Default().Depth)
	assert.Equal(t, "transient_local", TransientLocal().Durability.String())
}

func TestDuration_Std(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, Duration{Sec: 1, Nsec: 500_000_000}.Std())
	assert.Equal(t, time.Duration(1<<63-1), Duration{Sec: 9223372036, Nsec: 854775807}.Std())
}
