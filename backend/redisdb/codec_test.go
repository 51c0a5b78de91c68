package redisdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValueRoundTrip(t *testing.T) {
	cases := []interface{}{
		int8(-5), int16(-500), int32(-70000), int64(-5000000000),
		uint8(5), uint16(500), uint32(70000), uint64(5000000000),
		float32(1.5), float64(3.14159), "hello world", []byte("raw-bytes"),
	}
	for _, v := range cases {
		encoded := encodeValue(v)
		decoded := decodeValue(encoded)
		assert.Equal(t, v, decoded, "round trip for %T", v)
	}
}

func TestSplitMemberNumeric(t *testing.T) {
	id, value := splitMember("42")
	assert.Equal(t, uint64(42), id)
	assert.Nil(t, value)
}

func TestSplitMemberString(t *testing.T) {
	id, value := splitMember("alice:42")
	assert.Equal(t, uint64(42), id)
	assert.Equal(t, "alice", value)
}
