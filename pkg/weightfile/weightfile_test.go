package weightfile

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

type kv struct {
	key   string
	typ   uint32
	write func(buf *bytes.Buffer)
}

func u32KV(key string, typ uint32, value uint32) kv {
	return kv{key: key, typ: typ, write: func(buf *bytes.Buffer) {
		_ = binary.Write(buf, binary.LittleEndian, value)
	}}
}

func buildWF(t *testing.T, version uint32, entries []kv) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, Magic))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, version))
	if version >= 1 {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(0))) // tensor count
	}
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(entries))))
	for _, e := range entries {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(e.key))))
		buf.WriteString(e.key)
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, e.typ))
		e.write(&buf)
	}
	return buf.Bytes()
}

func TestParseWellFormed(t *testing.T) {
	data := buildWF(t, 3, []kv{
		u32KV("llama.attention.head_count", typeU32, 32),
		u32KV("llama.block_count", typeU32, 32),
		u32KV("llama.embedding_length", typeU32, 4096),
	})

	params, err := Parse(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, uint64(32), params.HeadCount)
	require.Equal(t, uint64(32), params.HeadCountKV, "head_count_kv defaults to head_count when absent")
	require.Equal(t, uint64(32), params.BlockCount)
	require.Equal(t, uint64(4096), params.EmbedLength)
	require.Equal(t, uint64(0), params.SplitCount)
}

func TestParseHeadCountKVOverride(t *testing.T) {
	data := buildWF(t, 3, []kv{
		u32KV("llama.attention.head_count", typeU32, 32),
		u32KV("llama.attention.head_count_kv", typeU32, 8),
		u32KV("llama.block_count", typeU32, 32),
		u32KV("llama.embedding_length", typeU32, 4096),
	})

	params, err := Parse(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, uint64(8), params.HeadCountKV)
}

func TestParseSkipsUnknownKeysIncludingArrays(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, Magic))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(3)))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(0)))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(4)))

	writeKey := func(key string) {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(key))))
		buf.WriteString(key)
	}

	// unknown array of u32
	writeKey("general.file_type")
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, typeArray))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, typeU32))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(3)))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(1)))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(2)))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(3)))

	// the three required keys
	writeKey("llama.attention.head_count")
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, typeU32))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(16)))

	writeKey("llama.block_count")
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, typeU32))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(24)))

	writeKey("llama.embedding_length")
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, typeU32))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(2048)))

	params, err := Parse(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, uint64(16), params.HeadCount)
	require.Equal(t, uint64(24), params.BlockCount)
	require.Equal(t, uint64(2048), params.EmbedLength)
}

func TestParseStringNumericValue(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, Magic))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(2)))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(0)))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(3)))

	writeStringKV := func(key, value string) {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(key))))
		buf.WriteString(key)
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, typeString))
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(value))))
		buf.WriteString(value)
	}

	writeStringKV("llama.attention.head_count", "32")
	writeStringKV("llama.block_count", "32")
	writeStringKV("llama.embedding_length", "4096")

	params, err := Parse(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, uint64(32), params.HeadCount)
}

func TestParseBadMagic(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(0xdeadbeef)))
	_, err := Parse(bytes.NewReader(buf.Bytes()))
	require.Error(t, err)
	require.True(t, IsInvalidFormat(err))
}

func TestParseUnsupportedVersion(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, Magic))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(4)))
	_, err := Parse(bytes.NewReader(buf.Bytes()))
	require.Error(t, err)
	require.True(t, IsInvalidFormat(err))
}

func TestParseMissingRequiredField(t *testing.T) {
	data := buildWF(t, 3, []kv{
		u32KV("llama.attention.head_count", typeU32, 32),
		u32KV("llama.block_count", typeU32, 32),
	})
	_, err := Parse(bytes.NewReader(data))
	require.Error(t, err)
	require.True(t, IsInvalidFormat(err))
}

func TestParseOversizedKeyLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, Magic))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(3)))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(0)))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(1)))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(2<<20))) // 2 MiB key length
	_, err := Parse(bytes.NewReader(buf.Bytes()))
	require.Error(t, err)
	require.True(t, IsInvalidFormat(err))
}

func TestInferShardCount(t *testing.T) {
	require.Equal(t, uint64(8), inferShardCount("/models/llama-3-70b-00001-of-00008.wf"))
	require.Equal(t, uint64(0), inferShardCount("/models/llama-3-70b.wf"))
	require.Equal(t, uint64(1), inferShardCount("/models/llama-3-70b-00001-of-00001.wf"))
}
