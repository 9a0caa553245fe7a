package codec

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-archiver/internal/model"
)

func testPlan() model.BatchPlan {
	return model.BatchPlan{
		Target: model.TableTarget{
			Database:        "trading",
			Schema:          "public",
			Table:           "orders_audit",
			TimestampColumn: "created_at",
			PrimaryKey:      "id",
		},
		Fingerprint: "abc123",
		Ordinal:     1,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	archivedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	enc, err := NewEncoder(testPlan(), 6, archivedAt)
	require.NoError(t, err)

	rows := []model.Row{
		{Values: map[string]interface{}{"id": int64(1), "amount": decimal.RequireFromString("123.4500"), "note": "hello"}},
		{Values: map[string]interface{}{"id": int64(2), "amount": decimal.RequireFromString("-0.01"), "note": nil}},
	}
	for _, r := range rows {
		require.NoError(t, enc.WriteRow(r))
	}
	res, err := enc.Close()
	require.NoError(t, err)

	assert.Equal(t, int64(2), res.RecordCount)
	assert.Greater(t, res.UncompressedBytes, int64(0))
	assert.Greater(t, res.CompressedBytes, int64(0))
	assert.Len(t, res.UncompressedSHA256, 64)
	assert.Len(t, res.CompressedSHA256, 64)

	dec, err := NewDecoder(bytes.NewReader(res.Compressed))
	require.NoError(t, err)
	defer dec.Close()

	first, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "abc123", first[FieldBatchID])
	assert.Equal(t, "trading", first[FieldSourceDatabase])
	assert.Equal(t, "public.orders_audit", first[FieldSourceTable])
	assert.Equal(t, "2026-03-01T12:00:00Z", first[FieldArchivedAt])
	// NUMERIC 保留为字符串，不丢精度
	assert.Equal(t, "123.45", first["amount"])

	second, err := dec.Next()
	require.NoError(t, err)
	assert.Nil(t, second["note"])

	_, err = dec.Next()
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, int64(2), dec.Count())
	// 解码侧未压缩哈希与编码侧一致
	assert.Equal(t, res.UncompressedSHA256, dec.UncompressedSHA256())
}

func TestEncoderDeterministic(t *testing.T) {
	archivedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	row := model.Row{Values: map[string]interface{}{"b": "2", "a": "1", "c": int64(3)}}

	encode := func() *EncodeResult {
		enc, err := NewEncoder(testPlan(), 6, archivedAt)
		require.NoError(t, err)
		require.NoError(t, enc.WriteRow(row))
		res, err := enc.Close()
		require.NoError(t, err)
		return res
	}

	first := encode()
	second := encode()
	assert.Equal(t, first.UncompressedSHA256, second.UncompressedSHA256)
	assert.Equal(t, first.CompressedSHA256, second.CompressedSHA256)
}

func TestNormalizeValue(t *testing.T) {
	naive := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, "2026-01-02T03:04:05Z", NormalizeValue(naive))

	shifted := time.Date(2026, 1, 2, 11, 4, 5, 0, time.FixedZone("CST", 8*3600))
	assert.Equal(t, "2026-01-02T03:04:05Z", NormalizeValue(shifted))

	assert.Equal(t, BinaryPrefix+"aGVsbG8=", NormalizeValue([]byte("hello")))
	assert.Nil(t, NormalizeValue(nil))
	assert.Equal(t, "9.99", NormalizeValue(decimal.RequireFromString("9.99")))
	assert.Nil(t, NormalizeValue(decimal.NullDecimal{}))
}

func TestDecodeBinary(t *testing.T) {
	raw, err := DecodeBinary(BinaryPrefix + "aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), raw)

	plain, err := DecodeBinary("just a string")
	require.NoError(t, err)
	assert.Equal(t, "just a string", plain)
}

func TestStripReserved(t *testing.T) {
	record := map[string]interface{}{
		"id":                 float64(1),
		FieldArchivedAt:      "2026-03-01T12:00:00Z",
		FieldBatchID:         "abc",
		FieldSourceDatabase:  "trading",
		FieldSourceTable:     "public.orders_audit",
	}
	out := StripReserved(record)
	assert.Equal(t, map[string]interface{}{"id": float64(1)}, out)
}

func TestEncoderClosedRejectsWrites(t *testing.T) {
	enc, err := NewEncoder(testPlan(), 1, time.Now())
	require.NoError(t, err)
	_, err = enc.Close()
	require.NoError(t, err)
	assert.Error(t, enc.WriteRow(model.Row{Values: map[string]interface{}{"id": 1}}))
}
