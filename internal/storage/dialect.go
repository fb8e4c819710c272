package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Dialect abstracts the differences between PostgreSQL and the embedded
// SQLite fallback: placeholder style, column types, JSON path extraction,
// and the on-disk representation of embedding vectors. Application code
// never branches on the dialect outside this package and internal/vector.
type Dialect interface {
	Name() string

	// Rebind rewrites ?-style placeholders into the driver's style.
	Rebind(query string) string

	// HasNativeVector reports whether similarity can be computed in SQL
	// (pgvector). When false, callers scan candidate rows and score in Go.
	HasNativeVector() bool

	// JSONField returns an expression extracting a top-level key from a
	// JSON column as text.
	JSONField(column, key string) string

	// EncodeVector converts an embedding to its column value.
	EncodeVector(v []float32) any

	// DecodeVector converts a scanned column value back to an embedding.
	DecodeVector(raw []byte) []float32

	// columnTypes used by migrations.
	jsonType() string
	timeType() string
	vectorType() string
}

type postgresDialect struct{}

func (postgresDialect) Name() string          { return "postgres" }
func (postgresDialect) HasNativeVector() bool { return true }
func (postgresDialect) jsonType() string      { return "JSONB" }
func (postgresDialect) timeType() string      { return "TIMESTAMPTZ" }
func (postgresDialect) vectorType() string    { return "vector" }

func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (postgresDialect) JSONField(column, key string) string {
	return fmt.Sprintf("%s->>'%s'", column, key)
}

// EncodeVector renders the pgvector literal form "[1,2,3]".
func (postgresDialect) EncodeVector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func (postgresDialect) DecodeVector(raw []byte) []float32 {
	s := strings.Trim(string(raw), "[]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil
		}
		out = append(out, float32(f))
	}
	return out
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string          { return "sqlite" }
func (sqliteDialect) HasNativeVector() bool { return false }
func (sqliteDialect) jsonType() string      { return "TEXT" }
func (sqliteDialect) timeType() string      { return "DATETIME" }
func (sqliteDialect) vectorType() string    { return "BLOB" }

func (sqliteDialect) Rebind(query string) string { return query }

func (sqliteDialect) JSONField(column, key string) string {
	return fmt.Sprintf("json_extract(%s, '$.%s')", column, key)
}

// EncodeVector packs little-endian IEEE 754 float32s, 4 bytes each.
func (sqliteDialect) EncodeVector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	data := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(f))
	}
	return data
}

func (sqliteDialect) DecodeVector(raw []byte) []float32 {
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}
