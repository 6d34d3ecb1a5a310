package audit

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func TestWriterSink_WritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(NewWriterSink(&buf))
	ctx := context.Background()

	_, err := l.Append(ctx, testEntry("AUTHENTICATED"))
	require.NoError(t, err)
	_, err = l.Append(ctx, testEntry("NONCE_REPLAY_DETECTED"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var decoded Entry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &decoded))
	assert.Equal(t, "NONCE_REPLAY_DETECTED", decoded.Event)
	assert.Equal(t, uint64(2), decoded.Sequence)
}

func TestOpenFileSink_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	for i := 0; i < 2; i++ {
		sink, err := OpenFileSink(path)
		require.NoError(t, err)
		require.NoError(t, sink.Write(context.Background(), testEntry("AUTHENTICATED")))
		require.NoError(t, sink.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLSink_SQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	sink, err := NewSQLSink(ctx, openSQLite(t), DialectSQLite)
	require.NoError(t, err)

	l := NewLog(sink)
	for _, ev := range []string{"AUTHENTICATED", "CHECKSUM_MISMATCH", "QUADRANT_BLOCKED"} {
		_, err := l.Append(ctx, testEntry(ev))
		require.NoError(t, err)
	}

	stored, err := sink.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, "QUADRANT_BLOCKED", stored[2].Event)
	assert.Equal(t, "dev-1", stored[0].Metadata["device_id"])
	require.NoError(t, VerifyEntries(stored), "persisted chain must verify")
}

func TestSQLSink_PostgresInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	sink, err := NewSQLSink(ctx, db, DialectPostgres)
	require.NoError(t, err)

	e := testEntry("AUTHENTICATED")
	e.ID = "evt-1"
	e.Sequence = 1
	e.PreviousHash = GenesisHash
	e.Hash = "sha256:feed"

	mock.ExpectExec(`INSERT INTO audit_entries .* VALUES \(\$1, \$2, \$3`).
		WithArgs("evt-1", int64(1), sqlmock.AnyArg(), "quadranlock", "AUTHENTICATED", "Q1",
			"sha256:abc123", false, sqlmock.AnyArg(), GenesisHash, "sha256:feed").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, sink.Write(ctx, e))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSink_UnsupportedDialect(t *testing.T) {
	_, err := NewSQLSink(context.Background(), openSQLite(t), Dialect("mysql"))
	require.Error(t, err)
}

func TestRedisSink_PushesAndTrims(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	l := NewLog(NewRedisSink(client, "", 2))
	ctx := context.Background()
	for _, ev := range []string{"AUTHENTICATED", "CHECKSUM_MISMATCH", "QUADRANT_BLOCKED"} {
		_, err := l.Append(ctx, testEntry(ev))
		require.NoError(t, err)
	}

	items, err := mr.List(DefaultRedisKey)
	require.NoError(t, err)
	require.Len(t, items, 2, "list must be trimmed to maxLen")

	var newest Entry
	require.NoError(t, json.Unmarshal([]byte(items[1]), &newest))
	assert.Equal(t, "QUADRANT_BLOCKED", newest.Event)
}

func TestRedisSink_ErrorPropagates(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	defer func() { _ = client.Close() }()

	l := NewLog(NewRedisSink(client, "audit", 0))
	_, err := l.Append(context.Background(), testEntry("AUTHENTICATED"))
	require.Error(t, err)
	assert.Equal(t, 0, l.Len())
}

func TestChaChaSealer_RoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	s, err := NewChaChaSealer(key)
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("sha256:abc123"))
	require.NoError(t, err)

	again, err := s.Seal([]byte("sha256:abc123"))
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces must differ")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc123", string(plain))
}

func TestChaChaSealer_RejectsBadInput(t *testing.T) {
	_, err := NewChaChaSealer([]byte("short"))
	require.Error(t, err)

	s, err := NewChaChaSealer(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)

	_, err = s.Open("AAAA")
	require.ErrorIs(t, err, ErrSealedTooShort)

	other, err := NewChaChaSealer(bytes.Repeat([]byte{2}, 32))
	require.NoError(t, err)
	sealed, err := other.Seal([]byte("secret"))
	require.NoError(t, err)
	_, err = s.Open(sealed)
	require.Error(t, err, "wrong key must fail authentication")
}
