package credential

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/joho/godotenv"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-scribe/pkg/logging"
)

var sampleCredential = Credential{
	Token:           "tok-123",
	PatientRef:      "Patient/p-1",
	FHIRUserRef:     "Practitioner/dr-1",
	PractitionerRef: "Practitioner/dr-1",
}

func TestRedisBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	require.NoError(t, NewStore(NewRedisBackend(rdb, "clinic"), logging.Discard()).Submit(ctx, sampleCredential))
	assert.Equal(t, "tok-123", mr.HGet("credential:clinic", KeyAuthToken))

	got, err := NewStore(NewRedisBackend(rdb, "clinic"), logging.Discard()).Initialize(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sampleCredential, *got)

	require.NoError(t, NewStore(NewRedisBackend(rdb, "clinic"), logging.Discard()).Clear(ctx))
	assert.False(t, mr.Exists("credential:clinic"))
}

func TestRedisBackendNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	require.NoError(t, NewStore(NewRedisBackend(rdb, "a"), logging.Discard()).Submit(ctx, sampleCredential))

	got, err := NewStore(NewRedisBackend(rdb, "b"), logging.Discard()).Initialize(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisBackendUnreachableDegrades(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	got, err := NewStore(NewRedisBackend(rdb, "clinic"), logging.Discard()).Initialize(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileBackendRoundTripPreservesOtherKeys(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), ".credential.env")
	require.NoError(t, os.WriteFile(path, []byte("UNRELATED=keep-me\n"), 0o600))

	require.NoError(t, NewStore(NewFileBackend(path), logging.Discard()).Submit(ctx, sampleCredential))

	got, err := NewStore(NewFileBackend(path), logging.Discard()).Initialize(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sampleCredential, *got)

	require.NoError(t, NewStore(NewFileBackend(path), logging.Discard()).Clear(ctx))

	remaining, err := godotenv.Read(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"UNRELATED": "keep-me"}, remaining)
}

func TestFileBackendRoundTripKeepsTokensVerbatim(t *testing.T) {
	ctx := context.Background()
	for _, token := range []string{
		"007",
		"+42",
		"1e10",
		" padded ",
		`quote"inside`,
		"cost$HOME",
		`back\slash\n`,
		"multi\nline",
		"eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxIn0.c2ln",
	} {
		t.Run(token, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), ".credential.env")
			want := Credential{Token: token, PatientRef: "Patient/0042"}
			require.NoError(t, NewStore(NewFileBackend(path), logging.Discard()).Submit(ctx, want))

			got, err := NewStore(NewFileBackend(path), logging.Discard()).Initialize(ctx)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, want, *got)
		})
	}
}

func TestFileBackendRejectsTrailingBackslash(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".credential.env")
	err := NewStore(NewFileBackend(path), logging.Discard()).Submit(context.Background(), Credential{Token: `tok\`})
	assert.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFileBackendMissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.env")
	got, err := NewStore(NewFileBackend(path), logging.Discard()).Initialize(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPostgresBackendSave(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	backend := newPostgresBackendWithExec(mock, "clinic")

	mock.ExpectBegin()
	// keys are written in sorted order
	mock.ExpectExec("INSERT INTO credential_kv").WithArgs("clinic", KeyAuthToken, "tok-123").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO credential_kv").WithArgs("clinic", KeyFHIRUserRef, "Practitioner/dr-1").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO credential_kv").WithArgs("clinic", KeyPatientRef, "Patient/p-1").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO credential_kv").WithArgs("clinic", KeyPractitionerRef, "Practitioner/dr-1").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, NewStore(backend, logging.Discard()).Submit(context.Background(), sampleCredential))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackendLoad(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	backend := newPostgresBackendWithExec(mock, "clinic")

	mock.ExpectQuery("SELECT key, value FROM credential_kv").
		WithArgs("clinic", Keys).
		WillReturnRows(pgxmock.NewRows([]string{"key", "value"}).
			AddRow(KeyAuthToken, "tok-123").
			AddRow(KeyPatientRef, "Patient/p-1").
			AddRow(KeyFHIRUserRef, "Practitioner/dr-1").
			AddRow(KeyPractitionerRef, "Practitioner/dr-1"))

	got, err := NewStore(backend, logging.Discard()).Initialize(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sampleCredential, *got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackendClear(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	backend := newPostgresBackendWithExec(mock, "clinic")

	mock.ExpectExec("DELETE FROM credential_kv").WithArgs("clinic", Keys).WillReturnResult(pgxmock.NewResult("DELETE", 4))

	require.NoError(t, NewStore(backend, logging.Discard()).Clear(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
