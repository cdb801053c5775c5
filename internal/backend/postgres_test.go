package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCallSQLScalar(t *testing.T) {
	query, args, err := buildCallSQL("public", Call{
		Function: "send_gift",
		Params: Params{
			"p_room_id":      "room-1",
			"p_recipient_id": "profile-2",
			"p_gift_type_id": 3,
		},
	})
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT to_jsonb("public"."send_gift"("p_gift_type_id" => $1, "p_recipient_id" => $2, "p_room_id" => $3))`,
		query)
	assert.Equal(t, []any{3, "profile-2", "room-1"}, args)
}

func TestBuildCallSQLSetWithoutParams(t *testing.T) {
	query, args, err := buildCallSQL("app", Call{Function: "rpc_get_live_rooms", Set: true})
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT coalesce(jsonb_agg(to_jsonb(r)), '[]'::jsonb) FROM "app"."rpc_get_live_rooms"() AS r`,
		query)
	assert.Empty(t, args)
}

func TestBuildCallSQLRejectsInjection(t *testing.T) {
	_, _, err := buildCallSQL("public", Call{Function: "x(); drop table profiles; --"})
	assert.Error(t, err)
}

func TestBuildSelectSQL(t *testing.T) {
	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	query, args, err := buildSelectSQL("public", Query{
		Table:   "room_presence",
		Columns: []string{"profile_id", "last_seen_at"},
		Filters: []Filter{
			Eq("room_id", "room-1"),
			{Column: "last_seen_at", Op: OpGte, Value: since},
			{Column: "status", Op: OpIn, Value: []string{"a", "b"}},
			{Column: "left_at", Op: OpIs, Value: nil},
			{Column: "is_muted", Op: OpIs, Value: false},
		},
		Order: []Order{{Column: "last_seen_at", Descending: true}},
		Limit: 25,
	})
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT coalesce(jsonb_agg(to_jsonb(t) ORDER BY t."last_seen_at" DESC), '[]'::jsonb) FROM (`+
			`SELECT "profile_id", "last_seen_at" FROM "public"."room_presence"`+
			` WHERE "room_id" = $1 AND "last_seen_at" >= $2 AND "status"::text = ANY($3::text[]) AND "left_at" IS NULL AND "is_muted" IS FALSE`+
			` ORDER BY "last_seen_at" DESC LIMIT 25) AS t`,
		query)
	assert.Equal(t, []any{"room-1", since, []string{"a", "b"}}, args)
}

func TestBuildSelectSQLSingleLimitsToOneRow(t *testing.T) {
	query, args, err := buildSelectSQL("public", Query{
		Table:   "profiles",
		Filters: []Filter{Eq("username", "alice")},
		Limit:   50,
		Single:  true,
	})
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT coalesce(jsonb_agg(to_jsonb(t)), '[]'::jsonb) FROM (SELECT * FROM "public"."profiles" WHERE "username" = $1 LIMIT 1) AS t`,
		query)
	assert.Equal(t, []any{"alice"}, args)
}

func TestBuildSelectSQLSkipsOuterOrderForUnselectedColumn(t *testing.T) {
	query, _, err := buildSelectSQL("public", Query{
		Table:   "live_streams",
		Columns: []string{"id"},
		Order:   []Order{{Column: "started_at", Descending: true}},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT coalesce(jsonb_agg(to_jsonb(t)), '[]'::jsonb) FROM (SELECT "id" FROM "public"."live_streams" ORDER BY "started_at" DESC) AS t`,
		query)
}

func TestTranslatePostgresError(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "P0001", Message: "Cannot gift yourself", Detail: "d", Hint: "h"}
	err := translatePostgresError("rpc send_gift", pgErr)

	var dbErr *Error
	require.True(t, errors.As(err, &dbErr))
	assert.Equal(t, &Error{Code: "P0001", Message: "Cannot gift yourself", Detail: "d", Hint: "h"}, dbErr)

	assert.ErrorIs(t, translatePostgresError("rpc x", context.Canceled), context.Canceled)

	var transportErr *TransportError
	require.True(t, errors.As(translatePostgresError("rpc x", errors.New("conn reset")), &transportErr))
	assert.Equal(t, "rpc x", transportErr.Op)
}

func TestNewPostgresValidatesInput(t *testing.T) {
	_, err := NewPostgres(context.Background(), " ")
	assert.Error(t, err)

	_, err = NewPostgres(context.Background(), "postgres://localhost/db", WithSchema("Bad-Schema"))
	assert.Error(t, err)
}

func TestNewConfigDefaults(t *testing.T) {
	cfg := newConfig(nil, WithSchema("  "), WithCallTimeout(-time.Second), WithPostgresPoolLimits(8, 0))
	assert.Equal(t, "public", cfg.Schema)
	assert.Equal(t, defaultCallTimeout, cfg.CallTimeout)
	assert.Equal(t, int32(8), cfg.MaxConnections)
	assert.Zero(t, cfg.MinConnections)
}
