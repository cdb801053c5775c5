package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveroom-gateway/internal/backend"
)

type fakeClient struct {
	callers []backend.Caller
	calls   []backend.Call
	queries []backend.Query
	result  string
	rows    string
	pingErr error
	closed  bool
}

func (f *fakeClient) Call(ctx context.Context, call backend.Call, dest any) error {
	f.calls = append(f.calls, call)
	caller, _ := backend.CallerFromContext(ctx)
	f.callers = append(f.callers, caller)
	if dest == nil {
		return nil
	}
	return json.Unmarshal([]byte(f.result), dest)
}

func (f *fakeClient) Select(_ context.Context, query backend.Query, dest any) error {
	f.queries = append(f.queries, query)
	return json.Unmarshal([]byte(f.rows), dest)
}

func (f *fakeClient) Ping(context.Context) error { return f.pingErr }

func (f *fakeClient) Close(context.Context) error {
	f.closed = true
	return nil
}

func execute(t *testing.T, client *fakeClient, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	open := func(context.Context, connection) (backend.Client, error) { return client, nil }
	cmd := newRootCommand(open, &out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPingCommand(t *testing.T) {
	client := &fakeClient{}
	out, err := execute(t, client, "ping")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)
	assert.True(t, client.closed)

	client = &fakeClient{pingErr: errors.New("connection refused")}
	_, err = execute(t, client, "ping")
	assert.ErrorContains(t, err, "connection refused")
}

func TestRPCCommandDecodesParams(t *testing.T) {
	client := &fakeClient{result: `{"id":"p1","display_name":"Ada"}`}
	out, err := execute(t, client, "rpc", "get_public_profile",
		"--param", "p_profile_id=p1",
		"-p", "p_limit=5",
		"-p", "p_flag=true",
	)
	require.NoError(t, err)
	require.Len(t, client.calls, 1)
	call := client.calls[0]
	assert.Equal(t, "get_public_profile", call.Function)
	assert.False(t, call.Set)
	assert.Equal(t, backend.Params{"p_profile_id": "p1", "p_limit": float64(5), "p_flag": true}, call.Params)
	assert.JSONEq(t, client.result, out)
}

func TestRPCCommandVoidAndSet(t *testing.T) {
	client := &fakeClient{}
	out, err := execute(t, client, "rpc", "record_presence_heartbeat", "--void", "-p", "p_room_id=r1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true}`, out)

	client = &fakeClient{result: `[]`}
	out, err = execute(t, client, "rpc", "get_live_rooms", "--set")
	require.NoError(t, err)
	assert.True(t, client.calls[0].Set)
	assert.JSONEq(t, `[]`, out)

	_, err = execute(t, &fakeClient{}, "rpc", "f", "--set", "--void")
	assert.Error(t, err)
}

func TestRPCCommandRejectsMalformedParam(t *testing.T) {
	client := &fakeClient{}
	_, err := execute(t, client, "rpc", "f", "-p", "novalue")
	assert.ErrorContains(t, err, "name=value")
	assert.Empty(t, client.calls)
}

func TestGifterStatusCommand(t *testing.T) {
	client := &fakeClient{rows: `[
		{"level":2,"name":"Silver","min_coins_spent":500},
		{"level":1,"name":"Bronze","min_coins_spent":100}
	]`}
	out, err := execute(t, client, "gifter-status", "--spent", "150")
	require.NoError(t, err)
	require.Len(t, client.queries, 1)
	assert.Equal(t, "gifter_levels", client.queries[0].Table)

	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, "Bronze", status["level_name"])
	assert.EqualValues(t, 2, status["next_level"])
	assert.EqualValues(t, 350, status["coins_to_next_level"])
	assert.Equal(t, false, status["admin_override"])

	out, err = execute(t, client, "gifter-status", "--admin")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, "Silver", status["level_name"])
	assert.Equal(t, true, status["admin_override"])
}

func TestBootstrapAdminGrantsRoleAsOwner(t *testing.T) {
	client := &fakeClient{}
	out, err := execute(t, client, "bootstrap-admin", "--owner-id", "owner-1", "--profile-id", "profile-9")
	require.NoError(t, err)
	assert.Equal(t, "Admin role granted to profile-9.\n", out)
	require.Len(t, client.calls, 1)
	assert.Equal(t, "owner_grant_app_role", client.calls[0].Function)
	assert.Equal(t, backend.Params{"p_target_profile_id": "profile-9", "p_role": "admin"}, client.calls[0].Params)
	assert.Equal(t, "owner-1", client.callers[0].ProfileID)

	_, err = execute(t, &fakeClient{}, "bootstrap-admin", "--profile-id", "profile-9")
	assert.ErrorContains(t, err, "--owner-id")
}

func TestOpenBackendRequiresConnection(t *testing.T) {
	_, err := openBackend(context.Background(), connection{})
	assert.ErrorContains(t, err, "no backend configured")

	_, err = openBackend(context.Background(), connection{Driver: "json"})
	assert.ErrorContains(t, err, "unknown driver")

	_, err = openBackend(context.Background(), connection{Driver: "postgres"})
	assert.ErrorContains(t, err, "--postgres-dsn")

	client, err := openBackend(context.Background(), connection{
		SupabaseURL: "https://project.supabase.co",
		ServiceKey:  "key",
		Schema:      "public",
	})
	require.NoError(t, err)
	assert.NoError(t, client.Close(context.Background()))
}
