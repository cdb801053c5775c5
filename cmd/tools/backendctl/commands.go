package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"liveroom-gateway/internal/backend"
	"liveroom-gateway/internal/gifter"
)

func newPingCommand(withClient clientRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the backend is reachable",
		Args:  cobra.NoArgs,
		RunE: withClient(func(ctx context.Context, client backend.Client, cmd *cobra.Command, _ []string) error {
			if err := client.Ping(ctx); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		}),
	}
}

func newRPCCommand(withClient clientRunner) *cobra.Command {
	var (
		rawParams []string
		set       bool
		void      bool
	)
	cmd := &cobra.Command{
		Use:   "rpc <function>",
		Short: "Call a backend function and print its JSON result",
		Example: `  backendctl rpc get_public_profile --param p_profile_id=6f1c...
  backendctl rpc get_live_rooms --set
  backendctl rpc record_presence_heartbeat --void --param p_room_id=r1`,
		Args: cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, client backend.Client, cmd *cobra.Command, args []string) error {
			params, err := parseParams(rawParams)
			if err != nil {
				return err
			}
			call := backend.Call{Function: args[0], Params: params, Set: set}
			if void {
				if err := client.Call(ctx, call, nil); err != nil {
					return err
				}
				return printJSON(cmd, map[string]bool{"success": true})
			}
			var result json.RawMessage
			if err := client.Call(ctx, call, &result); err != nil {
				return err
			}
			return printJSON(cmd, result)
		}),
	}
	cmd.Flags().StringArrayVarP(&rawParams, "param", "p", nil, "function argument as name=value; JSON values are decoded, anything else is sent as a string")
	cmd.Flags().BoolVar(&set, "set", false, "the function returns a set of rows")
	cmd.Flags().BoolVar(&void, "void", false, "the function returns void; discard the result")
	cmd.MarkFlagsMutuallyExclusive("set", "void")
	return cmd
}

func newGifterStatusCommand(withClient clientRunner) *cobra.Command {
	var (
		spent   int64
		isAdmin bool
	)
	cmd := &cobra.Command{
		Use:   "gifter-status",
		Short: "Resolve the gifter tier for a lifetime spend against gifter_levels",
		Args:  cobra.NoArgs,
		RunE: withClient(func(ctx context.Context, client backend.Client, cmd *cobra.Command, _ []string) error {
			levels := []gifter.Level{}
			err := client.Select(ctx, backend.Query{
				Table:   "gifter_levels",
				Columns: []string{"level", "name", "min_coins_spent", "color", "icon_url"},
				Order:   []backend.Order{{Column: "min_coins_spent"}, {Column: "level"}},
			}, &levels)
			if err != nil {
				return fmt.Errorf("load gifter levels: %w", err)
			}
			return printJSON(cmd, gifter.Resolve(gifter.SortLevels(levels), spent, isAdmin))
		}),
	}
	cmd.Flags().Int64Var(&spent, "spent", 0, "lifetime coins spent")
	cmd.Flags().BoolVar(&isAdmin, "admin", false, "resolve as an administrator")
	return cmd
}

func newBootstrapAdminCommand(withClient clientRunner) *cobra.Command {
	var ownerID, profileID string
	cmd := &cobra.Command{
		Use:   "bootstrap-admin",
		Short: "Grant the app admin role to a profile on behalf of a platform owner",
		Args:  cobra.NoArgs,
		RunE: withClient(func(ctx context.Context, client backend.Client, cmd *cobra.Command, _ []string) error {
			ownerID = strings.TrimSpace(ownerID)
			profileID = strings.TrimSpace(profileID)
			if ownerID == "" || profileID == "" {
				return fmt.Errorf("--owner-id and --profile-id are required")
			}
			ctx = backend.WithCaller(ctx, backend.Caller{ProfileID: ownerID})
			err := client.Call(ctx, backend.Call{
				Function: "owner_grant_app_role",
				Params:   backend.Params{"p_target_profile_id": profileID, "p_role": "admin"},
			}, nil)
			if err != nil {
				return fmt.Errorf("grant admin role: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Admin role granted to %s.\n", profileID)
			return nil
		}),
	}
	cmd.Flags().StringVar(&ownerID, "owner-id", "", "profile ID of the platform owner making the grant")
	cmd.Flags().StringVar(&profileID, "profile-id", "", "profile ID receiving the admin role")
	return cmd
}

// parseParams turns name=value pairs into backend params. Values that parse
// as JSON keep their type; everything else is a string.
func parseParams(raw []string) (backend.Params, error) {
	params := backend.Params{}
	for _, pair := range raw {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --param %q: want name=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			params[name] = decoded
			continue
		}
		params[name] = value
	}
	return params, nil
}

func printJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
