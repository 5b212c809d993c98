package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/punchamoorthee/remitgate/internal/models"
	"github.com/spf13/cobra"
)

// call performs one request and renders the reply.
func call(cmd *cobra.Command, opts *rootOptions, method, path string, body interface{}, header map[string]string) ([]byte, error) {
	raw, err := newClient(opts.url).do(cmd.Context(), method, path, body, header)
	if err != nil {
		return nil, err
	}
	return raw, render(cmd.OutOrStdout(), opts.output, raw)
}

func gateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Inspect or flip a scope's release gate",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get [scope]",
		Short: "Show the effective gate state of a scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(cmd, opts, "GET", "/api/v1/gates/"+url.PathEscape(args[0]), nil, nil)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set [scope] [OPEN|CLOSED]",
		Short: "Set a scope's gate; scope * is the global fallback",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			state := strings.ToUpper(args[1])
			if state != "OPEN" && state != "CLOSED" {
				return fmt.Errorf("state must be OPEN or CLOSED, got %q", args[1])
			}
			_, err := call(cmd, opts, "PUT", "/api/v1/gates/"+url.PathEscape(args[0]), models.GateRequest{State: state}, nil)
			return err
		},
	})
	return cmd
}

func remittanceCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "remittance",
		Aliases: []string{"rem"},
		Short:   "Create and operate on remittances",
	}

	var (
		req models.RemittanceRequest
		key string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Enqueue a remittance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = uuid.NewString()
			}
			_, err := call(cmd, opts, "POST", "/api/v1/remittances", req, map[string]string{"Idempotency-Key": key})
			return err
		},
	}
	create.Flags().StringVarP(&req.Scope, "scope", "s", "", "Scope (required)")
	create.Flags().Int64VarP(&req.Amount, "amount", "a", 0, "Amount in minor units (required)")
	create.Flags().StringVar(&req.Currency, "currency", "AUD", "ISO currency code")
	create.Flags().StringVarP(&req.Beneficiary, "beneficiary", "b", "", "Beneficiary account (required)")
	create.Flags().StringVarP(&req.Method, "method", "m", "PAYTO", "Payment method (PAYTO, BECS)")
	create.Flags().StringVar(&req.CorrelationID, "correlation-id", "", "Correlation id passed to the rail")
	create.Flags().StringVar(&key, "idempotency-key", "", "Idempotency-Key header (default: random)")
	create.MarkFlagRequired("scope")
	create.MarkFlagRequired("amount")
	create.MarkFlagRequired("beneficiary")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "get [id]",
		Short: "Show a remittance and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(cmd, opts, "GET", "/api/v1/remittances/"+url.PathEscape(args[0]), nil, nil)
			return err
		},
	})

	var reason string
	cancel := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel an in-flight remittance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(cmd, opts, "POST", "/api/v1/remittances/"+url.PathEscape(args[0])+"/cancel",
				models.CancelRequest{Reason: reason}, nil)
			return err
		},
	}
	cancel.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded on the FAILED event")
	cmd.AddCommand(cancel)

	cmd.AddCommand(&cobra.Command{
		Use:   "requeue [id]",
		Short: "Enqueue a new attempt for a failed remittance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(cmd, opts, "POST", "/api/v1/remittances/"+url.PathEscape(args[0])+"/requeue", nil, nil)
			return err
		},
	})
	return cmd
}

func queueCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect a scope's queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show [scope]",
		Short: "List queued remittances in release order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(cmd, opts, "GET", "/api/v1/queues/"+url.PathEscape(args[0]), nil, nil)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reconcile [scope]",
		Short: "Re-poll the rail for in-flight transfers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(cmd, opts, "POST", "/api/v1/queues/"+url.PathEscape(args[0])+"/reconcile", nil, nil)
			return err
		},
	})
	return cmd
}

func receiptsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipts",
		Short: "List and verify a scope's receipt chain",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list [scope]",
		Short: "List minted receipts in chain order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(cmd, opts, "GET", "/api/v1/receipts/"+url.PathEscape(args[0]), nil, nil)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "verify [scope]",
		Short: "Verify hashes, links and signatures; exits non-zero on a broken chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := call(cmd, opts, "GET", "/api/v1/receipts/"+url.PathEscape(args[0])+"/verify", nil, nil)
			if err != nil {
				return err
			}
			var report models.ChainVerification
			if err := json.Unmarshal(raw, &report); err != nil {
				return fmt.Errorf("decode report: %w", err)
			}
			if !report.OK {
				return fmt.Errorf("chain %s broken at index %d: %s", report.Scope, report.Index, report.Reason)
			}
			return nil
		},
	})
	return cmd
}

func keysCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage receipt signing key versions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show [name]",
		Short: "List versions of a signing key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(cmd, opts, "GET", "/api/v1/keys/"+url.PathEscape(args[0]), nil, nil)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate [name]",
		Short: "Create a new signing version and retire the old ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(cmd, opts, "POST", "/api/v1/keys/"+url.PathEscape(args[0])+"/rotate", nil, nil)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "retire [name] [version]",
		Short: "Stop a version from signing; it still verifies",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("version must be an integer: %w", err)
			}
			path := fmt.Sprintf("/api/v1/keys/%s/versions/%d/retire", url.PathEscape(args[0]), version)
			_, err = call(cmd, opts, "POST", path, nil, nil)
			return err
		},
	})
	return cmd
}
