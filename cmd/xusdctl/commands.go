package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

func getAndRender(cmd *cobra.Command, opts *RootOptions, path string, query map[string]string) error {
	out := map[string]any{}
	if err := opts.client.Get(cmd.Context(), path, query, &out); err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), opts.Format, out)
}

func postAndRender(cmd *cobra.Command, opts *RootOptions, path string, body any) error {
	out := map[string]any{}
	if err := opts.client.Post(cmd.Context(), path, body, &out); err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), opts.Format, out)
}

func checkAddress(field, value string) error {
	if !common.IsHexAddress(value) {
		return fmt.Errorf("%s %q is not a hex address", field, value)
	}
	return nil
}

func newViewCommands(opts *RootOptions) []*cobra.Command {
	simple := func(use, short, path string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return getAndRender(cmd, opts, path, nil)
			},
		}
	}

	account := &cobra.Command{
		Use:   "account <address>",
		Short: "Show an account's balance, credits and rebase state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkAddress("address", args[0]); err != nil {
				return err
			}
			return getAndRender(cmd, opts, "/v1/accounts/"+url.PathEscape(args[0]), nil)
		},
	}

	allowance := &cobra.Command{
		Use:   "allowance <owner> <spender>",
		Short: "Show how much spender may transfer on behalf of owner",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			for i, field := range []string{"owner", "spender"} {
				if err := checkAddress(field, args[i]); err != nil {
					return err
				}
			}
			return getAndRender(cmd, opts, "/v1/accounts/"+url.PathEscape(args[0])+"/allowances/"+url.PathEscape(args[1]), nil)
		},
	}

	preview := &cobra.Command{
		Use:   "preview-redeem <amount>",
		Short: "Preview the collateral paid out for redeeming amount XUSD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := parseAmount("amount", args[0])
			if err != nil {
				return err
			}
			return getAndRender(cmd, opts, "/v1/redeem/preview", map[string]string{"amount": amt})
		},
	}

	return []*cobra.Command{
		simple("supply", "Show XUSD supply, rebasing rate and vault value", "/v1/supply"),
		simple("config", "Show vault parameters and roles", "/v1/config"),
		simple("assets", "List supported collateral with balances and prices", "/v1/assets"),
		simple("strategies", "List approved strategies", "/v1/strategies"),
		simple("oracle", "Show price feed health", "/v1/oracle/health"),
		account,
		allowance,
		preview,
	}
}

func newUserCommands(opts *RootOptions) []*cobra.Command {
	var mintMinOut string
	mint := &cobra.Command{
		Use:   "mint <asset> <amount>",
		Short: "Deposit collateral and mint XUSD",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := parseAmount("amount", args[1])
			if err != nil {
				return err
			}
			minOut, err := parseOptionalAmount("min-out", mintMinOut)
			if err != nil {
				return err
			}
			return postAndRender(cmd, opts, "/v1/mint", map[string]string{"asset": args[0], "amount": amt, "minOut": minOut})
		},
	}
	mint.Flags().StringVar(&mintMinOut, "min-out", "", "minimum XUSD to receive")

	var redeemMinOut string
	var redeemAll bool
	redeem := &cobra.Command{
		Use:   "redeem [amount]",
		Short: "Burn XUSD for a basket of collateral",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			minOut, err := parseOptionalAmount("min-out", redeemMinOut)
			if err != nil {
				return err
			}
			if redeemAll {
				if len(args) != 0 {
					return fmt.Errorf("amount cannot be combined with --all")
				}
				return postAndRender(cmd, opts, "/v1/redeem-all", map[string]string{"minUnitsOut": minOut})
			}
			if len(args) != 1 {
				return fmt.Errorf("amount required unless --all is set")
			}
			amt, err := parseAmount("amount", args[0])
			if err != nil {
				return err
			}
			return postAndRender(cmd, opts, "/v1/redeem", map[string]string{"amount": amt, "minUnitsOut": minOut})
		},
	}
	redeem.Flags().StringVar(&redeemMinOut, "min-out", "", "minimum total collateral value to receive")
	redeem.Flags().BoolVar(&redeemAll, "all", false, "redeem the whole balance")

	transfer := addressAmountCommand(opts, "transfer <to> <amount>", "Transfer XUSD", "/v1/transfer", "to")
	approve := addressAmountCommand(opts, "approve <spender> <amount>", "Set spender's allowance", "/v1/approve", "spender")
	increase := addressAmountCommand(opts, "increase-allowance <spender> <amount>", "Raise spender's allowance", "/v1/allowance/increase", "spender")
	decrease := addressAmountCommand(opts, "decrease-allowance <spender> <amount>", "Lower spender's allowance, clamping at zero", "/v1/allowance/decrease", "spender")

	transferFrom := &cobra.Command{
		Use:   "transfer-from <owner> <to> <amount>",
		Short: "Transfer XUSD out of owner's balance using an allowance",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			for i, field := range []string{"owner", "to"} {
				if err := checkAddress(field, args[i]); err != nil {
					return err
				}
			}
			amt, err := parseAmount("amount", args[2])
			if err != nil {
				return err
			}
			return postAndRender(cmd, opts, "/v1/transfer-from", map[string]string{"owner": args[0], "to": args[1], "amount": amt})
		},
	}

	action := func(use, short, path string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return postAndRender(cmd, opts, path, nil)
			},
		}
	}

	var faucetHolder string
	faucet := &cobra.Command{
		Use:   "faucet <token> <amount>",
		Short: "Credit test tokens (development deployments only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := parseAmount("amount", args[1])
			if err != nil {
				return err
			}
			body := map[string]string{"token": args[0], "amount": amt}
			if faucetHolder != "" {
				if err := checkAddress("holder", faucetHolder); err != nil {
					return err
				}
				body["holder"] = faucetHolder
			}
			return postAndRender(cmd, opts, "/v1/dev/faucet", body)
		},
	}
	faucet.Flags().StringVar(&faucetHolder, "holder", "", "recipient (defaults to the token subject)")

	accrue := &cobra.Command{
		Use:   "accrue <strategy> <token> <amount>",
		Short: "Simulate yield or rewards on a strategy (development deployments only)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkAddress("strategy", args[0]); err != nil {
				return err
			}
			amt, err := parseAmount("amount", args[2])
			if err != nil {
				return err
			}
			return postAndRender(cmd, opts, "/v1/dev/accrue", map[string]string{"strategy": args[0], "token": args[1], "amount": amt})
		},
	}

	return []*cobra.Command{
		mint,
		redeem,
		transfer,
		transferFrom,
		approve,
		increase,
		decrease,
		action("opt-in", "Opt the caller into rebasing", "/v1/opt-in"),
		action("opt-out", "Opt the caller out of rebasing", "/v1/opt-out"),
		action("rebase", "Distribute accrued yield", "/v1/rebase"),
		action("allocate", "Deploy idle collateral to strategies", "/v1/allocate"),
		faucet,
		accrue,
	}
}

func addressAmountCommand(opts *RootOptions, use, short, path, field string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkAddress(field, args[0]); err != nil {
				return err
			}
			amt, err := parseAmount("amount", args[1])
			if err != nil {
				return err
			}
			return postAndRender(cmd, opts, path, map[string]string{field: args[0], "amount": amt})
		},
	}
}

func newEventsCommand(opts *RootOptions) *cobra.Command {
	var (
		eventType string
		limit     int
		after     int64
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List journaled vault and ledger events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := map[string]string{}
			if eventType != "" {
				query["type"] = eventType
			}
			if limit > 0 {
				query["limit"] = strconv.Itoa(limit)
			}
			if after > 0 {
				query["after"] = strconv.FormatInt(after, 10)
			}
			return getAndRender(cmd, opts, "/v1/events", query)
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type, e.g. vault.rebase")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this sequence number, oldest first")
	return cmd
}
