package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newAdminCommand(opts *RootOptions) *cobra.Command {
	var fields []string
	cmd := &cobra.Command{
		Use:   "admin <action>",
		Short: "Run a governance or strategist action",
		Long: `Run an admin action such as pause-capital, set-redeem-fee or reallocate.

Parameters are passed as repeated --set key=value flags. bps and decimals are
sent as numbers; assets and amounts take comma separated lists.

  xusdctl admin set-redeem-fee --set bps=25
  xusdctl admin reallocate --set from=0x.. --set to=0x.. --set assets=DAI,USDC --set amounts=10,5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := adminBody(fields)
			if err != nil {
				return err
			}
			return postAndRender(cmd, opts, "/v1/admin/"+url.PathEscape(args[0]), body)
		},
	}
	cmd.Flags().StringArrayVar(&fields, "set", nil, "action parameter as key=value (repeatable)")
	return cmd
}

// adminBody converts key=value pairs into the admin request payload.
func adminBody(fields []string) (map[string]any, error) {
	body := make(map[string]any, len(fields))
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q: expected key=value", field)
		}
		value = strings.TrimSpace(value)
		switch key {
		case "bps", "decimals":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%s must be an unsigned integer", key)
			}
			body[key] = n
		case "assets", "amounts":
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			body[key] = parts
		default:
			body[key] = value
		}
	}
	return body, nil
}
