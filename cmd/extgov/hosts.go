package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/toolink/extgov/fleet"
	"github.com/toolink/extgov/health"
)

const checkTimeout = 3 * time.Second

func (c *cli) fleet(cmd *cobra.Command) (*app, *fleet.Registry, error) {
	a, err := c.open(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	rdb, err := a.redis(cmd.Context())
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	registry, err := fleet.NewRegistry(cmd.Context(), rdb)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, registry, nil
}

func newHostsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "List hosts announced in the fleet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, registry, err := c.fleet(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			defer registry.Close()

			hosts, err := registry.Discover(cmd.Context())
			if err != nil {
				return err
			}
			if len(hosts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No hosts announced.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tADDRESS\tHOST API\tHOSTNAME\tUP")
			for _, h := range hosts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", h.ID, h.Address, h.HostAPI, h.Hostname, time.Since(h.StartedAt).Round(time.Second))
			}
			return tw.Flush()
		},
	}
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status [id...]",
		Short: "Ask every announced host whether each extension is serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, registry, err := c.fleet(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			defer registry.Close()

			ids := args
			if len(ids) == 0 {
				records, err := a.catalog.List(ctx)
				if err != nil {
					return err
				}
				for _, rec := range records {
					ids = append(ids, rec.Descriptor.ID)
				}
			}
			hosts, err := registry.Discover(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "HOST\tEXTENSION\tSTATUS")
			for _, h := range hosts {
				for id, status := range checkHost(ctx, h.Address, ids) {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", h.Address, id, status)
				}
			}
			return tw.Flush()
		},
	}
}

// checkHost returns the health status of every id on the host at addr.
// Failures are reported as the status text.
func checkHost(ctx context.Context, addr string, ids []string) map[string]string {
	out := make(map[string]string, len(ids))
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		for _, id := range ids {
			out[id] = "unreachable: " + err.Error()
		}
		return out
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	for _, id := range ids {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		resp, err := client.Check(cctx, &healthpb.HealthCheckRequest{Service: health.ServiceName(id)})
		cancel()
		if err != nil {
			out[id] = "error: " + err.Error()
			continue
		}
		out[id] = resp.GetStatus().String()
	}
	return out
}
