// Package health publishes extension availability over the standard gRPC
// health protocol. Each installed extension is a service named
// "extension/<id>" that reports SERVING while the catalog has it enabled,
// so load balancers and probes can see auto-disables without reading the
// catalog.
package health

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/toolink/extgov/catalog"
	"github.com/toolink/extgov/meta"
)

// ServicePrefix prefixes every extension's health service name.
const ServicePrefix = "extension/"

// ServiceName returns the health service name for extension id.
func ServiceName(id string) string { return ServicePrefix + id }

// Catalog wraps a catalog and mirrors every successful write into a gRPC
// health server. Reads pass through unchanged.
type Catalog struct {
	catalog.Catalog
	srv *grpchealth.Server
}

var _ catalog.Catalog = (*Catalog)(nil)

// NewCatalog wraps c. Call Sync once to publish records written before the
// wrapper existed.
func NewCatalog(c catalog.Catalog, srv *grpchealth.Server) *Catalog {
	return &Catalog{Catalog: c, srv: srv}
}

// Server returns the health server being updated.
func (c *Catalog) Server() *grpchealth.Server { return c.srv }

func (c *Catalog) Register(ctx context.Context, desc meta.Descriptor) error {
	if err := c.Catalog.Register(ctx, desc); err != nil {
		return err
	}
	c.set(desc.ID, healthpb.HealthCheckResponse_NOT_SERVING)
	return nil
}

func (c *Catalog) Unregister(ctx context.Context, id string) error {
	if err := c.Catalog.Unregister(ctx, id); err != nil {
		return err
	}
	c.set(id, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
	return nil
}

func (c *Catalog) Enable(ctx context.Context, id string) error {
	if err := c.Catalog.Enable(ctx, id); err != nil {
		return err
	}
	c.set(id, healthpb.HealthCheckResponse_SERVING)
	return nil
}

func (c *Catalog) Disable(ctx context.Context, id, reason string) error {
	if err := c.Catalog.Disable(ctx, id, reason); err != nil {
		return err
	}
	c.set(id, healthpb.HealthCheckResponse_NOT_SERVING)
	return nil
}

// Sync publishes the current status of every catalog record.
func (c *Catalog) Sync(ctx context.Context) error {
	records, err := c.Catalog.List(ctx)
	if err != nil {
		return fmt.Errorf("health: listing catalog: %w", err)
	}
	for _, rec := range records {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if rec.Enabled {
			status = healthpb.HealthCheckResponse_SERVING
		}
		c.set(rec.Descriptor.ID, status)
	}
	log.Debug().Int("extensions", len(records)).Msg("health status synced from catalog")
	return nil
}

func (c *Catalog) set(id string, status healthpb.HealthCheckResponse_ServingStatus) {
	c.srv.SetServingStatus(ServiceName(id), status)
}
