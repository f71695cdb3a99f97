// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration

import (
	"context"

	"github.com/juju/errors"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
	"github.com/amineammari/vm-migrator/internal/vmware"
)

// InventoryRefresher re-lists every configured source and upserts
// what it finds, so the inventory the API serves reflects the sources
// without a migration job having to touch each VM.
type InventoryRefresher struct {
	store   Store
	clients map[coremigration.Source]vmware.Client
}

// NewInventoryRefresher returns a refresher over the given clients.
func NewInventoryRefresher(store Store, clients map[coremigration.Source]vmware.Client) (*InventoryRefresher, error) {
	if store == nil {
		return nil, errors.NotValidf("nil store")
	}
	if len(clients) == 0 {
		return nil, errors.NotValidf("no source clients")
	}
	return &InventoryRefresher{store: store, clients: clients}, nil
}

// RefreshInventory lists all sources. A source that cannot be reached
// fails the refresh; rows from sources already listed are kept.
func (r *InventoryRefresher) RefreshInventory(ctx context.Context) error {
	for source, client := range r.clients {
		vms, err := client.ListVMs(ctx)
		if err != nil {
			return errors.Annotatef(err, "listing vms on %s", source)
		}
		for _, vm := range vms {
			if err := r.store.UpsertDiscoveredVM(ctx, vm); err != nil {
				return errors.Trace(err)
			}
		}
		logger.Infof("inventory refresh: %d vms on %s", len(vms), source)
	}
	return nil
}
