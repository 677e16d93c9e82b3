// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package allocator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"git.clover.dev/clover.git/lib/ctrlctx"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PGStore is a Store backed by the PostgreSQL inventory tables.
type PGStore struct {
	getdb func(context.Context) (*sqlx.DB, error)
}

// NewPGStore returns a Store that uses db.
func NewPGStore(db *sqlx.DB) *PGStore {
	return &PGStore{getdb: func(context.Context) (*sqlx.DB, error) { return db, nil }}
}

// Candidate hosts with aggregate storage, address, GPU, and
// provisioning counts. Every filter is a parameter, and an empty
// array disables the corresponding filter.
const candidateHostsSQL = `
with total_ipv4 as (
  select routed_to_host_id, round(sum(power(2, 32 - masklen(cidr))))::integer as total_ipv4
  from address
  where family(cidr) = 4
  group by routed_to_host_id
), used_ipv4 as (
  select address.routed_to_host_id, count(assigned_vm_address.id) + 1 as used_ipv4
  from address
  left join assigned_vm_address on assigned_vm_address.address_id = address.id
  group by address.routed_to_host_id
), storage_devices as (
  select vm_host_id,
    count(*) as num_storage_devices,
    sum(available_storage_gib) as available_storage_gib,
    sum(total_storage_gib) as total_storage_gib,
    json_agg(json_build_object('id', id, 'total_storage_gib', total_storage_gib, 'available_storage_gib', available_storage_gib)
      order by available_storage_gib) as storage_devices
  from storage_device
  where enabled
  group by vm_host_id
  having sum(available_storage_gib) >= $1 and count(*) >= $2
), gpus as (
  select vm_host_id,
    count(*) as num_gpus,
    sum(case when vm_id is null then 1 else 0 end) as available_gpus,
    array_remove(array_agg(case when vm_id is null then iommu_group end order by iommu_group), null) as available_iommu_groups
  from pci_device
  where device_class in ('0300', '0302')
  group by vm_host_id
), vm_provisioning as (
  select vm_host_id, count(*) as vm_provisioning_count
  from vm
  where display_state = 'creating' and vm_host_id is not null
  group by vm_host_id
)
select vm_host.id as vm_host_id,
  vm_host.location, vm_host.arch, vm_host.allocation_state,
  total_cores, used_cores, total_memory_gib, used_memory_gib,
  storage_devices.total_storage_gib, storage_devices.available_storage_gib, storage_devices.storage_devices,
  total_ipv4, used_ipv4,
  coalesce(num_gpus, 0) as num_gpus,
  coalesce(available_gpus, 0) as available_gpus,
  coalesce(available_iommu_groups, '{}') as available_iommu_groups,
  coalesce(vm_provisioning_count, 0) as vm_provisioning_count
from vm_host
join storage_devices on storage_devices.vm_host_id = vm_host.id
join total_ipv4 on total_ipv4.routed_to_host_id = vm_host.id
join used_ipv4 on used_ipv4.routed_to_host_id = vm_host.id
left join gpus on gpus.vm_host_id = vm_host.id
left join vm_provisioning on vm_provisioning.vm_host_id = vm_host.id
where vm_host.arch = $3
  and total_cores - used_cores >= $4
  and total_memory_gib - used_memory_gib >= $5
  and exists (select 1 from boot_image
    where boot_image.vm_host_id = vm_host.id and boot_image.name = $6 and boot_image.activated_at is not null)
  and not exists (select 1 from unnest($7::text[]) as image(name)
    where not exists (select 1 from boot_image
      where boot_image.vm_host_id = vm_host.id and boot_image.name = image.name and boot_image.activated_at is not null))
  and (not $8 or used_ipv4 < total_ipv4)
  and coalesce(available_gpus, 0) >= $9
  and (cardinality($10::uuid[]) = 0 or vm_host.id = any($10::uuid[]))
  and not (vm_host.id = any($11::uuid[]))
  and (cardinality($12::text[]) = 0 or vm_host.location = any($12::text[]))
  and (cardinality($13::text[]) = 0 or vm_host.allocation_state = any($13::text[]))
order by vm_host.id`

type candidateRow struct {
	HostID               string        `db:"vm_host_id"`
	Location             string        `db:"location"`
	Arch                 string        `db:"arch"`
	AllocationState      string        `db:"allocation_state"`
	TotalCores           int           `db:"total_cores"`
	UsedCores            int           `db:"used_cores"`
	TotalMemoryGiB       int           `db:"total_memory_gib"`
	UsedMemoryGiB        int           `db:"used_memory_gib"`
	TotalStorageGiB      int           `db:"total_storage_gib"`
	AvailableStorageGiB  int           `db:"available_storage_gib"`
	StorageDevices       []byte        `db:"storage_devices"`
	TotalIPv4            int           `db:"total_ipv4"`
	UsedIPv4             int           `db:"used_ipv4"`
	NumGPUs              int           `db:"num_gpus"`
	AvailableGPUs        int           `db:"available_gpus"`
	AvailableIOMMUGroups pq.Int64Array `db:"available_iommu_groups"`
	ProvisioningCount    int           `db:"vm_provisioning_count"`
}

func (st *PGStore) CandidateHosts(ctx context.Context, req *Request) ([]Candidate, error) {
	db, err := st.getdb(ctx)
	if err != nil {
		return nil, err
	}
	var rows []candidateRow
	err = db.SelectContext(ctx, &rows, candidateHostsSQL,
		req.StorageGiB,
		req.MinStorageDevices(),
		req.Arch,
		req.Cores,
		req.MemoryGiB,
		req.BootImage,
		pq.Array(req.ImageNames()),
		req.RequireIPv4,
		req.GPUCount,
		pq.Array(nonNil(req.HostFilter)),
		pq.Array(nonNil(req.HostExclusionFilter)),
		pq.Array(nonNil(req.LocationFilter)),
		pq.Array(nonNil(req.AllocationStateFilter)))
	if err != nil {
		return nil, err
	}
	candidates := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		c := Candidate{
			HostID:              row.HostID,
			Location:            row.Location,
			Arch:                row.Arch,
			AllocationState:     row.AllocationState,
			TotalCores:          row.TotalCores,
			UsedCores:           row.UsedCores,
			TotalMemoryGiB:      row.TotalMemoryGiB,
			UsedMemoryGiB:       row.UsedMemoryGiB,
			TotalStorageGiB:     row.TotalStorageGiB,
			AvailableStorageGiB: row.AvailableStorageGiB,
			TotalIPv4:           row.TotalIPv4,
			UsedIPv4:            row.UsedIPv4,
			NumGPUs:             row.NumGPUs,
			AvailableGPUs:       row.AvailableGPUs,
			ProvisioningCount:   row.ProvisioningCount,
		}
		if err := json.Unmarshal(row.StorageDevices, &c.StorageDevices); err != nil {
			return nil, fmt.Errorf("host %s: decoding storage devices: %w", row.HostID, err)
		}
		for _, g := range row.AvailableIOMMUGroups {
			c.AvailableIOMMUGroups = append(c.AvailableIOMMUGroups, int(g))
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// VM returns the placement requirements of the VM with the given
// ID.
func (st *PGStore) VM(ctx context.Context, id string) (VM, error) {
	db, err := st.getdb(ctx)
	if err != nil {
		return VM{}, err
	}
	var row struct {
		ID          string    `db:"id"`
		Name        string    `db:"name"`
		Cores       int       `db:"cores"`
		MemoryGiB   int       `db:"memory_gib"`
		Arch        string    `db:"arch"`
		BootImage   string    `db:"boot_image"`
		IPv4Enabled bool      `db:"ip4_enabled"`
		CreatedAt   time.Time `db:"created_at"`
	}
	err = db.GetContext(ctx, &row, `
select id, name, cores, memory_gib, arch, boot_image, ip4_enabled, created_at
 from vm where id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return VM{}, fmt.Errorf("vm %s does not exist", id)
	} else if err != nil {
		return VM{}, err
	}
	return VM{
		ID:          row.ID,
		InhostName:  row.Name,
		Cores:       row.Cores,
		MemoryGiB:   row.MemoryGiB,
		Arch:        row.Arch,
		BootImage:   row.BootImage,
		IPv4Enabled: row.IPv4Enabled,
		CreatedAt:   row.CreatedAt,
	}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Transaction runs fn in a database transaction carried by the
// context passed to fn.
func (st *PGStore) Transaction(ctx context.Context, fn func(context.Context, StoreTx) error) error {
	return ctrlctx.Transaction(ctx, st.getdb, func(ctx context.Context) error {
		return fn(ctx, pgTx{})
	})
}

// pgTx implements StoreTx using the transaction in the context.
type pgTx struct{}

func (pgTx) AssignIPv4(ctx context.Context, hostID, vmID string) (netip.Prefix, error) {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return netip.Prefix{}, err
	}
	var row struct {
		IP        string `db:"ip"`
		AddressID string `db:"address_id"`
	}
	err = tx.GetContext(ctx, &row, `
select host(ipv4_address.ip) as ip, address.id as address_id
 from ipv4_address
 join address on address.cidr = ipv4_address.cidr
 where address.routed_to_host_id = $1
 and not exists (select 1 from assigned_vm_address where assigned_vm_address.ip = ipv4_address.ip)
 order by random()
 limit 1
 for update of ipv4_address skip locked`, hostID)
	if errors.Is(err, sql.ErrNoRows) {
		return netip.Prefix{}, ErrNoIPv4
	} else if err != nil {
		return netip.Prefix{}, err
	}
	addr, err := netip.ParseAddr(row.IP)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("ipv4_address %q: %w", row.IP, err)
	}
	ip4 := netip.PrefixFrom(addr, 32)
	_, err = tx.ExecContext(ctx, `
insert into assigned_vm_address (id, ip, address_id, dst_vm_id)
 values ($1, $2, $3, $4)`, uuid.NewString(), ip4.String(), row.AddressID, vmID)
	if isUniqueViolation(err) {
		return netip.Prefix{}, fmt.Errorf("ip %s: %w", ip4, ErrConcurrentAllocation)
	}
	return ip4, err
}

func (pgTx) HostNet6(ctx context.Context, hostID string) (netip.Prefix, bool, error) {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return netip.Prefix{}, false, err
	}
	var net6 sql.NullString
	err = tx.GetContext(ctx, &net6, `select net6 from vm_host where id = $1`, hostID)
	if err != nil || !net6.Valid {
		return netip.Prefix{}, false, err
	}
	prefix, err := netip.ParsePrefix(net6.String)
	if err != nil {
		return netip.Prefix{}, false, fmt.Errorf("host %s: net6 %q: %w", hostID, net6.String, err)
	}
	return prefix, true, nil
}

func (pgTx) LocalVethAddrs(ctx context.Context, hostID string) ([]netip.Addr, error) {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return nil, err
	}
	var strs []string
	err = tx.SelectContext(ctx, &strs, `
select local_vetho_ip from vm
 where vm_host_id = $1 and local_vetho_ip is not null`, hostID)
	if err != nil {
		return nil, err
	}
	var addrs []netip.Addr
	for _, s := range strs {
		if prefix, err := netip.ParsePrefix(s); err == nil {
			addrs = append(addrs, prefix.Addr())
		} else if addr, err := netip.ParseAddr(s); err == nil {
			addrs = append(addrs, addr)
		}
	}
	return addrs, nil
}

func (pgTx) PlaceVM(ctx context.Context, p *Placement) error {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return err
	}
	var net6 sql.NullString
	if p.EphemeralNet6.IsValid() {
		net6 = sql.NullString{String: p.EphemeralNet6.String(), Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
update vm
 set vm_host_id = $2, cores = $3, ephemeral_net6 = $4, local_vetho_ip = $5, allocated_at = $6
 where id = $1`, p.VMID, p.HostID, p.Cores, net6, p.LocalVethIP.String(), p.AllocatedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("vm %s does not exist", p.VMID)
	}
	return nil
}

func (pgTx) AddHostUsage(ctx context.Context, hostID string, cores, memoryGiB int) error {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
update vm_host
 set used_cores = used_cores + $2, used_memory_gib = used_memory_gib + $3
 where id = $1
 and used_cores + $2 <= total_cores
 and used_memory_gib + $3 <= total_memory_gib`, hostID, cores, memoryGiB)
	return requireRow(res, err)
}

func (pgTx) AddDeviceUsage(ctx context.Context, deviceID string, gib int) error {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
update storage_device
 set available_storage_gib = available_storage_gib - $2
 where id = $1 and available_storage_gib >= $2`, deviceID, gib)
	return requireRow(res, err)
}

// requireRow returns ErrConcurrentAllocation if a guarded update
// matched no rows.
func requireRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConcurrentAllocation
	}
	return nil
}

func (pgTx) ActiveBootImage(ctx context.Context, hostID, name string) (string, error) {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return "", err
	}
	var id string
	err = tx.GetContext(ctx, &id, `
select id from boot_image
 where vm_host_id = $1 and name = $2 and activated_at is not null
 order by version desc nulls last
 limit 1`, hostID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.New("no activated version")
	}
	return id, err
}

func (pgTx) StorageEngines(ctx context.Context, hostID string) ([]StorageEngine, error) {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return nil, err
	}
	var engines []StorageEngine
	err = tx.SelectContext(ctx, &engines, `
select id, version, allocation_weight from spdk_installation
 where vm_host_id = $1
 order by id`, hostID)
	return engines, err
}

func (pgTx) CreateKeyEncryptionKey(ctx context.Context, kek *KeyEncryptionKey) error {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
insert into storage_key_encryption_key (id, algorithm, key, init_vector, auth_data)
 values ($1, $2, $3, $4, $5)`, kek.ID, kek.Algorithm, kek.Key, kek.InitVector, kek.AuthData)
	return err
}

func (pgTx) CreateVolume(ctx context.Context, vol *Volume) error {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
insert into vm_storage_volume (id, vm_id, boot, size_gib, disk_index, storage_device_id, spdk_installation_id,
  boot_image_id, key_encryption_key_1_id, skip_sync, max_ios_per_sec, max_read_mbytes_per_sec, max_write_mbytes_per_sec)
 values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		vol.ID, vol.VMID, vol.Boot, vol.SizeGiB, vol.DiskIndex, vol.StorageDeviceID, nullString(vol.StorageEngineID),
		nullString(vol.BootImageID), nullString(vol.KeyEncryptionKeyID), vol.SkipSync,
		nullInt(vol.MaxIOPS), nullInt(vol.MaxReadMBps), nullInt(vol.MaxWriteMBps))
	return err
}

func (pgTx) ClaimGPUs(ctx context.Context, hostID, vmID string, iommuGroups []int) (int, error) {
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return 0, err
	}
	groups := make(pq.Int64Array, len(iommuGroups))
	for i, g := range iommuGroups {
		groups[i] = int64(g)
	}
	res, err := tx.ExecContext(ctx, `
update pci_device set vm_id = $3
 where vm_host_id = $1 and vm_id is null and iommu_group = any($2::integer[])`, hostID, groups, vmID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}

func isUniqueViolation(err error) bool {
	var pqerr *pq.Error
	return errors.As(err, &pqerr) && pqerr.Code == "23505"
}
