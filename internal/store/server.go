package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetwise-io/fleetwise/internal/db"
)

// gormServerRepository is the GORM implementation of ServerRepository.
type gormServerRepository struct {
	db *gorm.DB
}

// NewServerRepository returns a ServerRepository backed by the provided *gorm.DB.
func NewServerRepository(db *gorm.DB) ServerRepository {
	return &gormServerRepository{db: db}
}

// newEtag generates a fresh opaque version token. UUID v4 gives enough
// entropy that two concurrent writers can never mint the same token.
func newEtag() string {
	return uuid.NewString()
}

// Create inserts a new server record with a fresh etag.
func (r *gormServerRepository) Create(ctx context.Context, server *db.Server) error {
	server.Etag = newEtag()
	if err := r.db.WithContext(ctx).Create(server).Error; err != nil {
		return fmt.Errorf("servers: create: %w", err)
	}
	return nil
}

// Get retrieves a server by its UUID. Returns ErrNotFound if no record exists.
func (r *gormServerRepository) Get(ctx context.Context, id uuid.UUID) (*db.Server, error) {
	var server db.Server
	err := r.db.WithContext(ctx).First(&server, "uuid = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("servers: get: %w", err)
	}
	return &server, nil
}

// List returns servers matching the filter, ordered by hostname.
func (r *gormServerRepository) List(ctx context.Context, filter ServerFilter, opts ListOptions) ([]db.Server, error) {
	q := r.db.WithContext(ctx).Model(&db.Server{})

	if len(filter.UUIDs) > 0 {
		q = q.Where("uuid IN ?", filter.UUIDs)
	}
	if filter.Hostname != "" {
		q = q.Where("hostname = ?", filter.Hostname)
	}
	if filter.Setup != nil {
		q = q.Where("setup = ?", *filter.Setup)
	}
	if filter.Reserved != nil {
		q = q.Where("reserved = ?", *filter.Reserved)
	}
	if filter.Headnode != nil {
		q = q.Where("headnode = ?", *filter.Headnode)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}

	var servers []db.Server
	if err := q.Order("hostname ASC").Find(&servers).Error; err != nil {
		return nil, fmt.Errorf("servers: list: %w", err)
	}
	return servers, nil
}

// Put writes all fields of the server conditionally on prevEtag. The update
// is a single statement with the etag in the WHERE clause — zero rows
// affected means either the record vanished or another writer got there
// first, and a follow-up existence check tells the two apart.
func (r *gormServerRepository) Put(ctx context.Context, server *db.Server, prevEtag string) error {
	server.Etag = newEtag()

	result := r.db.WithContext(ctx).
		Model(&db.Server{}).
		Where("uuid = ? AND etag = ?", server.UUID, prevEtag).
		Select("*").
		Omit("uuid", "created_at").
		Updates(server)
	if result.Error != nil {
		return fmt.Errorf("servers: put: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&db.Server{}).
			Where("uuid = ?", server.UUID).Count(&count).Error; err != nil {
			return fmt.Errorf("servers: put existence check: %w", err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// UpdateLiveness updates last_heartbeat, status and the VM inventory slice.
// These fields are last-write-wins and deliberately bypass the etag
// protocol so the 5-second reconciliation loop cannot starve admin writes.
func (r *gormServerRepository) UpdateLiveness(ctx context.Context, id uuid.UUID, lastHeartbeat time.Time, status string, vms map[string]db.VM) error {
	// Struct-based update with an explicit column list so the JSON
	// serializer applies to the vms field.
	columns := []string{"last_heartbeat", "status"}
	if vms != nil {
		columns = append(columns, "vms")
	}
	result := r.db.WithContext(ctx).
		Model(&db.Server{}).
		Where("uuid = ?", id).
		Select(columns).
		Updates(&db.Server{LastHeartbeat: &lastHeartbeat, Status: status, VMs: vms})
	if result.Error != nil {
		return fmt.Errorf("servers: update liveness: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus flips only the status column.
func (r *gormServerRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Server{}).
		Where("uuid = ?", id).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("servers: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a server record permanently.
func (r *gormServerRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Server{}, "uuid = ?", id)
	if result.Error != nil {
		return fmt.Errorf("servers: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Platforms returns the sorted distinct platform versions present across all
// server records, merging current and boot platforms.
func (r *gormServerRepository) Platforms(ctx context.Context) ([]string, error) {
	var current, boot []string
	if err := r.db.WithContext(ctx).Model(&db.Server{}).
		Where("current_platform != ''").
		Distinct("current_platform").
		Pluck("current_platform", &current).Error; err != nil {
		return nil, fmt.Errorf("servers: platforms: %w", err)
	}
	if err := r.db.WithContext(ctx).Model(&db.Server{}).
		Where("boot_platform != ''").
		Distinct("boot_platform").
		Pluck("boot_platform", &boot).Error; err != nil {
		return nil, fmt.Errorf("servers: platforms: %w", err)
	}

	seen := make(map[string]struct{}, len(current)+len(boot))
	var platforms []string
	for _, p := range append(current, boot...) {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)
	return platforms, nil
}

// GetDefaults returns the baseline boot configuration, creating an empty
// record on first access so callers never see ErrNotFound.
func (r *gormServerRepository) GetDefaults(ctx context.Context) (*db.BootDefaults, error) {
	var defaults db.BootDefaults
	err := r.db.WithContext(ctx).First(&defaults, "id = ?", 1).Error
	if err == nil {
		return &defaults, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("servers: get defaults: %w", err)
	}

	defaults = db.BootDefaults{
		ID:             1,
		BootParams:     map[string]string{},
		KernelFlags:    map[string]string{},
		DefaultConsole: "serial",
		Serial:         "ttyb",
	}
	if err := r.db.WithContext(ctx).Create(&defaults).Error; err != nil {
		return nil, fmt.Errorf("servers: seed defaults: %w", err)
	}
	return &defaults, nil
}

// SaveDefaults replaces the baseline boot configuration record.
func (r *gormServerRepository) SaveDefaults(ctx context.Context, defaults *db.BootDefaults) error {
	defaults.ID = 1
	if err := r.db.WithContext(ctx).Save(defaults).Error; err != nil {
		return fmt.Errorf("servers: save defaults: %w", err)
	}
	return nil
}
