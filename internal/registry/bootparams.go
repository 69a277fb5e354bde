package registry

import (
	"context"

	"github.com/google/uuid"

	"github.com/fleetwise-io/fleetwise/internal/db"
)

// BootParams is the resolved boot configuration handed to a PXE-booting
// node: the server-specific values merged over the baseline defaults, with
// the deployment's broker location and the node hostname injected.
type BootParams struct {
	Platform       string            `json:"platform"`
	KernelArgs     map[string]string `json:"kernel_args"`
	KernelFlags    map[string]string `json:"kernel_flags"`
	BootModules    []string          `json:"boot_modules"`
	DefaultConsole string            `json:"default_console"`
	Serial         string            `json:"serial"`
}

// BootConfig is the admin-settable portion of a server's boot
// configuration, accepted by SetBootParams and UpdateBootParams.
type BootConfig struct {
	Platform       *string           `json:"platform,omitempty"`
	KernelArgs     map[string]string `json:"kernel_args,omitempty"`
	KernelFlags    map[string]string `json:"kernel_flags,omitempty"`
	BootModules    []string          `json:"boot_modules,omitempty"`
	DefaultConsole *string           `json:"default_console,omitempty"`
	Serial         *string           `json:"serial,omitempty"`
}

// GetBootParams resolves the effective boot configuration for a server.
// kernel_args is the server's boot_params laid over the defaults record's,
// plus the mandatory injected keys (rabbitmq, rabbitmq_dns, hostname) a
// node needs to find its way home after boot.
func (r *Registry) GetBootParams(ctx context.Context, id uuid.UUID) (*BootParams, error) {
	server, err := r.servers.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	defaults, err := r.servers.GetDefaults(ctx)
	if err != nil {
		return nil, err
	}

	kernelArgs := copyStringMap(defaults.BootParams)
	for k, v := range server.BootParams {
		kernelArgs[k] = v
	}
	kernelArgs["rabbitmq"] = r.cfg.RabbitMQParam
	if r.cfg.RabbitMQDNSParam != "" {
		kernelArgs["rabbitmq_dns"] = r.cfg.RabbitMQDNSParam
	}
	kernelArgs["hostname"] = server.Hostname

	kernelFlags := copyStringMap(defaults.KernelFlags)
	for k, v := range server.KernelFlags {
		kernelFlags[k] = v
	}

	platform := server.BootPlatform
	if platform == "" {
		platform = defaults.BootPlatform
	}
	modules := server.BootModules
	if len(modules) == 0 {
		modules = defaults.BootModules
	}
	console := server.DefaultConsole
	if console == "" {
		console = defaults.DefaultConsole
	}
	serial := server.Serial
	if serial == "" {
		serial = defaults.Serial
	}

	return &BootParams{
		Platform:       platform,
		KernelArgs:     kernelArgs,
		KernelFlags:    kernelFlags,
		BootModules:    modules,
		DefaultConsole: console,
		Serial:         serial,
	}, nil
}

// SetBootParams fully replaces the server's boot configuration. Fields
// absent from cfg are reset, not preserved — use UpdateBootParams for a
// merge.
func (r *Registry) SetBootParams(ctx context.Context, id uuid.UUID, cfg BootConfig) error {
	_, err := r.Modify(ctx, id, func(s *db.Server) error {
		s.BootParams = copyStringMap(cfg.KernelArgs)
		s.KernelFlags = copyStringMap(cfg.KernelFlags)
		s.BootModules = append([]string(nil), cfg.BootModules...)
		if cfg.Platform != nil {
			s.BootPlatform = *cfg.Platform
		}
		if cfg.DefaultConsole != nil {
			s.DefaultConsole = *cfg.DefaultConsole
		}
		if cfg.Serial != nil {
			s.Serial = *cfg.Serial
		}
		return nil
	})
	return err
}

// UpdateBootParams deep-merges cfg into the server's boot configuration
// at the top-level-key granularity: provided kernel_args and kernel_flags
// keys are added or overwritten, everything else is preserved.
func (r *Registry) UpdateBootParams(ctx context.Context, id uuid.UUID, cfg BootConfig) error {
	_, err := r.Modify(ctx, id, func(s *db.Server) error {
		if s.BootParams == nil {
			s.BootParams = map[string]string{}
		}
		for k, v := range cfg.KernelArgs {
			s.BootParams[k] = v
		}
		if s.KernelFlags == nil {
			s.KernelFlags = map[string]string{}
		}
		for k, v := range cfg.KernelFlags {
			s.KernelFlags[k] = v
		}
		if len(cfg.BootModules) > 0 {
			s.BootModules = append([]string(nil), cfg.BootModules...)
		}
		if cfg.Platform != nil {
			s.BootPlatform = *cfg.Platform
		}
		if cfg.DefaultConsole != nil {
			s.DefaultConsole = *cfg.DefaultConsole
		}
		if cfg.Serial != nil {
			s.Serial = *cfg.Serial
		}
		return nil
	})
	return err
}

// GetDefaultBootParams returns the baseline boot configuration record.
func (r *Registry) GetDefaultBootParams(ctx context.Context) (*BootParams, error) {
	defaults, err := r.servers.GetDefaults(ctx)
	if err != nil {
		return nil, err
	}
	kernelArgs := copyStringMap(defaults.BootParams)
	kernelArgs["rabbitmq"] = r.cfg.RabbitMQParam
	if r.cfg.RabbitMQDNSParam != "" {
		kernelArgs["rabbitmq_dns"] = r.cfg.RabbitMQDNSParam
	}
	return &BootParams{
		Platform:       defaults.BootPlatform,
		KernelArgs:     kernelArgs,
		KernelFlags:    defaults.KernelFlags,
		BootModules:    defaults.BootModules,
		DefaultConsole: defaults.DefaultConsole,
		Serial:         defaults.Serial,
	}, nil
}

// SetDefaultBootParams replaces the baseline boot configuration record.
func (r *Registry) SetDefaultBootParams(ctx context.Context, cfg BootConfig) error {
	defaults, err := r.servers.GetDefaults(ctx)
	if err != nil {
		return err
	}
	defaults.BootParams = copyStringMap(cfg.KernelArgs)
	defaults.KernelFlags = copyStringMap(cfg.KernelFlags)
	defaults.BootModules = append([]string(nil), cfg.BootModules...)
	if cfg.Platform != nil {
		defaults.BootPlatform = *cfg.Platform
	}
	if cfg.DefaultConsole != nil {
		defaults.DefaultConsole = *cfg.DefaultConsole
	}
	if cfg.Serial != nil {
		defaults.Serial = *cfg.Serial
	}
	return r.servers.SaveDefaults(ctx, defaults)
}

// UpdateDefaultBootParams merges cfg into the baseline defaults record.
func (r *Registry) UpdateDefaultBootParams(ctx context.Context, cfg BootConfig) error {
	defaults, err := r.servers.GetDefaults(ctx)
	if err != nil {
		return err
	}
	if defaults.BootParams == nil {
		defaults.BootParams = map[string]string{}
	}
	for k, v := range cfg.KernelArgs {
		defaults.BootParams[k] = v
	}
	if defaults.KernelFlags == nil {
		defaults.KernelFlags = map[string]string{}
	}
	for k, v := range cfg.KernelFlags {
		defaults.KernelFlags[k] = v
	}
	if len(cfg.BootModules) > 0 {
		defaults.BootModules = append([]string(nil), cfg.BootModules...)
	}
	if cfg.Platform != nil {
		defaults.BootPlatform = *cfg.Platform
	}
	if cfg.DefaultConsole != nil {
		defaults.DefaultConsole = *cfg.DefaultConsole
	}
	if cfg.Serial != nil {
		defaults.Serial = *cfg.Serial
	}
	return r.servers.SaveDefaults(ctx, defaults)
}
