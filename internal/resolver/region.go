package resolver

import (
	"context"
	"log/slog"
	"strings"

	"github.com/couchcryptid/er-occupancy-etl/internal/domain"
	"github.com/couchcryptid/er-occupancy-etl/internal/store"
)

// RegionResolver picks the region of a new facility: exact code, then name
// containment, then the default code, then the first region.
type RegionResolver struct {
	defaultCode string
	logger      *slog.Logger
}

// NewRegionResolver creates a RegionResolver falling back to defaultCode.
func NewRegionResolver(defaultCode string, logger *slog.Logger) *RegionResolver {
	if defaultCode == "" {
		defaultCode = domain.DefaultRegionCode
	}
	return &RegionResolver{defaultCode: defaultCode, logger: logger}
}

// Resolve returns the region for code and name. It returns nil, nil only when
// the registry has no region at all.
func (r *RegionResolver) Resolve(ctx context.Context, reg RegionRegistry, code, name string) (*store.Region, error) {
	if code = normalizeCode(code); code != "" {
		region, err := miss(reg.RegionByCode(code))
		if err != nil || region != nil {
			r.logStep(ctx, region, "code", code)
			return region, err
		}
	}

	if key := domain.NormalizeKey(name, true); key != "" {
		region, err := miss(reg.RegionByNameKey(key))
		if err != nil || region != nil {
			r.logStep(ctx, region, "name", name)
			return region, err
		}
	}

	region, err := miss(reg.RegionByCode(r.defaultCode))
	if err != nil || region != nil {
		r.logStep(ctx, region, "default", r.defaultCode)
		return region, err
	}

	region, err = miss(reg.FirstRegion())
	if err != nil {
		return nil, err
	}
	if region == nil {
		r.logger.Warn("no region available", "code", code, "name", name)
		return nil, nil
	}
	r.logStep(ctx, region, "first", region.Code)
	return region, nil
}

func (r *RegionResolver) logStep(ctx context.Context, region *store.Region, step, value string) {
	if region == nil {
		return
	}
	level := slog.LevelDebug
	if step == "default" || step == "first" {
		level = slog.LevelInfo
	}
	r.logger.Log(ctx, level, "region resolved",
		"step", step,
		"value", value,
		"region_code", region.Code,
	)
}

// normalizeCode trims code and left-pads a single digit ("6" -> "06").
func normalizeCode(code string) string {
	code = strings.TrimSpace(code)
	if len(code) == 1 && code[0] >= '0' && code[0] <= '9' {
		return "0" + code
	}
	return code
}
