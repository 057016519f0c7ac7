package artifact

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v3/disk"
)

// DiskUsage is the subset of filesystem usage reported by /health/storage.
type DiskUsage struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

type usageFunc func(ctx context.Context, path string) (*DiskUsage, error)

func diskUsage(ctx context.Context, path string) (*DiskUsage, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return nil, err
	}
	return &DiskUsage{
		Path:        u.Path,
		TotalBytes:  u.Total,
		FreeBytes:   u.Free,
		UsedPercent: u.UsedPercent,
	}, nil
}

// HealthHandler reports free space on the volume holding dir. Below
// minFreeBytes the store is reported unhealthy, since uploads will start
// failing.
func HealthHandler(dir string, minFreeBytes uint64) echo.HandlerFunc {
	return healthHandler(dir, minFreeBytes, diskUsage)
}

func healthHandler(dir string, minFreeBytes uint64, usage usageFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		u, err := usage(ctx, dir)
		if err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		if u.FreeBytes < minFreeBytes {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  "artifact volume is low on space",
				"disk":   u,
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"disk":   u,
		})
	}
}
