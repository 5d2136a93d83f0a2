package processor

import (
	"fmt"
	"net/url"

	"github.com/pedrofnts/consumer/internal/domain"
)

const (
	minIntervalFloorMs = 1000
	intervalGapMs      = 1000
)

// SanitizeIntervals floors the minimum at 1000ms and raises the maximum to
// at least min + 1000ms.
func SanitizeIntervals(minMs, maxMs int) (int, int) {
	if minMs < minIntervalFloorMs {
		minMs = minIntervalFloorMs
	}
	if maxMs < minMs+intervalGapMs {
		maxMs = minMs + intervalGapMs
	}
	return minMs, maxMs
}

// ValidateConfig rejects configurations a consumer cannot run with: missing
// or non-http(s) webhook URLs, inverted intervals, malformed business hours.
func ValidateConfig(cfg domain.ConsumerConfig) error {
	if cfg.QueueName == "" {
		return fmt.Errorf("%w: queue name is required", domain.ErrInvalidConfig)
	}

	if cfg.WebhookURL == "" {
		return fmt.Errorf("%w: webhook URL is required", domain.ErrInvalidConfig)
	}
	u, err := url.Parse(cfg.WebhookURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: webhook URL must be an absolute http(s) URL", domain.ErrInvalidConfig)
	}

	minMs, maxMs := SanitizeIntervals(cfg.MinIntervalMs, cfg.MaxIntervalMs)
	if minMs >= maxMs {
		return fmt.Errorf("%w: min interval must be below max interval", domain.ErrInvalidConfig)
	}

	h := cfg.BusinessHours
	if h.StartHour < 0 || h.EndHour > 23 || h.StartHour >= h.EndHour {
		return fmt.Errorf("%w: business hours must satisfy 0 <= start < end <= 23", domain.ErrInvalidConfig)
	}

	return nil
}
