// Package license asks the vendor license service which license a device
// holds. Lookups are best effort: an unreachable or silent vendor yields
// Unknown and never blocks a connection.
package license

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/replikanto/internal/circuitbreaker"
	"github.com/mbd888/replikanto/internal/deviceid"
	"github.com/mbd888/replikanto/internal/logging"
)

// Kind is a license type as reported by the vendor, e.g. "Regular" or
// "Trial".
type Kind string

const (
	Debug   Kind = "DEBUG"
	Regular Kind = "Regular"
	Unknown Kind = "Unknown"
)

// DefaultProduct is used when the client does not name its product.
const DefaultProduct = "Replikanto"

const breakerKey = "license"

var errNoLicense = errors.New("no license type in response")

// Config configures the vendor lookup.
type Config struct {
	URL        string
	Vendor     string
	Password   string
	Timeout    time.Duration
	Production bool
}

// Oracle looks up license types.
type Oracle struct {
	cfg     Config
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// New creates an oracle. The breaker opens after five consecutive vendor
// failures and tries again after a minute.
func New(cfg Config, logger *slog.Logger) *Oracle {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Oracle{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(circuitbreaker.Config{Threshold: 5, Cooldown: time.Minute}),
		logger:  logger,
	}
}

// CheckLicense returns the license kind of id for product. The full id is
// tried first, then its unsigned root.
func (o *Oracle) CheckLicense(ctx context.Context, id deviceid.ID, product string) Kind {
	if !o.cfg.Production {
		return Debug
	}
	if product == "" {
		product = DefaultProduct
	}

	kind, err := o.lookup(ctx, "al", id.String(), product)
	if err == nil {
		return kind
	}
	if !errors.Is(err, errNoLicense) {
		o.logger.Warn("license lookup failed", "machine_id", id.String(), "error", err)
		return Unknown
	}

	kind, err = o.lookup(ctx, "af", id.Raw(), product)
	if err != nil {
		o.logger.Warn("license type undefined", "machine_id", id.String(), "error", err)
		return Unknown
	}
	return kind
}

func (o *Oracle) lookup(ctx context.Context, action, machineID, product string) (Kind, error) {
	var kind Kind
	err := o.breaker.Do(ctx, breakerKey, func(ctx context.Context) error {
		body, err := o.fetch(ctx, action, machineID, product)
		if err != nil {
			return err
		}
		kind = parseKind(body)
		return nil
	})
	if err != nil {
		return Unknown, err
	}
	if kind == "" {
		return Unknown, errNoLicense
	}
	return kind, nil
}

func (o *Oracle) fetch(ctx context.Context, action, machineID, product string) (string, error) {
	q := url.Values{}
	q.Set("ac", action)
	q.Set("vd", o.cfg.Vendor)
	q.Set("pw", o.cfg.Password)
	q.Set("md", product)
	q.Set("mc", machineID)

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.URL+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to query vendor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vendor returned status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("failed to read vendor response: %w", err)
	}
	return string(b), nil
}

func parseKind(body string) Kind {
	_, rest, ok := strings.Cut(body, "<LicenseType>")
	if !ok {
		return ""
	}
	v, _, ok := strings.Cut(rest, "</LicenseType>")
	if !ok {
		return ""
	}
	return Kind(strings.TrimSpace(v))
}

// RejectsUnsigned reports whether a client must connect with a signed id:
// Regular licenses on client 1.4.1 or newer.
func RejectsUnsigned(kind Kind, version string, id deviceid.ID) bool {
	return kind == Regular && !id.IsSigned() && deviceid.AtLeast(version, deviceid.Version{1, 4, 1, 0})
}
