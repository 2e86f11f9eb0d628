package relay

import (
	"context"
	"errors"

	"github.com/mbd888/replikanto/internal/deviceid"
	"github.com/mbd888/replikanto/internal/directory"
	"github.com/mbd888/replikanto/internal/identity"
	"github.com/mbd888/replikanto/internal/license"
	"github.com/mbd888/replikanto/internal/realtime"
)

// Connect headers.
const (
	HeaderMachineID    = "Machine-Id"
	HeaderOldMachineID = "Old-Machine-Id"
	HeaderVersion      = "Replikanto-Version"
	HeaderProduct      = "Product-Name"
)

var (
	ErrBlacklisted      = errors.New("machine id is blacklisted")
	ErrSignatureMissing = errors.New("unsigned machine id refused for this license")
)

// Admit is the connect gate. It implements realtime.Admitter; the endpoint
// returned is registered by the hub's connect event.
func (s *Service) Admit(ctx context.Context, req realtime.ConnectRequest) (directory.Endpoint, error) {
	id, err := deviceid.Parse(req.Headers.Get(HeaderMachineID))
	if err != nil {
		return directory.Endpoint{}, err
	}
	if s.blacklisted(id.String()) {
		return directory.Endpoint{}, ErrBlacklisted
	}

	version := req.Headers.Get(HeaderVersion)
	kind := license.Unknown
	if s.License != nil {
		kind = s.License.CheckLicense(ctx, id, req.Headers.Get(HeaderProduct))
	}
	s.logger.Info("license checked", "machine_id", id.String(), "license", string(kind), "replikanto_version", version)
	if license.RejectsUnsigned(kind, version, id) {
		return directory.Endpoint{}, ErrSignatureMissing
	}

	res, err := s.Identity.Resolve(ctx, identity.ResolveRequest{
		DeviceID:         id.String(),
		PreviousDeviceID: req.Headers.Get(HeaderOldMachineID),
	})
	if err != nil {
		return directory.Endpoint{}, err
	}

	return directory.Endpoint{
		Handle:          req.Handle,
		Region:          req.Region,
		ProtocolVersion: version,
		DeviceID:        id.String(),
		SubscriberID:    res.SubscriberID,
		License:         string(kind),
		CreatedAt:       req.ConnectedAt,
	}, nil
}
