// Package activation tracks running client instances per device so that a
// signed device id is only active on one computer at a time.
package activation

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/replikanto/internal/deviceid"
	"github.com/mbd888/replikanto/internal/logging"
	"github.com/mbd888/replikanto/internal/retry"
)

const (
	StatusActive   = "active"
	StatusInvalid  = "invalid"
	StatusDisabled = "disabled"
)

// MsgSingleComputer is shown to a signed device already active elsewhere.
// The client substitutes {0} with its support address.
const MsgSingleComputer = "This product is licensed for use on a single computer only, another Replikanto is already activated with this machine id. To be able to use it, close all others. You can ask for help by email {0}."

var (
	ErrMissingHash = errors.New("deactivation without hash")
	ErrNoSeed      = errors.New("missing instance seed")
)

// Instance is one running client.
type Instance struct {
	ID            string    `json:"id"`
	DeviceID      string    `json:"machine_id"`
	IP            string    `json:"ip"`
	ExpiresAt     time.Time `json:"ttl"`
	HasDuplicates bool      `json:"has_duplicates,omitempty"`
}

// Store keeps instances until they expire.
type Store interface {
	// Instances returns the unexpired instances of a device, oldest expiry
	// first.
	Instances(ctx context.Context, deviceID string, now time.Time) ([]Instance, error)
	Put(ctx context.Context, inst Instance) error
	Delete(ctx context.Context, deviceID, id string) error
}

type ActivateRequest struct {
	DeviceID string
	Seed     string
	IP       string
}

type ActivateResponse struct {
	Status   string `json:"status"`
	Hash     string `json:"hash"`
	Msg      string `json:"msg"`
	Interval int64  `json:"interval"`
}

type DeactivateRequest struct {
	DeviceID string
	Hash     string
	Version  string
}

type DeactivateResponse struct {
	Status string `json:"status"`
}

// Registry answers activation heartbeats.
type Registry struct {
	store    Store
	key      []byte
	interval int64
	clock    retry.Clock
	logger   *slog.Logger
}

// NewRegistry creates a registry. interval is the heartbeat period in
// minutes; an instance expires one interval after its last heartbeat.
func NewRegistry(store Store, hmacKey string, interval int64, clock retry.Clock, logger *slog.Logger) *Registry {
	if interval <= 0 {
		interval = 5
	}
	if clock == nil {
		clock = retry.RealClock{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{store: store, key: []byte(hmacKey), interval: interval, clock: clock, logger: logger}
}

// Activate records the heartbeat of one instance. Another live instance of
// the same device from a different address makes a signed device invalid;
// unsigned devices are recorded with a duplicate mark. Store failures are
// logged and the instance is reported active.
func (r *Registry) Activate(ctx context.Context, req ActivateRequest) (ActivateResponse, error) {
	id, err := deviceid.Parse(req.DeviceID)
	if err != nil {
		return ActivateResponse{}, err
	}
	if req.Seed == "" {
		return ActivateResponse{}, ErrNoSeed
	}
	device := id.String()

	now := r.clock.Now()
	inst := Instance{
		ID:        req.Seed,
		DeviceID:  device,
		IP:        req.IP,
		ExpiresAt: now.Add(time.Duration(r.interval) * time.Minute),
	}

	status, msg := StatusActive, ""
	others, err := r.othersLive(ctx, device, req.IP, now)
	switch {
	case err != nil:
		r.logger.Warn("unable to read active instances", "machine_id", device, "error", err)
	case others > 0 && id.IsSigned():
		r.logger.Info("activation refused, instances already open", "machine_id", device, "instances", others)
		status, msg = StatusInvalid, MsgSingleComputer
	default:
		inst.HasDuplicates = others > 0
		if err := r.store.Put(ctx, inst); err != nil {
			r.logger.Warn("unable to record active instance", "machine_id", device, "error", err)
		}
	}

	return ActivateResponse{
		Status:   status,
		Hash:     r.sign(fmt.Sprintf("%s:%s:%s:%d", device, req.Seed, status, r.interval)),
		Msg:      msg,
		Interval: r.interval,
	}, nil
}

func (r *Registry) othersLive(ctx context.Context, device, ip string, now time.Time) (int, error) {
	insts, err := r.store.Instances(ctx, device, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, in := range insts {
		if in.IP != ip {
			n++
		}
	}
	return n, nil
}

// Deactivate releases an instance. With a hash, the newest instance whose
// InstanceHash matches is removed. Without one, clients older than 1.4.1.1
// release their newest instance and newer clients are refused. The answer
// is always disabled.
func (r *Registry) Deactivate(ctx context.Context, req DeactivateRequest) (DeactivateResponse, error) {
	id, err := deviceid.Parse(req.DeviceID)
	if err != nil {
		return DeactivateResponse{}, err
	}
	device := id.String()
	resp := DeactivateResponse{Status: StatusDisabled}

	if err := r.release(ctx, device, req); err != nil {
		r.logger.Warn("unable to release active instance", "machine_id", device, "error", err)
	}
	return resp, nil
}

func (r *Registry) release(ctx context.Context, device string, req DeactivateRequest) error {
	insts, err := r.store.Instances(ctx, device, r.clock.Now())
	if err != nil || len(insts) == 0 {
		return err
	}

	if req.Hash == "" {
		if deviceid.AtLeast(req.Version, deviceid.Version{1, 4, 1, 1}) {
			return ErrMissingHash
		}
		return r.store.Delete(ctx, device, insts[len(insts)-1].ID)
	}

	for i := len(insts) - 1; i >= 0; i-- {
		if hmac.Equal([]byte(r.InstanceHash(device, insts[i].ID)), []byte(req.Hash)) {
			return r.store.Delete(ctx, device, insts[i].ID)
		}
	}
	return nil
}

// InstanceHash is the token a client presents to release instance id.
func (r *Registry) InstanceHash(device, id string) string {
	return r.sign(device + ":" + id)
}

func (r *Registry) sign(s string) string {
	mac := hmac.New(sha256.New, r.key)
	mac.Write([]byte(s))
	return hex.EncodeToString(mac.Sum(nil))
}
