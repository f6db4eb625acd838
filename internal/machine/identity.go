package machine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/denisbrodbeck/machineid"

	"github.com/TheMichaelB/offliner/internal/models"
)

// Identity sources accepted by NewIdentityProvider.
const (
	IdentityMAC    = "mac"
	IdentityHost   = "host"
	IdentityStatic = "static"
)

// IdentityProvider determines the id of the machine the process runs on.
type IdentityProvider interface {
	MachineID(ctx context.Context) (models.MachineID, error)
}

// NewIdentityProvider builds the provider named by source.
func NewIdentityProvider(source, appID, staticID string) (IdentityProvider, error) {
	switch source {
	case IdentityMAC, "":
		return &MACIdentity{}, nil
	case IdentityHost:
		return &HostIdentity{AppID: appID}, nil
	case IdentityStatic:
		if strings.TrimSpace(staticID) == "" {
			return nil, fmt.Errorf("%w: static identity requires an id", models.ErrInvalidConfig)
		}
		return StaticIdentity(staticID), nil
	default:
		return nil, fmt.Errorf("%w: unknown identity source %q", models.ErrInvalidConfig, source)
	}
}

// MACIdentity derives the id from the hardware address of the first
// non-loopback interface, ordered by interface name.
type MACIdentity struct {
	// Interfaces lists the network interfaces. Defaults to net.Interfaces.
	Interfaces func() ([]net.Interface, error)
}

var errNoHardwareAddr = errors.New("no interface with a hardware address")

// MachineID implements IdentityProvider.
func (p *MACIdentity) MachineID(ctx context.Context) (models.MachineID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	list := p.Interfaces
	if list == nil {
		list = net.Interfaces
	}

	ifaces, err := list()
	if err != nil {
		return "", models.NewIdentityError(fmt.Errorf("list interfaces: %w", err))
	}

	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Name < ifaces[j].Name })

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		if allZero(iface.HardwareAddr) {
			continue
		}
		return models.MachineID("mac-" + hex.EncodeToString(iface.HardwareAddr)), nil
	}

	return "", models.NewIdentityError(errNoHardwareAddr)
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// HostIdentity derives the id from the operating system's machine id,
// hashed with the application id so it is not exposed verbatim.
type HostIdentity struct {
	AppID string
}

// MachineID implements IdentityProvider.
func (p *HostIdentity) MachineID(ctx context.Context) (models.MachineID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	appID := p.AppID
	if appID == "" {
		appID = "offliner"
	}

	id, err := machineid.ProtectedID(appID)
	if err != nil {
		return "", models.NewIdentityError(fmt.Errorf("read host id: %w", err))
	}
	if len(id) > 16 {
		id = id[:16]
	}
	return models.MachineID("host-" + id), nil
}

// StaticIdentity returns a fixed id.
type StaticIdentity models.MachineID

// MachineID implements IdentityProvider.
func (s StaticIdentity) MachineID(ctx context.Context) (models.MachineID, error) {
	id := models.MachineID(s)
	if !id.Valid() {
		return "", models.NewIdentityError(errors.New("empty static id"))
	}
	return id, nil
}
