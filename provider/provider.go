package provider

import (
	"errors"

	"github.com/idevmgr/idevd-go/core"
)

var ErrNotFound = errors.New("device not found")

// Mux fans a single core.Provider out over several real providers.
// Each device belongs to exactly one of them; ops are routed by UDID.
type Mux struct {
	providers []core.Provider
}

func Init(providers ...core.Provider) *Mux {
	return &Mux{
		providers: providers,
	}
}

func (m *Mux) Kind() string {
	return "mux"
}

func (m *Mux) Has(udid string) bool {
	for _, p := range m.providers {
		if p.Has(udid) {
			return true
		}
	}
	return false
}

func (m *Mux) Enumerate() ([]core.DeviceInfo, error) {
	var infos []core.DeviceInfo

	for _, p := range m.providers {
		l, err := p.Enumerate()
		if err != nil {
			return nil, err
		}
		infos = append(infos, l...)
	}
	return infos, nil
}

func (m *Mux) Connect(udid string) (core.ProviderDevice, error) {
	for _, p := range m.providers {
		if p.Has(udid) {
			return p.Connect(udid)
		}
	}
	return nil, ErrNotFound
}
