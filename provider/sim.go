package provider

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/idevmgr/idevd-go/core"
)

// Sim is an in-memory device provider, the equivalent of running against
// an emulator: fresh devices with no apps, a tiny media filesystem and
// deterministic behavior. It backs the -s flag and the test suite.

type Sim struct {
	mu      sync.Mutex
	devices map[string]*simDevice
}

func InitSim(udids []string) *Sim {
	s := &Sim{devices: make(map[string]*simDevice)}
	for i, udid := range udids {
		s.devices[udid] = newSimDevice(udid, i)
	}
	return s
}

func (s *Sim) Kind() string {
	return "sim"
}

func (s *Sim) Enumerate() ([]core.DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var infos []core.DeviceInfo
	for _, d := range s.devices {
		d.mu.Lock()
		off := d.poweredOff
		info := d.info
		d.mu.Unlock()
		if off {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (s *Sim) Has(udid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[udid]
	if !ok {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.poweredOff
}

func (s *Sim) Connect(udid string) (core.ProviderDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[udid]
	if !ok {
		return nil, ErrNotFound
	}
	d.mu.Lock()
	off := d.poweredOff
	d.mu.Unlock()
	if off {
		return nil, ErrNotFound
	}
	return d, nil
}

// Unplug simulates yanking the cable; the device disappears from
// enumeration and any open connection starts failing.
func (s *Sim) Unplug(udid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[udid]; ok {
		d.mu.Lock()
		d.unplugged = true
		d.mu.Unlock()
		delete(s.devices, udid)
	}
}

type simDevice struct {
	mu sync.Mutex

	info core.DeviceInfo

	apps       []core.AppRecord
	dirs       map[string]bool
	files      map[string][]byte
	poweredOff bool
	unplugged  bool
	bootCount  int
}

func newSimDevice(udid string, n int) *simDevice {
	return &simDevice{
		info: core.DeviceInfo{
			UDID:        udid,
			Name:        fmt.Sprintf("Simulated iPhone %d", n+1),
			ProductType: "iPhone10,3",
			OSVersion:   "16.6",
			Battery:     100,
			Kind:        "sim",
		},
		dirs: map[string]bool{
			"/":          true,
			"/DCIM":      true,
			"/Downloads": true,
		},
		files: map[string][]byte{
			"/DCIM/IMG_0001.JPG": []byte("jpeg bytes"),
		},
	}
}

func (d *simDevice) gone() error {
	if d.unplugged {
		return fmt.Errorf("sim: device connection lost")
	}
	if d.poweredOff {
		return fmt.Errorf("sim: device is powered off")
	}
	return nil
}

func (d *simDevice) Info() (core.DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.gone(); err != nil {
		return core.DeviceInfo{}, err
	}
	return d.info, nil
}

func (d *simDevice) ListApps() ([]core.AppRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.gone(); err != nil {
		return nil, err
	}
	apps := make([]core.AppRecord, len(d.apps))
	copy(apps, d.apps)
	return apps, nil
}

// BundleIDFromPackage derives the simulated bundle id the same way for
// install and for callers that want to predict it.
func BundleIDFromPackage(pkgPath string) string {
	base := strings.TrimSuffix(filepath.Base(pkgPath), filepath.Ext(pkgPath))
	if strings.Contains(base, ".") {
		return base
	}
	return "com.simulated." + base
}

func (d *simDevice) InstallApp(pkgPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.gone(); err != nil {
		return err
	}
	bundleID := BundleIDFromPackage(pkgPath)
	for i, a := range d.apps {
		if a.BundleID == bundleID {
			d.apps[i].Version = "1.1"
			return nil
		}
	}
	d.apps = append(d.apps, core.AppRecord{
		BundleID:    bundleID,
		DisplayName: bundleID,
		Version:     "1.0",
	})
	return nil
}

func (d *simDevice) UninstallApp(bundleID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.gone(); err != nil {
		return err
	}
	for i, a := range d.apps {
		if a.BundleID == bundleID {
			d.apps = append(d.apps[:i], d.apps[i+1:]...)
			return nil
		}
	}
	return core.ErrNotFound
}

func (d *simDevice) ListFiles(dir string) ([]core.FileEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.gone(); err != nil {
		return nil, err
	}
	dir = path.Clean(dir)
	if !d.dirs[dir] {
		return nil, core.ErrPathNotFound
	}
	var entries []core.FileEntry
	for p := range d.dirs {
		if p != dir && path.Dir(p) == dir {
			entries = append(entries, core.FileEntry{Path: p, Kind: core.KindDirectory})
		}
	}
	for p, data := range d.files {
		if path.Dir(p) == dir {
			entries = append(entries, core.FileEntry{Path: p, Kind: core.KindFile, Size: int64(len(data))})
		}
	}
	return entries, nil
}

func (d *simDevice) ReadFile(p string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.gone(); err != nil {
		return nil, err
	}
	data, ok := d.files[path.Clean(p)]
	if !ok {
		return nil, core.ErrPathNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (d *simDevice) WriteFile(p string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.gone(); err != nil {
		return err
	}
	p = path.Clean(p)
	if !d.dirs[path.Dir(p)] {
		return core.ErrPathNotFound
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	d.files[p] = stored
	return nil
}

func (d *simDevice) Backup(destPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gone()
}

func (d *simDevice) Restore(srcPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gone()
}

// Screenshot renders a flat gray frame so callers get a real PNG.
func (d *simDevice) Screenshot() ([]byte, error) {
	d.mu.Lock()
	if err := d.gone(); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, 320, 568))
	gray := color.RGBA{R: 0x35, G: 0x35, B: 0x35, A: 0xff}
	for y := 0; y < 568; y++ {
		for x := 0; x < 320; x++ {
			img.Set(x, y, gray)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *simDevice) Reboot() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.gone(); err != nil {
		return err
	}
	d.bootCount++
	return nil
}

func (d *simDevice) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.gone(); err != nil {
		return err
	}
	d.poweredOff = true
	return nil
}

func (d *simDevice) Close(disconnected bool) error {
	return nil
}
