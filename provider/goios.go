package provider

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"

	"github.com/idevmgr/idevd-go/core"
	"github.com/idevmgr/idevd-go/memorywriter"
	uj "github.com/nanoscopic/ujsonin/v2/mod"
)

// GoIOS drives the go-ios binary, which speaks JSON on stdout. It covers
// device listing, info, apps, install/uninstall, screenshot and reboot;
// file access and backups are not part of that CLI, so those operations
// report core.ErrNotSupported and a Mux deployment pairs it with a
// provider that has them.

type GoIOS struct {
	binary string
	log    *memorywriter.MemoryWriter
}

func InitGoIOS(binary string, log *memorywriter.MemoryWriter) (*GoIOS, error) {
	if binary == "" {
		binary = "ios"
	}
	if _, err := exec.LookPath(binary); err != nil {
		if _, statErr := os.Stat(binary); statErr != nil {
			return nil, fmt.Errorf("goios: binary not found: %s", binary)
		}
	}
	return &GoIOS{binary: binary, log: log}, nil
}

func (p *GoIOS) Kind() string {
	return "goios"
}

func (p *GoIOS) Enumerate() ([]core.DeviceInfo, error) {
	res, err := runTool(defaultTimeout, p.binary, "list")
	if err != nil {
		return nil, err
	}
	if res.exit != 0 {
		return nil, fmt.Errorf("goios list: %s", res.errOut())
	}
	root, _ := uj.Parse([]byte(res.out()))
	if root == nil {
		return nil, fmt.Errorf("goios list: unparseable output")
	}
	listNode := root.Get("deviceList")
	if listNode == nil {
		return nil, fmt.Errorf("goios list: no deviceList in output")
	}

	var infos []core.DeviceInfo
	listNode.ForEach(func(dev uj.JNode) {
		infos = append(infos, core.DeviceInfo{
			UDID:    dev.String(),
			Battery: -1,
			Kind:    p.Kind(),
		})
	})
	return infos, nil
}

func (p *GoIOS) Has(udid string) bool {
	infos, err := p.Enumerate()
	if err != nil {
		return false
	}
	for _, info := range infos {
		if info.UDID == udid {
			return true
		}
	}
	return false
}

func (p *GoIOS) Connect(udid string) (core.ProviderDevice, error) {
	if !p.Has(udid) {
		return nil, ErrNotFound
	}
	p.log.Log("goios - connected " + udid)
	return &goiosDevice{provider: p, udid: udid}, nil
}

type goiosDevice struct {
	provider *GoIOS
	udid     string
}

func (d *goiosDevice) udidArg() string {
	return "--udid=" + d.udid
}

func (d *goiosDevice) Info() (core.DeviceInfo, error) {
	info := core.DeviceInfo{UDID: d.udid, Battery: -1, Kind: d.provider.Kind()}

	res, err := runTool(defaultTimeout, d.provider.binary, "info", d.udidArg())
	if err != nil {
		return info, err
	}
	if res.exit != 0 {
		return info, fmt.Errorf("goios info: %s", res.errOut())
	}
	root, _ := uj.Parse([]byte(res.out()))
	if root == nil {
		return info, fmt.Errorf("goios info: unparseable output")
	}
	if n := root.Get("DeviceName"); n != nil {
		info.Name = n.String()
	}
	if n := root.Get("ProductType"); n != nil {
		info.ProductType = n.String()
	}
	if n := root.Get("ProductVersion"); n != nil {
		info.OSVersion = n.String()
	}
	return info, nil
}

func (d *goiosDevice) ListApps() ([]core.AppRecord, error) {
	res, err := runTool(defaultTimeout, d.provider.binary, "apps", d.udidArg())
	if err != nil {
		return nil, err
	}
	if res.exit != 0 {
		return nil, fmt.Errorf("goios apps: %s", res.errOut())
	}
	// output is a bare JSON array; wrap it so Get() works
	root, _ := uj.Parse([]byte(`{"apps":` + res.out() + `}`))
	if root == nil {
		return nil, fmt.Errorf("goios apps: unparseable output")
	}

	apps := []core.AppRecord{}
	root.Get("apps").ForEach(func(app uj.JNode) {
		idNode := app.Get("CFBundleIdentifier")
		if idNode == nil {
			return
		}
		rec := core.AppRecord{BundleID: idNode.String()}
		if n := app.Get("CFBundleName"); n != nil {
			rec.DisplayName = n.String()
		}
		if n := app.Get("CFBundleShortVersionString"); n != nil {
			rec.Version = n.String()
		}
		apps = append(apps, rec)
	})
	return apps, nil
}

func (d *goiosDevice) InstallApp(pkgPath string) error {
	res, err := runTool(transferTimeout, d.provider.binary,
		"install", "--path="+pkgPath, d.udidArg())
	if err != nil {
		return err
	}
	if res.exit != 0 {
		return fmt.Errorf("goios install: %s", res.errOut())
	}
	return nil
}

func (d *goiosDevice) UninstallApp(bundleID string) error {
	apps, err := d.ListApps()
	if err != nil {
		return err
	}
	found := false
	for _, a := range apps {
		if a.BundleID == bundleID {
			found = true
			break
		}
	}
	if !found {
		return core.ErrNotFound
	}

	res, err := runTool(defaultTimeout, d.provider.binary,
		"uninstall", bundleID, d.udidArg())
	if err != nil {
		return err
	}
	if res.exit != 0 {
		return fmt.Errorf("goios uninstall: %s", res.errOut())
	}
	return nil
}

func (d *goiosDevice) ListFiles(path string) ([]core.FileEntry, error) {
	return nil, core.ErrNotSupported
}

func (d *goiosDevice) ReadFile(path string) ([]byte, error) {
	return nil, core.ErrNotSupported
}

func (d *goiosDevice) WriteFile(path string, data []byte) error {
	return core.ErrNotSupported
}

func (d *goiosDevice) Backup(destPath string) error {
	return core.ErrNotSupported
}

func (d *goiosDevice) Restore(srcPath string) error {
	return core.ErrNotSupported
}

func (d *goiosDevice) Screenshot() ([]byte, error) {
	tmp, err := tempPath("idevd-screenshot*.png")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp)

	res, err := runTool(defaultTimeout, d.provider.binary,
		"screenshot", "--output="+tmp, d.udidArg())
	if err != nil {
		return nil, err
	}
	if res.exit != 0 {
		return nil, fmt.Errorf("goios screenshot: %s", res.errOut())
	}
	return ioutil.ReadFile(tmp)
}

func (d *goiosDevice) Reboot() error {
	res, err := runTool(defaultTimeout, d.provider.binary, "reboot", d.udidArg())
	if err != nil {
		return err
	}
	if res.exit != 0 {
		return fmt.Errorf("goios reboot: %s", res.errOut())
	}
	return nil
}

func (d *goiosDevice) Shutdown() error {
	return core.ErrNotSupported
}

func (d *goiosDevice) Close(disconnected bool) error {
	d.provider.log.Log("goios - closed " + d.udid)
	return nil
}
