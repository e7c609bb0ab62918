package provider

import (
	"bytes"
	"errors"
	"image/png"
	"testing"

	"github.com/idevmgr/idevd-go/core"
)

func simWithOne(t *testing.T) (*Sim, core.ProviderDevice) {
	t.Helper()
	s := InitSim([]string{"SIM0001"})
	dev, err := s.Connect("SIM0001")
	if err != nil {
		t.Fatal(err)
	}
	return s, dev
}

func TestSimInstallUninstall(t *testing.T) {
	_, dev := simWithOne(t)

	apps, err := dev.ListApps()
	if err != nil {
		t.Fatal(err)
	}
	if len(apps) != 0 {
		t.Fatalf("fresh sim device should have no apps, got %v", apps)
	}

	if err := dev.InstallApp("/tmp/x.ipa"); err != nil {
		t.Fatal(err)
	}
	apps, err = dev.ListApps()
	if err != nil {
		t.Fatal(err)
	}
	if len(apps) != 1 || apps[0].BundleID != "com.simulated.x" {
		t.Fatalf("expected installed app, got %v", apps)
	}

	if err := dev.UninstallApp("com.simulated.x"); err != nil {
		t.Fatal(err)
	}
	if err := dev.UninstallApp("com.simulated.x"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSimFiles(t *testing.T) {
	_, dev := simWithOne(t)

	entries, err := dev.ListFiles("/")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected DCIM and Downloads under /, got %v", entries)
	}

	if _, err := dev.ListFiles("/nope"); !errors.Is(err, core.ErrPathNotFound) {
		t.Errorf("expected ErrPathNotFound, got %v", err)
	}

	if err := dev.WriteFile("/Downloads/note.txt", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	data, err := dev.ReadFile("/Downloads/note.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("read back %q", data)
	}

	if err := dev.WriteFile("/nope/note.txt", []byte("x")); !errors.Is(err, core.ErrPathNotFound) {
		t.Errorf("write to missing dir: expected ErrPathNotFound, got %v", err)
	}
	if _, err := dev.ReadFile("/Downloads/none.txt"); !errors.Is(err, core.ErrPathNotFound) {
		t.Errorf("read missing file: expected ErrPathNotFound, got %v", err)
	}
}

func TestSimScreenshotIsPNG(t *testing.T) {
	_, dev := simWithOne(t)
	data, err := dev.Screenshot()
	if err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("screenshot is not a decodable PNG: %v", err)
	}
	if img.Bounds().Dx() != 320 {
		t.Errorf("unexpected width %d", img.Bounds().Dx())
	}
}

func TestSimShutdownHidesDevice(t *testing.T) {
	s, dev := simWithOne(t)

	if err := dev.Shutdown(); err != nil {
		t.Fatal(err)
	}
	infos, err := s.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Errorf("powered-off device still enumerated: %v", infos)
	}
	if _, err := dev.ListApps(); err == nil {
		t.Error("expected error on powered-off device")
	}
	if _, err := s.Connect("SIM0001"); err == nil {
		t.Error("expected connect to fail on powered-off device")
	}
}

// Shutdown writes the power state while other goroutines look devices up;
// the race detector trips here if the lookups skip the device lock.
func TestSimShutdownDuringLookups(t *testing.T) {
	s, dev := simWithOne(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			s.Has("SIM0001")
			s.Connect("SIM0001")
		}
	}()

	if err := dev.Shutdown(); err != nil {
		t.Fatal(err)
	}
	<-done

	if s.Has("SIM0001") {
		t.Error("powered-off device still visible")
	}
	if _, err := s.Connect("SIM0001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSimUnplug(t *testing.T) {
	s, dev := simWithOne(t)
	s.Unplug("SIM0001")

	if s.Has("SIM0001") {
		t.Error("unplugged device still present")
	}
	if _, err := dev.ListApps(); err == nil {
		t.Error("expected error on unplugged device")
	}
}

func TestMuxRoutesByUDID(t *testing.T) {
	a := InitSim([]string{"AAA"})
	b := InitSim([]string{"BBB"})
	m := Init(a, b)

	infos, err := m.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 devices, got %v", infos)
	}
	if !m.Has("AAA") || !m.Has("BBB") || m.Has("CCC") {
		t.Error("Has misrouted")
	}
	if _, err := m.Connect("BBB"); err != nil {
		t.Errorf("connect via mux failed: %v", err)
	}
	if _, err := m.Connect("CCC"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
