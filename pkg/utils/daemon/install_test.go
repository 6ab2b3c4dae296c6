package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func fakeSystemctl(t *testing.T) *[]string {
	t.Helper()
	var calls []string
	oldDir, oldCtl := unitDir, systemctl
	unitDir = t.TempDir()
	systemctl = func(args ...string) error {
		calls = append(calls, strings.Join(args, " "))
		return nil
	}
	t.Cleanup(func() { unitDir, systemctl = oldDir, oldCtl })
	return &calls
}

func TestUnit(t *testing.T) {
	unit := Unit("/usr/local/bin/robocar", Options{
		ConfigPath:         "/etc/robocar.json",
		SocketPath:         "/var/run/robocar.sock",
		AllowNonRootAccess: true,
	})
	want := "ExecStart=/usr/local/bin/robocar daemon --config /etc/robocar.json --daemon-socket /var/run/robocar.sock --always-allow-non-root-access\n"
	if !strings.Contains(unit, want) {
		t.Errorf("unit misses %q:\n%s", want, unit)
	}

	unit = Unit("/usr/local/bin/robocar", Options{ConfigPath: "/etc/robocar.json", SocketPath: "/run/r.sock"})
	if strings.Contains(unit, "non-root") {
		t.Errorf("root-only unit allows non-root access:\n%s", unit)
	}
}

func TestInstallUninstall(t *testing.T) {
	calls := fakeSystemctl(t)

	if err := install("/opt/robocar", Options{ConfigPath: "/etc/robocar.json", SocketPath: "/run/robocar.sock"}); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(unitDir, unitName))
	if err != nil {
		t.Fatalf("unit not written: %v", err)
	}
	if !strings.Contains(string(b), "ExecStart=/opt/robocar daemon") {
		t.Errorf("unexpected unit:\n%s", b)
	}

	if err := Uninstall(); err != nil {
		t.Fatalf("Uninstall failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(unitDir, unitName)); !os.IsNotExist(err) {
		t.Errorf("unit still present: %v", err)
	}

	want := []string{"daemon-reload", "enable --now robocar.service", "disable --now robocar.service", "daemon-reload"}
	if strings.Join(*calls, ",") != strings.Join(want, ",") {
		t.Errorf("systemctl calls = %q, want %q", *calls, want)
	}
}
