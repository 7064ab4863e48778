package licenseclient

import (
	"context"
	"net"
	"os"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/host"
)

// MachineID returns a fingerprint that is stable across restarts of the
// same machine: a name-based UUID over hostname, architecture and host id.
func MachineID(ctx context.Context) string {
	info, err := host.InfoWithContext(ctx)
	if err != nil || info == nil {
		info = &host.InfoStat{}
	}
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(machineName(info))).String()
}

func machineName(info *host.InfoStat) string {
	hostname := info.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	arch := info.KernelArch
	if arch == "" {
		arch = runtime.GOARCH
	}
	return strings.Join([]string{hostname, arch, info.HostID}, "-")
}

// OutboundIP reports the local address the OS would use to reach the
// internet. A UDP dial sends no packets. It returns nil when there is no
// route.
func OutboundIP() *string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return nil
	}
	ip := addr.IP.String()
	return &ip
}
