package dnsresolver

import (
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// hostsFilePath returns the location of the system hosts file.
func hostsFilePath() string {
	if runtime.GOOS == "windows" {
		root := os.Getenv("SystemRoot")
		if root == "" {
			root = `C:\Windows`
		}
		return filepath.Join(root, "System32", "drivers", "etc", "hosts")
	}
	return "/etc/hosts"
}

// hostsFile is the parsed system hosts file: lower-cased names to their addresses.
// It is parsed once on first use and immutable afterwards.
type hostsFile struct {
	once    sync.Once
	entries map[string][]net.IP
}

var systemHosts hostsFile

// ParseHosts parses hosts-file content: '#' starts a comment, each remaining line is
// an address followed by one or more names. Name matching is case-insensitive, hence
// names are stored lower-cased. Malformed lines are skipped.
func ParseHosts(content string) map[string][]net.IP {
	entries := make(map[string][]net.IP)
	for _, line := range strings.Split(content, "\n") {
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		addr := net.ParseIP(fields[0])
		if addr == nil {
			continue
		}
		for _, name := range fields[1:] {
			name = strings.ToLower(name)
			entries[name] = append(entries[name], addr)
		}
	}
	return entries
}

// lookupHosts consults the system hosts file, parsing it on first use.
func lookupHosts(hostname string) []net.IP {
	systemHosts.once.Do(func() {
		content, err := os.ReadFile(hostsFilePath())
		if err != nil {
			systemHosts.entries = make(map[string][]net.IP)
			return
		}
		systemHosts.entries = ParseHosts(string(content))
	})
	return systemHosts.entries[strings.ToLower(hostname)]
}
