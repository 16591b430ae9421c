package diagnostics

import (
	"net"
	"sort"

	"go2tv.app/station-remote/internal/adapters"
)

var listInterfaces = net.Interfaces

type InterfaceStatus struct {
	Name      string   `json:"name"`
	Addresses []string `json:"addresses,omitempty"`
}

type CredentialStatus struct {
	Present  bool   `json:"present"`
	HasToken bool   `json:"has_token"`
	Error    string `json:"error,omitempty"`
}

type EnvironmentReport struct {
	MulticastInterfaces []InterfaceStatus `json:"multicast_interfaces"`
	DiscoveryReady      bool              `json:"discovery_ready"`
	Credentials         CredentialStatus  `json:"credentials"`
}

// DetectEnvironment reports whether mDNS discovery can run on this host and
// whether stored credentials are usable. store may be nil.
func DetectEnvironment(store adapters.CredentialStore) EnvironmentReport {
	ifaces := multicastInterfaces()
	return EnvironmentReport{
		MulticastInterfaces: ifaces,
		DiscoveryReady:      len(ifaces) > 0,
		Credentials:         detectCredentials(store),
	}
}

func multicastInterfaces() []InterfaceStatus {
	ifaces, err := listInterfaces()
	if err != nil {
		return nil
	}

	out := []InterfaceStatus{}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		status := InterfaceStatus{Name: iface.Name}
		if addrs, err := iface.Addrs(); err == nil {
			for _, addr := range addrs {
				if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
					status.Addresses = append(status.Addresses, ipnet.IP.String())
				}
			}
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func detectCredentials(store adapters.CredentialStore) CredentialStatus {
	if store == nil {
		return CredentialStatus{}
	}
	creds, err := store.Load()
	if err != nil {
		return CredentialStatus{Error: err.Error()}
	}
	return CredentialStatus{
		Present:  !creds.Empty(),
		HasToken: creds.AuthToken != "",
	}
}
