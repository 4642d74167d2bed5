package vectorstore

import (
	"net"
	"strconv"
)

// Endpoint is a vector-store network address.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// String returns host:port.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Candidates returns primary followed by alternates in order, with
// duplicates removed. The result never exceeds len(alternates)+1 entries.
func Candidates(primary Endpoint, alternates []Endpoint) []Endpoint {
	out := make([]Endpoint, 0, len(alternates)+1)
	seen := make(map[Endpoint]struct{}, len(alternates)+1)

	add := func(e Endpoint) {
		if _, ok := seen[e]; ok {
			return
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}

	add(primary)
	for _, e := range alternates {
		add(e)
	}
	return out
}

// CrossProduct expands host and port lists into endpoints. The primary
// host/port pair is emitted first, followed by the remaining combinations
// host-major. The primary itself is excluded from the returned alternates.
func CrossProduct(primary Endpoint, altHosts []string, altPorts []int) []Endpoint {
	hosts := append([]string{primary.Host}, altHosts...)
	ports := append([]int{primary.Port}, altPorts...)

	var alternates []Endpoint
	for _, h := range hosts {
		if h == "" {
			continue
		}
		for _, p := range ports {
			if p <= 0 {
				continue
			}
			e := Endpoint{Host: h, Port: p}
			if e == primary {
				continue
			}
			alternates = append(alternates, e)
		}
	}
	return Candidates(primary, alternates)[1:]
}
